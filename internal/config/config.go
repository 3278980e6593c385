package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"olmoplayground/internal/models"
)

// Config represents runtime configuration for the service.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Database  DatabaseConfig       `mapstructure:"database"`
	Redis     RedisConfig          `mapstructure:"redis"`
	Log       LogConfig            `mapstructure:"log"`
	Auth      AuthConfig           `mapstructure:"auth"`
	Inference InferenceConfig      `mapstructure:"inference"`
	Models    []models.ModelConfig `mapstructure:"models"`
	Safety    SafetyConfig         `mapstructure:"safety"`
	Captcha   CaptchaConfig        `mapstructure:"captcha"`
	Storage   StorageConfig        `mapstructure:"storage"`
	Tools     ToolsConfig          `mapstructure:"tools"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Cleanup   CleanupConfig        `mapstructure:"cleanup"`
	Otel      OtelConfig           `mapstructure:"otel"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
	Mode    string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Mode string `mapstructure:"mode"`
}

type AuthConfig struct {
	Domain     string `mapstructure:"domain"`
	Audience   string `mapstructure:"audience"`
	HMACSecret string `mapstructure:"hmac_secret"`
	// AnonymousHeader carries the client-generated id of an anonymous session.
	AnonymousHeader    string        `mapstructure:"anonymous_header"`
	BypassPermission   string        `mapstructure:"bypass_permission"`
	InternalPermission string        `mapstructure:"internal_permission"`
	TokenCacheTTL      time.Duration `mapstructure:"token_cache_ttl"`
}

// ProviderConfig describes one OpenAI-compatible or agent endpoint.
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

type InferenceConfig struct {
	// OpenAICompat maps backend names (togetherai, cirrascale, modal) to endpoints.
	OpenAICompat      map[string]ProviderConfig `mapstructure:"openai_compat"`
	Agents            map[string]ProviderConfig `mapstructure:"agents"`
	QueuePrefix       string                    `mapstructure:"queue_prefix"`
	FirstChunkTimeout time.Duration             `mapstructure:"first_chunk_timeout"`
}

type SafetyConfig struct {
	TextChecker    string         `mapstructure:"text_checker"`
	Judge          ProviderConfig `mapstructure:"judge"`
	ModerationKey  string         `mapstructure:"moderation_api_key"`
	VisionEnabled  bool           `mapstructure:"vision_enabled"`
	VideoEnabled   bool           `mapstructure:"video_enabled"`
	VideoQueueKey  string         `mapstructure:"video_queue_key"`
	MaxAttempts    int            `mapstructure:"max_attempts"`
	PollInterval   time.Duration  `mapstructure:"poll_interval"`
	InitialBackoff time.Duration  `mapstructure:"initial_backoff"`
}

type CaptchaConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ProjectID      string  `mapstructure:"project_id"`
	SiteKey        string  `mapstructure:"site_key"`
	ExpectedAction string  `mapstructure:"expected_action"`
	MinScore       float64 `mapstructure:"min_score"`
}

type StorageConfig struct {
	PublicBucket  string `mapstructure:"public_bucket"`
	ScratchBucket string `mapstructure:"scratch_bucket"`
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type MCPServerConfig struct {
	ID      string            `mapstructure:"id"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Enabled bool              `mapstructure:"enabled"`
}

type ToolsConfig struct {
	MaxStepsCap          int               `mapstructure:"max_steps_cap"`
	DefaultMaxSteps      int               `mapstructure:"default_max_steps"`
	WebSearchEnabled     bool              `mapstructure:"web_search_enabled"`
	GoogleAPIKey         string            `mapstructure:"google_api_key"`
	GoogleSearchEngineID string            `mapstructure:"google_search_engine_id"`
	CallsPerMinute       int               `mapstructure:"calls_per_minute"`
	MCPServers           []MCPServerConfig `mapstructure:"mcp_servers"`
}

type WorkerConfig struct {
	MinWorkers  int           `mapstructure:"min_workers"`
	MaxWorkers  int           `mapstructure:"max_workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type CleanupConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StaleTurnAfter time.Duration `mapstructure:"stale_turn_after"`
}

type OtelConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("log.mode", "development")
	v.SetDefault("auth.anonymous_header", "X-Anonymous-User-ID")
	v.SetDefault("auth.bypass_permission", "write:bypass-safety-check")
	v.SetDefault("auth.internal_permission", "read:internal-models")
	v.SetDefault("auth.token_cache_ttl", 5*time.Minute)
	v.SetDefault("inference.queue_prefix", "inference")
	v.SetDefault("inference.first_chunk_timeout", 30*time.Second)
	v.SetDefault("safety.text_checker", "judge")
	v.SetDefault("safety.video_queue_key", "safety:video")
	v.SetDefault("safety.max_attempts", 8)
	v.SetDefault("safety.poll_interval", 5*time.Second)
	v.SetDefault("safety.initial_backoff", 10*time.Second)
	v.SetDefault("captcha.expected_action", "prompt_submission")
	v.SetDefault("captcha.min_score", 0.5)
	v.SetDefault("storage.public_base_url", "https://storage.googleapis.com")
	v.SetDefault("tools.max_steps_cap", 10)
	v.SetDefault("tools.default_max_steps", 5)
	v.SetDefault("tools.calls_per_minute", 30)
	v.SetDefault("worker.min_workers", 4)
	v.SetDefault("worker.max_workers", 64)
	v.SetDefault("worker.queue_size", 256)
	v.SetDefault("worker.idle_timeout", 30*time.Second)
	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.stale_turn_after", time.Hour)
	v.SetDefault("otel.service_name", "olmo-playground")
}

// Load reads configuration from the provided YAML path (defaults to
// config.yaml). OLMO_* environment variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OLMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the service relies on.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return errors.New("model id must be configured")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if !m.Host.Valid() {
			return fmt.Errorf("model %s: unsupported host %q", m.ID, m.Host)
		}
	}
	if c.Tools.DefaultMaxSteps > c.Tools.MaxStepsCap {
		c.Tools.DefaultMaxSteps = c.Tools.MaxStepsCap
	}
	return nil
}

// Model looks up a configured model by id.
func (c *Config) Model(id string) (models.ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return models.ModelConfig{}, false
}
