package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/models"
)

const sampleConfig = `
database:
  driver: sqlite3
  dsn: ":memory:"
inference:
  first_chunk_timeout: 10s
models:
  - id: olmo-2-13b
    name: OLMo 2 13B
    host: openai_compat
    backend: togetherai
    compute_source_id: allenai/OLMo-2-13B-Instruct
    default_system_prompt: Be nice
    prompt_type: multi_modal
    accepted_file_types: ["image/*"]
    max_files_per_message: 2
tools:
  max_steps_cap: 3
  default_max_steps: 8
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Inference.FirstChunkTimeout)
	assert.Equal(t, ":8090", cfg.Server.Address, "defaults fill unset keys")

	m, ok := cfg.Model("olmo-2-13b")
	require.True(t, ok)
	assert.Equal(t, models.HostOpenAICompat, m.Host)
	require.NotNil(t, m.DefaultSystemPrompt)
	assert.Equal(t, "Be nice", *m.DefaultSystemPrompt)
	require.NotNil(t, m.MaxFilesPerMessage)
	assert.Equal(t, 2, *m.MaxFilesPerMessage)

	assert.Equal(t, 3, cfg.Tools.DefaultMaxSteps, "default steps clamp to the cap")
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("OLMO_SERVER_ADDRESS", ":9999")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Address)
}

func TestLoadRejectsUnknownHost(t *testing.T) {
	body := `
database:
  driver: sqlite3
models:
  - id: broken
    host: carrier-pigeon
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported host")
}
