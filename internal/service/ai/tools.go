package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

var ErrToolNotFound = errors.New("tool not found")

// Tool is something the orchestrator can invoke for a model tool call.
type Tool interface {
	Definition() models.ToolDefinition
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ToolRegistry holds the internal and MCP tools offered to tool-calling models.
type ToolRegistry struct {
	log     *logger.Logger
	mu      sync.RWMutex
	tools   map[string]Tool
	limiter *toolRateLimiter
	closers []func() error
}

func NewToolRegistry(log *logger.Logger, cfg config.ToolsConfig) *ToolRegistry {
	return &ToolRegistry{
		log:     log.With("service", "ai.ToolRegistry"),
		tools:   make(map[string]Tool),
		limiter: newToolRateLimiter(cfg.CallsPerMinute, time.Minute),
	}
}

// InitToolsChain registers the internal tools enabled by cfg and every MCP
// server's tools.
func (r *ToolRegistry) InitToolsChain(ctx context.Context, cfg config.ToolsConfig) {
	if cfg.WebSearchEnabled {
		if ws := InitWebSearch(ctx, r.log, cfg); ws != nil {
			r.Register(ws)
		}
	}
	for _, server := range cfg.MCPServers {
		if !server.Enabled {
			continue
		}
		if err := r.ConnectMCP(ctx, server); err != nil {
			r.log.Warn("mcp server unavailable", "server", server.ID, "error", err)
		}
	}
}

func (r *ToolRegistry) Register(t Tool) {
	def := t.Definition()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		r.log.Warn("duplicate tool name ignored", "tool", def.Name)
		return
	}
	r.tools[def.Name] = t
}

// Definitions returns the definitions of the selected tools, or of all tools
// when selected is empty, sorted by name.
func (r *ToolRegistry) Definitions(selected []string) []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []models.ToolDefinition
	if len(selected) == 0 {
		for _, t := range r.tools {
			defs = append(defs, t.Definition())
		}
	} else {
		for _, name := range selected {
			if t, ok := r.tools[name]; ok {
				defs = append(defs, t.Definition())
			}
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call runs the tool named by call. key scopes rate limiting, normally the
// calling user.
func (r *ToolRegistry) Call(ctx context.Context, key string, call models.ToolCall) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[call.ToolName]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
	}
	if !r.limiter.Allow(key) {
		return "", errors.New("tool rate limit exceeded, please retry in a minute")
	}
	start := time.Now()
	out, err := t.Invoke(ctx, call.Args)
	r.log.Debug("tool invoked", "tool", call.ToolName, "duration_ms", time.Since(start).Milliseconds(), "ok", err == nil)
	return out, err
}

func (r *ToolRegistry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()
	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// einoTool adapts an eino InvokableTool.
type einoTool struct {
	def  models.ToolDefinition
	tool tool.InvokableTool
}

func (t *einoTool) Definition() models.ToolDefinition { return t.def }

func (t *einoTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal tool args: %w", err)
	}
	return t.tool.InvokableRun(ctx, string(payload))
}

func InitWebSearch(ctx context.Context, log *logger.Logger, cfg config.ToolsConfig) Tool {
	googleTool := InitGooglesearch(ctx, log, cfg)
	duckTool := InitDDGsearch(ctx, log)
	if googleTool == nil && duckTool == nil {
		log.Warn("web search tool disabled: no search providers available")
		return nil
	}

	ws := &webSearchTool{
		log:        log,
		google:     googleTool,
		duck:       duckTool,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
	}

	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information; " +
			"automatically fallbacks to another provider if needed;" +
			"can search URL if needed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}

	return &einoTool{
		def: models.ToolDefinition{
			Name:        info.Name,
			Description: info.Desc,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Natural language query or URL to search"},
				},
				"required": []any{"query"},
			},
			ToolSource: models.ToolSourceInternal,
		},
		tool: utils.NewTool(info, ws.run),
	}
}

type webSearchTool struct {
	log        *logger.Logger
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			w.log.Warn("web url loader failed", "error", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			w.log.Warn("google search failed", "error", err)
		}
	}

	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			w.log.Warn("duckduckgo search failed", "error", err)
		}
	}

	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch Init DDG Search
func InitDDGsearch(ctx context.Context, log *logger.Logger) tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(ctx, duckConfig)
	if err != nil {
		log.Warn("duckduckgo search disabled", "error", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch Init Google Search
func InitGooglesearch(ctx context.Context, log *logger.Logger, cfg config.ToolsConfig) tool.InvokableTool {
	if cfg.GoogleAPIKey == "" || cfg.GoogleSearchEngineID == "" {
		log.Info("google search tool disabled: missing google_api_key or google_search_engine_id")
		return nil
	}
	googleTool, err := googlesearch.NewTool(ctx, &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         cfg.GoogleAPIKey,
		SearchEngineID: cfg.GoogleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Warn("google search disabled", "error", err)
		return nil
	}
	return googleTool
}
