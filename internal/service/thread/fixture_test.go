package thread

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/ai"
	"olmoplayground/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// passEngine replays one scripted pass per call, repeating the last one.
type passEngine struct {
	mu       sync.Mutex
	passes   [][]ai.Event
	requests []ai.StreamRequest
}

func (e *passEngine) CreateStreamedMessage(ctx context.Context, req ai.StreamRequest) (ai.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := len(e.requests)
	if i >= len(e.passes) {
		i = len(e.passes) - 1
	}
	e.requests = append(e.requests, req)
	return &eventStream{ctx: ctx, events: append([]ai.Event(nil), e.passes[i]...)}, nil
}

func (e *passEngine) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

type eventStream struct {
	ctx    context.Context
	events []ai.Event
}

func (s *eventStream) Recv() (ai.Event, error) {
	if err := s.ctx.Err(); err != nil {
		return ai.Event{}, err
	}
	if len(s.events) == 0 {
		return ai.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *eventStream) Close() error { return nil }

type fakeTools struct {
	mu    sync.Mutex
	defs  []models.ToolDefinition
	calls []models.ToolCall
}

func (f *fakeTools) Definitions(selected []string) []models.ToolDefinition {
	return f.defs
}

func (f *fakeTools) Call(_ context.Context, _ string, call models.ToolCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return "42", nil
}

func (f *fakeTools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// failingFinalize lets every write through except Finalize.
type failingFinalize struct {
	*storage.MessageStore
}

func (failingFinalize) Finalize(context.Context, string, storage.FinalizeMessage) (*models.Message, error) {
	return nil, errors.New("database is locked")
}

type fixture struct {
	db       *sql.DB
	store    *storage.MessageStore
	files    *filestore.Memory
	tools    *fakeTools
	registry *ai.Registry
	cfg      *config.Config
	service  *Service
}

func chatModel() models.ModelConfig {
	return models.ModelConfig{
		ID:                  "olmo-chat",
		Name:                "OLMo Chat",
		Host:                models.HostMock,
		ModelType:           "chat",
		PromptType:          models.PromptTextOnly,
		CanCallTools:        true,
		DefaultSystemPrompt: models.StringPtr("Be nice"),
	}
}

type fixtureOption func(*fixture)

func withEngine(engine ai.Engine) fixtureOption {
	return func(f *fixture) { f.registry.Register(models.HostMock, engine) }
}

func withModels(ms ...models.ModelConfig) fixtureOption {
	return func(f *fixture) { f.cfg.Models = ms }
}

func newFixture(t *testing.T, gate Gate, opts ...fixtureOption) *fixture {
	t.Helper()
	return newFixtureWithStore(t, gate, nil, opts...)
}

func newFixtureWithStore(t *testing.T, gate Gate, wrap func(*storage.MessageStore) Store, opts ...fixtureOption) *fixture {
	t.Helper()
	db := openTestDB(t)
	f := &fixture{
		db:       db,
		store:    storage.NewMessageStore(db),
		files:    filestore.NewMemory(""),
		tools:    &fakeTools{defs: []models.ToolDefinition{{Name: "search", Description: "search the web", ToolSource: models.ToolSourceInternal}}},
		registry: ai.NewRegistry(),
		cfg: &config.Config{
			Models: []models.ModelConfig{chatModel()},
			Auth:   config.AuthConfig{InternalPermission: "read:internal-models"},
			Tools:  config.ToolsConfig{DefaultMaxSteps: 5, MaxStepsCap: 10},
			Storage: config.StorageConfig{
				PublicBucket:  "public",
				ScratchBucket: "scratch",
			},
		},
	}
	f.registry.Register(models.HostMock, ai.NewMockEngine())
	for _, opt := range opts {
		opt(f)
	}

	var store Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}
	log := logger.Nop()
	assembler := NewAssembler(log, store, f.tools, f.cfg)
	orchestrator := NewOrchestrator(log, store, f.registry, ai.NewGuard(log, 0), f.tools, f.files, nil, f.cfg.Storage)
	f.service = NewService(log, f.cfg, store, assembler, gate, orchestrator, nil, f.files)
	return f
}

type recorder struct {
	chunks []models.Chunk
}

func (r *recorder) emit(c models.Chunk) error {
	r.chunks = append(r.chunks, c)
	return nil
}

func (r *recorder) kinds() []models.ChunkKind {
	out := make([]models.ChunkKind, len(r.chunks))
	for i, c := range r.chunks {
		out[i] = c.ChunkType()
	}
	return out
}

func (r *recorder) streamErrors() []models.MessageStreamError {
	var out []models.MessageStreamError
	for _, c := range r.chunks {
		if e, ok := c.(models.MessageStreamError); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) last() models.Chunk {
	if len(r.chunks) == 0 {
		return nil
	}
	return r.chunks[len(r.chunks)-1]
}

// finalMessage is the assistant snapshot sent right before the end chunk.
func (r *recorder) finalMessage(t *testing.T) *models.Message {
	t.Helper()
	for i := len(r.chunks) - 1; i >= 0; i-- {
		if m, ok := r.chunks[i].(*models.Message); ok && m.Role == models.RoleAssistant {
			return m
		}
	}
	require.FailNow(t, "no assistant message in stream")
	return nil
}

var member = models.Agent{ID: "user-1"}
