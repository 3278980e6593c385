package ai

import (
	"context"
	"errors"
	"fmt"

	"olmoplayground/internal/models"
)

// Engine is one inference backend. CreateStreamedMessage returns a finite,
// non-restartable stream; Recv reports io.EOF after the Done event.
type Engine interface {
	CreateStreamedMessage(ctx context.Context, req StreamRequest) (Stream, error)
}

type Stream interface {
	Recv() (Event, error)
	Close() error
}

type StreamRequest struct {
	Model    models.ModelConfig
	Messages []*models.Message
	Opts     models.InferenceOpts
	Tools    []models.ToolDefinition
}

type EventKind int

const (
	EventText EventKind = iota
	EventThinking
	EventToolCall
	EventError
	EventDone
)

// Event carries exactly one payload selected by Kind.
type Event struct {
	Kind     EventKind
	Text     string
	Logprobs [][]models.TokenLogprob
	ToolCall *models.ToolCall
	Error    *models.ErrorChunk
	Done     *Done
}

type Done struct {
	FinishReason models.FinishReason
	InputTokens  int
	OutputTokens int
	SHA          string
}

func TextEvent(text string) Event { return Event{Kind: EventText, Text: text} }

func ThinkingEvent(text string) Event { return Event{Kind: EventThinking, Text: text} }

func ToolCallEvent(call models.ToolCall) Event { return Event{Kind: EventToolCall, ToolCall: &call} }

func DoneEvent(reason models.FinishReason, in, out int) Event {
	return Event{Kind: EventDone, Done: &Done{FinishReason: reason, InputTokens: in, OutputTokens: out}}
}

var (
	ErrFirstChunkTimeout = errors.New("no response from model before timeout")
	ErrQueueNotFound     = errors.New("inference queue not found")
	ErrUnknownHost       = errors.New("unknown model host")
)

// StreamError is a terminal backend failure already classified into a finish
// reason.
type StreamError struct {
	FinishReason models.FinishReason
	Err          error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.FinishReason, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Registry maps every host kind to its engine.
type Registry struct {
	engines map[models.Host]Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[models.Host]Engine)}
}

func (r *Registry) Register(host models.Host, engine Engine) {
	r.engines[host] = engine
}

func (r *Registry) Engine(host models.Host) (Engine, error) {
	engine, ok := r.engines[host]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return engine, nil
}
