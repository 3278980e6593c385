package ai

import (
	"context"
	"io"
	"strings"

	"olmoplayground/internal/models"
)

// MockEngine echoes the last user message word by word. It serves local runs
// and tests.
type MockEngine struct{}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (MockEngine) CreateStreamedMessage(ctx context.Context, req StreamRequest) (Stream, error) {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == models.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	events := []Event{}
	words := strings.Fields(prompt)
	limit := len(words)
	reason := models.FinishStop
	if req.Opts.MaxTokens != nil && *req.Opts.MaxTokens < limit {
		limit = *req.Opts.MaxTokens
		reason = models.FinishLength
	}
	for i := 0; i < limit; i++ {
		text := words[i]
		if i > 0 {
			text = " " + text
		}
		events = append(events, TextEvent(text))
	}
	events = append(events, DoneEvent(reason, len(words), limit))
	return &sliceStream{ctx: ctx, events: events}, nil
}

type sliceStream struct {
	ctx    context.Context
	events []Event
}

func (s *sliceStream) Recv() (Event, error) {
	if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	if len(s.events) == 0 {
		return Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *sliceStream) Close() error { return nil }
