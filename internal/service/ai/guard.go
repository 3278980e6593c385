package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"

	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

const DefaultFirstChunkTimeout = 30 * time.Second

// Guard applies the behaviour shared by every engine: the first-event
// timeout, error classification, finish-reason normalization and tool-name
// checks.
type Guard struct {
	log               *logger.Logger
	firstChunkTimeout time.Duration
}

func NewGuard(log *logger.Logger, firstChunkTimeout time.Duration) *Guard {
	if firstChunkTimeout <= 0 {
		firstChunkTimeout = DefaultFirstChunkTimeout
	}
	return &Guard{log: log.With("service", "ai.Guard"), firstChunkTimeout: firstChunkTimeout}
}

type firstResult struct {
	stream Stream
	event  Event
	err    error
}

// Open starts the stream and waits for its first event. Failures come back as
// *StreamError.
func (g *Guard) Open(ctx context.Context, engine Engine, req StreamRequest) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	results := make(chan firstResult, 1)
	go func() {
		stream, err := engine.CreateStreamedMessage(streamCtx, req)
		if err != nil {
			results <- firstResult{err: err}
			return
		}
		ev, err := stream.Recv()
		results <- firstResult{stream: stream, event: ev, err: err}
	}()

	timer := time.NewTimer(g.firstChunkTimeout)
	defer timer.Stop()

	select {
	case res := <-results:
		if res.stream == nil {
			cancel()
			return nil, ClassifyError(ctx, res.err)
		}
		gs := &guardedStream{
			guard:  g,
			ctx:    ctx,
			inner:  res.stream,
			cancel: cancel,
			tools:  toolsByName(req.Tools),
			model:  req.Model.ID,
		}
		gs.pending = &res
		return gs, nil
	case <-timer.C:
		cancel()
		go drainFirst(results)
		g.log.Warn("first chunk timeout", "model", req.Model.ID, "timeout", g.firstChunkTimeout.String())
		return nil, &StreamError{FinishReason: models.FinishModelOverloaded, Err: ErrFirstChunkTimeout}
	case <-ctx.Done():
		cancel()
		go drainFirst(results)
		return nil, ClassifyError(ctx, ctx.Err())
	}
}

func drainFirst(results <-chan firstResult) {
	if res := <-results; res.stream != nil {
		_ = res.stream.Close()
	}
}

func toolsByName(defs []models.ToolDefinition) map[string]models.ToolDefinition {
	byName := make(map[string]models.ToolDefinition, len(defs))
	for _, def := range defs {
		byName[def.Name] = def
	}
	return byName
}

type guardedStream struct {
	guard   *Guard
	ctx     context.Context
	inner   Stream
	cancel  context.CancelFunc
	tools   map[string]models.ToolDefinition
	model   string
	pending *firstResult
	sawDone bool
	closed  bool
}

func (s *guardedStream) Recv() (Event, error) {
	var (
		ev  Event
		err error
	)
	if s.pending != nil {
		ev, err = s.pending.event, s.pending.err
		s.pending = nil
	} else {
		ev, err = s.inner.Recv()
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			if !s.sawDone {
				s.sawDone = true
				return DoneEvent(models.FinishUnclosedStream, -1, -1), nil
			}
			return Event{}, io.EOF
		}
		return Event{}, ClassifyError(s.ctx, err)
	}
	return s.review(ev), nil
}

func (s *guardedStream) review(ev Event) Event {
	switch ev.Kind {
	case EventDone:
		s.sawDone = true
		if ev.Done == nil {
			ev.Done = &Done{FinishReason: models.FinishStop, InputTokens: -1, OutputTokens: -1}
		}
		ev.Done.FinishReason = NormalizeFinishReason(string(ev.Done.FinishReason))
	case EventToolCall:
		if ev.ToolCall == nil {
			break
		}
		def, ok := s.tools[ev.ToolCall.ToolName]
		if !ok {
			s.guard.log.Warn("model called unknown tool", "model", s.model, "tool", ev.ToolCall.ToolName)
			return Event{Kind: EventError, Error: &models.ErrorChunk{
				ErrorCode:        models.ErrorCodeToolCall,
				ErrorDescription: fmt.Sprintf("Tool %q is not available for this message", ev.ToolCall.ToolName),
				ErrorSeverity:    models.SeverityError,
			}}
		}
		// Engines only know the name; the source comes from the offered tool.
		call := *ev.ToolCall
		call.ToolSource = def.ToolSource
		ev.ToolCall = &call
	}
	return ev
}

func (s *guardedStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return s.inner.Close()
}

// NormalizeFinishReason maps backend-native finish reasons onto the shared enum.
func NormalizeFinishReason(raw string) models.FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "stop", "eos", "end_turn", "stop_sequence", "tool_calls", "tool_use", "function_call":
		return models.FinishStop
	case "length", "max_tokens", "max_length", "model_length":
		return models.FinishLength
	case "aborted", "cancelled", "canceled":
		return models.FinishAborted
	case "unclosed_stream":
		return models.FinishUnclosedStream
	case "model_overloaded", "overloaded":
		return models.FinishModelOverloaded
	case "bad_connection":
		return models.FinishBadConnection
	case "value_error", "content_filter", "safety":
		return models.FinishValueError
	default:
		return models.FinishUnknown
	}
}

// ClassifyError turns a backend failure into a terminal StreamError.
func ClassifyError(ctx context.Context, err error) *StreamError {
	var se *StreamError
	if errors.As(err, &se) {
		return se
	}
	reason := models.FinishUnknown
	switch {
	case errors.Is(err, context.Canceled) || (ctx != nil && ctx.Err() != nil):
		reason = models.FinishAborted
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrFirstChunkTimeout):
		reason = models.FinishModelOverloaded
	case errors.Is(err, ErrQueueNotFound),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		reason = models.FinishBadConnection
	default:
		if status := httpStatus(err); status != 0 {
			reason = classifyStatus(status)
			break
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				reason = models.FinishModelOverloaded
			} else {
				reason = models.FinishBadConnection
			}
		}
	}
	return &StreamError{FinishReason: reason, Err: err}
}

func httpStatus(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}

func classifyStatus(status int) models.FinishReason {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable, status == 529:
		return models.FinishModelOverloaded
	case status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return models.FinishBadConnection
	case status >= 400 && status < 500:
		return models.FinishValueError
	default:
		return models.FinishUnknown
	}
}
