package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
)

const queueReadBlock = 5 * time.Second

// Protocol message types written by queue workers to a job's result stream.
const (
	QueueMsgToken    = "token"
	QueueMsgThinking = "thinking"
	QueueMsgToolCall = "tool_call"
	QueueMsgDone     = "done"
	QueueMsgError    = "error"
)

// QueueJob is the payload published to <prefix>:jobs.
type QueueJob struct {
	ID       string                  `json:"id"`
	Model    string                  `json:"model"`
	Messages []QueueMessage          `json:"messages"`
	Opts     models.InferenceOpts    `json:"opts"`
	Tools    []models.ToolDefinition `json:"tools,omitempty"`
}

type QueueMessage struct {
	Role      models.Role       `json:"role"`
	Content   string            `json:"content"`
	FileURLs  []string          `json:"file_urls,omitempty"`
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// QueueEngine dispatches jobs to GPU workers over Redis streams and reads the
// typed protocol messages they publish back.
type QueueEngine struct {
	log    *logger.Logger
	redis  *redis.Client
	prefix string
}

func NewQueueEngine(log *logger.Logger, client *redis.Client, prefix string) *QueueEngine {
	if prefix == "" {
		prefix = "inference"
	}
	return &QueueEngine{log: log.With("service", "ai.QueueEngine"), redis: client, prefix: prefix}
}

func (e *QueueEngine) JobsStream() string { return e.prefix + ":jobs" }

func (e *QueueEngine) ResultsStream(jobID string) string {
	return fmt.Sprintf("%s:results:%s", e.prefix, jobID)
}

func (e *QueueEngine) CreateStreamedMessage(ctx context.Context, req StreamRequest) (Stream, error) {
	ok, err := e.redis.HasConsumerGroup(ctx, e.JobsStream())
	if err != nil {
		return nil, fmt.Errorf("inspect jobs stream: %w", err)
	}
	if !ok {
		return nil, &StreamError{FinishReason: models.FinishBadConnection, Err: ErrQueueNotFound}
	}

	job := QueueJob{
		ID:    models.NewID("job"),
		Model: req.Model.ComputeSourceID,
		Opts:  req.Opts,
		Tools: req.Tools,
	}
	if job.Model == "" {
		job.Model = req.Model.ID
	}
	for _, msg := range req.Messages {
		job.Messages = append(job.Messages, QueueMessage{
			Role:      msg.Role,
			Content:   msg.Content,
			FileURLs:  msg.FileURLs,
			ToolCalls: msg.ToolCalls,
		})
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if _, err := e.redis.XAdd(ctx, e.JobsStream(), map[string]interface{}{
		"job_id":  job.ID,
		"payload": string(payload),
	}); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	e.log.Debug("inference job enqueued", "job", job.ID, "model", job.Model)

	return &queueStream{
		ctx:     ctx,
		redis:   e.redis,
		results: e.ResultsStream(job.ID),
		lastID:  "0",
	}, nil
}

type queueStream struct {
	ctx      context.Context
	redis    *redis.Client
	results  string
	lastID   string
	buffered []Event
	finished bool
}

func (s *queueStream) Recv() (Event, error) {
	for len(s.buffered) == 0 {
		if s.finished {
			return Event{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return Event{}, err
		}
		msgs, err := s.redis.XRead(s.ctx, s.results, s.lastID, queueReadBlock)
		if err != nil {
			return Event{}, fmt.Errorf("read results: %w", err)
		}
		for _, msg := range msgs {
			s.lastID = msg.ID
			ev, err := decodeQueueMessage(msg.Values)
			if err != nil {
				return Event{}, err
			}
			s.buffered = append(s.buffered, ev)
			if ev.Kind == EventDone {
				s.finished = true
				break
			}
		}
	}
	ev := s.buffered[0]
	s.buffered = s.buffered[1:]
	return ev, nil
}

func decodeQueueMessage(values map[string]interface{}) (Event, error) {
	field := func(name string) string {
		v, _ := values[name].(string)
		return v
	}
	switch field("type") {
	case QueueMsgToken:
		ev := TextEvent(field("content"))
		if raw := field("logprobs"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &ev.Logprobs)
		}
		return ev, nil
	case QueueMsgThinking:
		return ThinkingEvent(field("content")), nil
	case QueueMsgToolCall:
		var call models.ToolCall
		if err := json.Unmarshal([]byte(field("content")), &call); err != nil {
			return Event{}, fmt.Errorf("decode tool call: %w", err)
		}
		return ToolCallEvent(call), nil
	case QueueMsgDone:
		ev := DoneEvent(models.FinishReason(field("finish_reason")), atoiOr(field("input_tokens"), -1), atoiOr(field("output_tokens"), -1))
		ev.Done.SHA = field("sha")
		return ev, nil
	case QueueMsgError:
		return Event{}, queueError(field("reason"), field("content"))
	default:
		return Event{}, fmt.Errorf("unknown queue message type %q", field("type"))
	}
}

func queueError(reason, message string) error {
	fr := NormalizeFinishReason(reason)
	if reason == "" {
		fr = models.FinishUnknown
	}
	return &StreamError{FinishReason: fr, Err: fmt.Errorf("queue worker: %s", message)}
}

func atoiOr(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// Close removes the results stream.
func (s *queueStream) Close() error {
	if err := s.redis.Del(context.WithoutCancel(s.ctx), s.results); err != nil {
		return fmt.Errorf("delete results stream: %w", err)
	}
	return nil
}
