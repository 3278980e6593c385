package models

import "encoding/json"

type ChunkKind string

const (
	ChunkStart              ChunkKind = "start"
	ChunkModelResponse      ChunkKind = "modelResponse"
	ChunkThinking           ChunkKind = "thinking"
	ChunkToolCall           ChunkKind = "toolCall"
	ChunkError              ChunkKind = "error"
	ChunkEnd                ChunkKind = "end"
	ChunkMessageStreamError ChunkKind = "messageStreamError"
	ChunkMessage            ChunkKind = "message"
)

// Chunk is one event written to a turn's response stream. Order is significant.
type Chunk interface {
	ChunkType() ChunkKind
}

type ErrorSeverity string

const (
	SeverityError   ErrorSeverity = "error"
	SeverityWarning ErrorSeverity = "warning"
	SeverityInfo    ErrorSeverity = "info"
)

const ErrorCodeToolCall = "tool_call_error"

type StreamStartChunk struct {
	Message string `json:"message"`
}

type ModelResponseChunk struct {
	Message  string           `json:"message"`
	Content  string           `json:"content"`
	Logprobs [][]TokenLogprob `json:"logprobs,omitempty"`
}

type ThinkingChunk struct {
	Message string `json:"message"`
	Content string `json:"content"`
}

type ToolCallChunk struct {
	Message    string         `json:"message"`
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	ToolSource ToolSource     `json:"tool_source"`
}

type ErrorChunk struct {
	Message          string        `json:"message"`
	ErrorCode        string        `json:"error_code"`
	ErrorDescription string        `json:"error_description"`
	ErrorSeverity    ErrorSeverity `json:"error_severity"`
}

type StreamEndChunk struct {
	Message string `json:"message"`
}

// MessageStreamError is a terminal in-band failure notice.
type MessageStreamError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
}

const (
	StreamErrorMaxSteps     = "max_steps_exceeded"
	StreamErrorFinalization = "finalization_failed"
)

func (StreamStartChunk) ChunkType() ChunkKind   { return ChunkStart }
func (ModelResponseChunk) ChunkType() ChunkKind { return ChunkModelResponse }
func (ThinkingChunk) ChunkType() ChunkKind      { return ChunkThinking }
func (ToolCallChunk) ChunkType() ChunkKind      { return ChunkToolCall }
func (ErrorChunk) ChunkType() ChunkKind         { return ChunkError }
func (StreamEndChunk) ChunkType() ChunkKind     { return ChunkEnd }
func (MessageStreamError) ChunkType() ChunkKind { return ChunkMessageStreamError }

func (c StreamStartChunk) MarshalJSON() ([]byte, error) {
	type plain StreamStartChunk
	return withType(c.ChunkType(), plain(c))
}

func (c ModelResponseChunk) MarshalJSON() ([]byte, error) {
	type plain ModelResponseChunk
	return withType(c.ChunkType(), plain(c))
}

func (c ThinkingChunk) MarshalJSON() ([]byte, error) {
	type plain ThinkingChunk
	return withType(c.ChunkType(), plain(c))
}

func (c ToolCallChunk) MarshalJSON() ([]byte, error) {
	type plain ToolCallChunk
	return withType(c.ChunkType(), plain(c))
}

func (c ErrorChunk) MarshalJSON() ([]byte, error) {
	type plain ErrorChunk
	return withType(c.ChunkType(), plain(c))
}

func (c StreamEndChunk) MarshalJSON() ([]byte, error) {
	type plain StreamEndChunk
	return withType(c.ChunkType(), plain(c))
}

func (c MessageStreamError) MarshalJSON() ([]byte, error) {
	type plain MessageStreamError
	return withType(c.ChunkType(), plain(c))
}

func withType(kind ChunkKind, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typ, _ := json.Marshal(kind)
	fields["type"] = typ
	return json.Marshal(fields)
}
