package models

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

type Role string

const (
	RoleSystem         Role = "system"
	RoleUser           Role = "user"
	RoleAssistant      Role = "assistant"
	RoleToolCallResult Role = "tool_call_result"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleToolCallResult:
		return true
	}
	return false
}

type FinishReason string

const (
	FinishStop            FinishReason = "stop"
	FinishLength          FinishReason = "length"
	FinishAborted         FinishReason = "aborted"
	FinishUnclosedStream  FinishReason = "unclosed_stream"
	FinishModelOverloaded FinishReason = "model_overloaded"
	FinishBadConnection   FinishReason = "bad_connection"
	FinishValueError      FinishReason = "value_error"
	FinishUnknown         FinishReason = "unknown"
)

type ToolSource string

const (
	ToolSourceInternal    ToolSource = "internal"
	ToolSourceMCP         ToolSource = "mcp"
	ToolSourceUserDefined ToolSource = "user_defined"
)

// AnonymousMessageTTL is how long messages created by anonymous callers live.
const AnonymousMessageTTL = 24 * time.Hour

// TokenLogprob is one candidate token at a generated position.
type TokenLogprob struct {
	TokenID int     `json:"token_id"`
	Text    string  `json:"text"`
	Offset  int     `json:"offset"`
	Prob    float64 `json:"prob"`
}

type ToolCall struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	ToolSource ToolSource     `json:"tool_source"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	ToolSource  ToolSource     `json:"tool_source"`
	MCPServerID *string        `json:"mcp_server_id,omitempty"`
}

type Rating string

const (
	RatingFlag     Rating = "flag"
	RatingNegative Rating = "negative"
	RatingPositive Rating = "positive"
)

type Label struct {
	ID      string     `json:"id"`
	Message string     `json:"message"`
	Rating  Rating     `json:"rating"`
	Comment *string    `json:"comment,omitempty"`
	Creator string     `json:"creator"`
	Created time.Time  `json:"created"`
	Deleted *time.Time `json:"deleted,omitempty"`
}

// Message is one node of a conversation tree.
type Message struct {
	ID       string  `json:"id"`
	Root     string  `json:"root"`
	Parent   *string `json:"parent"`
	Original *string `json:"original,omitempty"`

	Content  string           `json:"content"`
	Thinking *string          `json:"thinking,omitempty"`
	FileURLs []string         `json:"file_urls"`
	Logprobs [][]TokenLogprob `json:"logprobs,omitempty"`
	Role     Role             `json:"role"`

	Creator        string     `json:"creator"`
	ModelID        string     `json:"model_id"`
	ModelHost      string     `json:"model_host"`
	Created        time.Time  `json:"created"`
	Deleted        *time.Time `json:"deleted,omitempty"`
	ExpirationTime *time.Time `json:"expiration_time,omitempty"`

	Final        bool          `json:"final"`
	Completion   *string       `json:"completion,omitempty"`
	FinishReason *FinishReason `json:"finish_reason,omitempty"`
	Harmful      *bool         `json:"harmful,omitempty"`
	Private      bool          `json:"private"`

	Opts            InferenceOpts    `json:"opts"`
	Labels          []Label          `json:"labels"`
	ToolCalls       []ToolCall       `json:"tool_calls,omitempty"`
	ToolDefinitions []ToolDefinition `json:"tool_definitions,omitempty"`
	Children        []*Message       `json:"children,omitempty"`
}

func (*Message) ChunkType() ChunkKind { return ChunkMessage }

// IsRoot reports whether the message starts its thread.
func (m *Message) IsRoot() bool {
	return m.Parent == nil
}

// NewID returns a prefixed, globally unique identifier such as "msg_3HRz...".
func NewID(prefix string) string {
	return prefix + "_" + shortuuid.New()
}

func NewMessageID() string { return NewID("msg") }

func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }
