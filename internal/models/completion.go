package models

import "time"

type CompletionOutput struct {
	Text         string           `json:"text"`
	FinishReason FinishReason     `json:"finish_reason"`
	Logprobs     [][]TokenLogprob `json:"logprobs,omitempty"`
}

// Completion is the immutable audit record of one model invocation.
type Completion struct {
	ID           string             `json:"id"`
	Input        string             `json:"input"`
	Outputs      []CompletionOutput `json:"outputs"`
	Opts         InferenceOpts      `json:"opts"`
	Model        string             `json:"model"`
	SHA          string             `json:"sha"`
	Created      time.Time          `json:"created"`
	TokenizeMS   int                `json:"tokenize_ms"`
	GenerationMS int                `json:"generation_ms"`
	QueueMS      int                `json:"queue_ms"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
}

func NewCompletionID() string { return NewID("cpl") }
