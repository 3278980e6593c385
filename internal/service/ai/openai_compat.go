package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/sashabaranov/go-openai"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

// OpenAICompatEngine streams chat completions from any OpenAI-compatible
// endpoint (TogetherAI, Cirrascale, Modal).
type OpenAICompatEngine struct {
	log       *logger.Logger
	providers map[string]config.ProviderConfig
}

func NewOpenAICompatEngine(log *logger.Logger, providers map[string]config.ProviderConfig) *OpenAICompatEngine {
	return &OpenAICompatEngine{log: log.With("service", "ai.OpenAICompatEngine"), providers: providers}
}

func (e *OpenAICompatEngine) CreateStreamedMessage(ctx context.Context, req StreamRequest) (Stream, error) {
	provider, ok := e.providers[req.Model.Backend]
	if !ok {
		return nil, &StreamError{FinishReason: models.FinishValueError, Err: fmt.Errorf("backend %q not configured", req.Model.Backend)}
	}
	cfg := openai.DefaultConfig(provider.APIKey)
	if provider.BaseURL != "" {
		cfg.BaseURL = provider.BaseURL
	}
	client := openai.NewClientWithConfig(cfg)

	chatReq := buildChatRequest(req)
	stream, err := client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("create chat stream: %w", err)
	}
	e.log.Debug("chat stream opened", "model", req.Model.ID, "backend", req.Model.Backend, "messages", len(chatReq.Messages))
	return &openAIStream{stream: stream, toolCalls: map[int]*openai.ToolCall{}, inputTokens: -1, outputTokens: -1}, nil
}

func buildChatRequest(req StreamRequest) openai.ChatCompletionRequest {
	model := req.Model.ComputeSourceID
	if model == "" {
		model = req.Model.ID
	}
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.Messages, req.Model.PromptType != models.PromptTextOnly),
		Stream:        true,
		Stop:          req.Opts.Stop,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Opts.MaxTokens != nil {
		chatReq.MaxTokens = *req.Opts.MaxTokens
	}
	if req.Opts.Temperature != nil {
		chatReq.Temperature = float32(*req.Opts.Temperature)
	}
	if req.Opts.TopP != nil {
		chatReq.TopP = float32(*req.Opts.TopP)
	}
	if req.Opts.N != nil {
		chatReq.N = *req.Opts.N
	}
	if req.Opts.Logprobs != nil && *req.Opts.Logprobs > 0 {
		chatReq.LogProbs = true
		chatReq.TopLogProbs = *req.Opts.Logprobs
	}
	for _, def := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  parametersOrEmpty(def.Parameters),
			},
		})
	}
	return chatReq
}

func parametersOrEmpty(params map[string]any) map[string]any {
	if len(params) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return params
}

func toOpenAIMessages(msgs []*models.Message, withFiles bool) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleUser:
			if withFiles && len(msg.FileURLs) > 0 {
				parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: msg.Content}}
				for _, u := range msg.FileURLs {
					parts = append(parts, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: u},
					})
				}
				out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
				continue
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case models.RoleAssistant:
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:       call.ToolCallID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.ToolName, Arguments: encodeArgs(call.Args)},
				})
			}
			out = append(out, am)
		case models.RoleToolCallResult:
			tm := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleTool, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				tm.ToolCallID = msg.ToolCalls[0].ToolCallID
				tm.Name = msg.ToolCalls[0].ToolName
			}
			out = append(out, tm)
		}
	}
	return out
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeArgs(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

type openAIStream struct {
	stream       *openai.ChatCompletionStream
	queue        []Event
	finished     bool
	finish       string
	sha          string
	inputTokens  int
	outputTokens int
	offset       int
	toolCalls    map[int]*openai.ToolCall
	toolOrder    []int
}

func (s *openAIStream) Recv() (Event, error) {
	for len(s.queue) == 0 {
		if s.finished {
			return Event{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.flush()
			continue
		}
		if err != nil {
			return Event{}, err
		}
		s.absorb(resp)
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *openAIStream) absorb(resp openai.ChatCompletionStreamResponse) {
	if resp.SystemFingerprint != "" {
		s.sha = resp.SystemFingerprint
	}
	if resp.Usage != nil {
		s.inputTokens = resp.Usage.PromptTokens
		s.outputTokens = resp.Usage.CompletionTokens
	}
	for _, choice := range resp.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.ReasoningContent != "" {
			s.queue = append(s.queue, ThinkingEvent(choice.Delta.ReasoningContent))
		}
		if choice.Delta.Content != "" {
			ev := TextEvent(choice.Delta.Content)
			if choice.Logprobs != nil {
				ev.Logprobs = s.convertLogprobs(choice.Logprobs.Content)
			}
			s.queue = append(s.queue, ev)
		}
		for _, part := range choice.Delta.ToolCalls {
			s.mergeToolCall(part)
		}
		if choice.FinishReason != "" {
			s.finish = string(choice.FinishReason)
		}
	}
}

// mergeToolCall accumulates streamed tool-call fragments keyed by index.
func (s *openAIStream) mergeToolCall(part openai.ToolCall) {
	idx := 0
	if part.Index != nil {
		idx = *part.Index
	}
	acc, ok := s.toolCalls[idx]
	if !ok {
		acc = &openai.ToolCall{}
		s.toolCalls[idx] = acc
		s.toolOrder = append(s.toolOrder, idx)
	}
	if part.ID != "" {
		acc.ID = part.ID
	}
	if part.Function.Name != "" {
		acc.Function.Name = part.Function.Name
	}
	acc.Function.Arguments += part.Function.Arguments
}

func (s *openAIStream) flush() {
	for _, idx := range s.toolOrder {
		call := s.toolCalls[idx]
		id := call.ID
		if id == "" {
			id = models.NewID("call")
		}
		s.queue = append(s.queue, ToolCallEvent(models.ToolCall{
			ToolCallID: id,
			ToolName:   call.Function.Name,
			Args:       decodeArgs(call.Function.Arguments),
		}))
	}
	done := DoneEvent(models.FinishReason(s.finish), s.inputTokens, s.outputTokens)
	done.Done.SHA = s.sha
	s.queue = append(s.queue, done)
	s.finished = true
}

func (s *openAIStream) convertLogprobs(tokens []openai.ChatCompletionTokenLogprob) [][]models.TokenLogprob {
	out := make([][]models.TokenLogprob, 0, len(tokens))
	for _, tok := range tokens {
		position := []models.TokenLogprob{{Text: tok.Token, Offset: s.offset, Prob: math.Exp(tok.Logprob)}}
		for _, alt := range tok.TopLogprobs {
			if alt.Token == tok.Token {
				continue
			}
			position = append(position, models.TokenLogprob{Text: alt.Token, Offset: s.offset, Prob: math.Exp(alt.Logprob)})
		}
		s.offset += len(tok.Token)
		out = append(out, position)
	}
	return out
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
