package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
)

const agentMaxTokens = 3000

// AgentEngine drives tool-calling models through eino. Model.Backend names
// the provider entry (openai, gemini, claude) in the agents config.
type AgentEngine struct {
	log       *logger.Logger
	providers map[string]config.ProviderConfig
}

func NewAgentEngine(log *logger.Logger, providers map[string]config.ProviderConfig) *AgentEngine {
	return &AgentEngine{log: log.With("service", "ai.AgentEngine"), providers: providers}
}

func (e *AgentEngine) newChatModel(ctx context.Context, m models.ModelConfig) (model.ToolCallingChatModel, error) {
	provCfg, ok := e.providers[m.Backend]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", m.Backend)
	}
	modelType := m.ComputeSourceID
	if modelType == "" {
		modelType = provCfg.Model
	}

	switch m.Backend {
	case "openai":
		return openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelType,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		cfg := &gemini.Config{Client: client, Model: modelType}
		if m.CanThink {
			cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
		}
		return gemini.NewChatModel(ctx, cfg)
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		return claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelType,
			BaseURL:   baseURLPtr,
			MaxTokens: agentMaxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", m.Backend)
	}
}

func (e *AgentEngine) CreateStreamedMessage(ctx context.Context, req StreamRequest) (Stream, error) {
	chatModel, err := e.newChatModel(ctx, req.Model)
	if err != nil {
		return nil, &StreamError{FinishReason: models.FinishValueError, Err: err}
	}
	if len(req.Tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(req.Tools))
		for _, def := range req.Tools {
			infos = append(infos, ToolInfo(def))
		}
		chatModel, err = chatModel.WithTools(infos)
		if err != nil {
			return nil, &StreamError{FinishReason: models.FinishValueError, Err: fmt.Errorf("bind tools: %w", err)}
		}
	}

	streamReader, err := chatModel.Stream(ctx, convertMessages(req.Messages), agentOptions(req.Opts)...)
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	e.log.Debug("agent stream opened", "model", req.Model.ID, "provider", req.Model.Backend, "tools", len(req.Tools))
	return &agentStream{
		reader:       streamReader,
		calls:        map[int]*schema.ToolCall{},
		inputTokens:  -1,
		outputTokens: -1,
	}, nil
}

func agentOptions(opts models.InferenceOpts) []model.Option {
	var out []model.Option
	if opts.Temperature != nil {
		out = append(out, model.WithTemperature(float32(*opts.Temperature)))
	}
	if opts.MaxTokens != nil {
		out = append(out, model.WithMaxTokens(*opts.MaxTokens))
	}
	if opts.TopP != nil {
		out = append(out, model.WithTopP(float32(*opts.TopP)))
	}
	if len(opts.Stop) > 0 {
		out = append(out, model.WithStop(opts.Stop))
	}
	return out
}

func convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case models.RoleSystem:
			messages = append(messages, &schema.Message{Role: schema.System, Content: msg.Content})
		case models.RoleUser:
			content := msg.Content
			if len(msg.FileURLs) > 0 {
				content += "\n\nAttached files:\n- " + strings.Join(msg.FileURLs, "\n- ")
			}
			messages = append(messages, &schema.Message{Role: schema.User, Content: content})
		case models.RoleAssistant:
			am := &schema.Message{Role: schema.Assistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, schema.ToolCall{
					ID:       call.ToolCallID,
					Type:     "function",
					Function: schema.FunctionCall{Name: call.ToolName, Arguments: encodeArgs(call.Args)},
				})
			}
			messages = append(messages, am)
		case models.RoleToolCallResult:
			tm := &schema.Message{Role: schema.Tool, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				tm.ToolCallID = msg.ToolCalls[0].ToolCallID
			}
			messages = append(messages, tm)
		}
	}
	return messages
}

// ToolInfo converts a stored definition into the schema eino binds to models.
func ToolInfo(def models.ToolDefinition) *schema.ToolInfo {
	info := &schema.ToolInfo{Name: def.Name, Desc: def.Description}
	props, _ := def.Parameters["properties"].(map[string]any)
	if len(props) == 0 {
		return info
	}
	info.ParamsOneOf = schema.NewParamsOneOfByParams(paramInfos(props, requiredSet(def.Parameters)))
	return info
}

func requiredSet(obj map[string]any) map[string]bool {
	set := map[string]bool{}
	switch req := obj["required"].(type) {
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				set[s] = true
			}
		}
	case []string:
		for _, s := range req {
			set[s] = true
		}
	}
	return set
}

func paramInfos(props map[string]any, required map[string]bool) map[string]*schema.ParameterInfo {
	out := make(map[string]*schema.ParameterInfo, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		p := paramInfo(prop)
		p.Required = required[name]
		out[name] = p
	}
	return out
}

func paramInfo(prop map[string]any) *schema.ParameterInfo {
	p := &schema.ParameterInfo{Type: schema.String}
	if desc, ok := prop["description"].(string); ok {
		p.Desc = desc
	}
	if enum, ok := prop["enum"].([]any); ok {
		for _, v := range enum {
			p.Enum = append(p.Enum, fmt.Sprint(v))
		}
	}
	switch prop["type"] {
	case "integer":
		p.Type = schema.Integer
	case "number":
		p.Type = schema.Number
	case "boolean":
		p.Type = schema.Boolean
	case "array":
		p.Type = schema.Array
		if items, ok := prop["items"].(map[string]any); ok {
			p.ElemInfo = paramInfo(items)
		}
	case "object":
		p.Type = schema.Object
		if sub, ok := prop["properties"].(map[string]any); ok {
			p.SubParams = paramInfos(sub, requiredSet(prop))
		}
	}
	return p
}

type agentStream struct {
	reader       *schema.StreamReader[*schema.Message]
	queue        []Event
	finished     bool
	finish       string
	inputTokens  int
	outputTokens int
	calls        map[int]*schema.ToolCall
	order        []int
}

func (s *agentStream) Recv() (Event, error) {
	for len(s.queue) == 0 {
		if s.finished {
			return Event{}, io.EOF
		}
		chunk, err := s.reader.Recv()
		if errors.Is(err, io.EOF) {
			s.flush()
			continue
		}
		if err != nil {
			return Event{}, err
		}
		s.absorb(chunk)
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *agentStream) absorb(chunk *schema.Message) {
	if chunk == nil {
		return
	}
	if chunk.ReasoningContent != "" {
		s.queue = append(s.queue, ThinkingEvent(chunk.ReasoningContent))
	}
	if chunk.Content != "" {
		s.queue = append(s.queue, TextEvent(chunk.Content))
	}
	for i, part := range chunk.ToolCalls {
		idx := i
		if part.Index != nil {
			idx = *part.Index
		}
		acc, ok := s.calls[idx]
		if !ok {
			acc = &schema.ToolCall{}
			s.calls[idx] = acc
			s.order = append(s.order, idx)
		}
		if part.ID != "" {
			acc.ID = part.ID
		}
		if part.Function.Name != "" {
			acc.Function.Name = part.Function.Name
		}
		acc.Function.Arguments += part.Function.Arguments
	}
	if meta := chunk.ResponseMeta; meta != nil {
		if meta.FinishReason != "" {
			s.finish = meta.FinishReason
		}
		if meta.Usage != nil {
			s.inputTokens = meta.Usage.PromptTokens
			s.outputTokens = meta.Usage.CompletionTokens
		}
	}
}

func (s *agentStream) flush() {
	for _, idx := range s.order {
		call := s.calls[idx]
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
	s.queue = append(s.queue, DoneEvent(models.FinishReason(s.finish), s.inputTokens, s.outputTokens))
	s.finished = true
}

func (s *agentStream) Close() error {
	s.reader.Close()
	return nil
}
