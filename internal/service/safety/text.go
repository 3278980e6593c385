package safety

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
)

const judgeInstruction = `You are a classifier for analyzing interactions between humans and LLMs. Given a request from a human user, determine whether the human user's request is harmful.

Human user:
%s

---

Answers:
Harmful request: `

// chatCompleter is the go-openai surface the judge needs.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// JudgeChecker asks a safety-tuned model whether a prompt is harmful.
type JudgeChecker struct {
	log    *logger.Logger
	client chatCompleter
	model  string
}

func NewJudgeChecker(log *logger.Logger, cfg config.ProviderConfig) *JudgeChecker {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &JudgeChecker{
		log:    log.With("service", "safety.JudgeChecker"),
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}
}

func (j *JudgeChecker) CheckText(ctx context.Context, content string) (Verdict, error) {
	resp, err := j.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: j.model,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: fmt.Sprintf(judgeInstruction, content),
		}},
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Verdict{}, fmt.Errorf("judge returned no choices")
	}
	return parseJudgeAnswer(resp.Choices[0].Message.Content)
}

// parseJudgeAnswer reads "yes"/"no" from the judge output, which may or may
// not repeat the "Harmful request:" prefix.
func parseJudgeAnswer(answer string) (Verdict, error) {
	a := strings.ToLower(strings.TrimSpace(answer))
	if i := strings.Index(a, "harmful request:"); i >= 0 {
		a = strings.TrimSpace(a[i+len("harmful request:"):])
	}
	switch {
	case strings.HasPrefix(a, "yes"):
		return Unsafe("harmful_request"), nil
	case strings.HasPrefix(a, "no"):
		return Safe(), nil
	default:
		return Verdict{}, fmt.Errorf("unparseable judge answer %q", answer)
	}
}

type moderator interface {
	Moderations(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error)
}

// ModerationChecker uses the OpenAI moderation endpoint.
type ModerationChecker struct {
	client moderator
}

func NewModerationChecker(apiKey string) *ModerationChecker {
	return &ModerationChecker{client: openai.NewClient(apiKey)}
}

func (m *ModerationChecker) CheckText(ctx context.Context, content string) (Verdict, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: content})
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: %w", err)
	}
	var violations []string
	for _, result := range resp.Results {
		if !result.Flagged {
			continue
		}
		violations = append(violations, flaggedCategories(result.Categories)...)
		if len(violations) == 0 {
			violations = append(violations, "flagged")
		}
	}
	if len(violations) > 0 {
		return Unsafe(violations...), nil
	}
	return Safe(), nil
}

func flaggedCategories(c openai.ResultCategories) []string {
	var out []string
	add := func(flag bool, name string) {
		if flag {
			out = append(out, name)
		}
	}
	add(c.Hate, "hate")
	add(c.HateThreatening, "hate/threatening")
	add(c.Harassment, "harassment")
	add(c.HarassmentThreatening, "harassment/threatening")
	add(c.SelfHarm, "self-harm")
	add(c.Sexual, "sexual")
	add(c.SexualMinors, "sexual/minors")
	add(c.Violence, "violence")
	add(c.ViolenceGraphic, "violence/graphic")
	return out
}

// NewTextChecker selects the configured text checker ("judge" or "moderation").
func NewTextChecker(log *logger.Logger, cfg config.SafetyConfig) (TextChecker, error) {
	switch cfg.TextChecker {
	case "", "judge":
		return NewJudgeChecker(log, cfg.Judge), nil
	case "moderation":
		return NewModerationChecker(cfg.ModerationKey), nil
	default:
		return nil, fmt.Errorf("unknown text checker %q", cfg.TextChecker)
	}
}
