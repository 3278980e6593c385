package thread

import (
	"context"
	"fmt"
	"strings"

	"olmoplayground/internal/models"
	"olmoplayground/internal/storage"
)

// finalize writes the completion record, then marks the prompt messages and
// the assistant reply final, in that order. It runs detached from the request
// context so a disconnected client still leaves a finalized turn.
func (o *Orchestrator) finalize(ctx context.Context, run *turnRun) (*models.Message, error) {
	ctx = context.WithoutCancel(ctx)
	if run.finish == "" {
		run.finish = models.FinishUnknown
	}

	var completionID *string
	if !run.turn.Agent.Anonymous && !run.failed && run.finish != models.FinishAborted {
		c := o.buildCompletion(run)
		if err := o.store.CreateCompletion(ctx, c); err != nil {
			o.log.Error("store completion failed", "message_id", run.assistant.ID, "error", err)
		} else {
			completionID = &c.ID
		}
	}

	if sys := run.turn.System; sys != nil {
		if _, err := o.store.Finalize(ctx, sys.ID, storage.FinalizeMessage{}); err != nil {
			return nil, fmt.Errorf("finalize system message %s: %w", sys.ID, err)
		}
	}
	if _, err := o.store.Finalize(ctx, run.turn.User.ID, storage.FinalizeMessage{}); err != nil {
		return nil, fmt.Errorf("finalize user message %s: %w", run.turn.User.ID, err)
	}

	content := run.text.String()
	finish := run.finish
	in := storage.FinalizeMessage{
		Content:      &content,
		Logprobs:     run.logprobs,
		Completion:   completionID,
		FinishReason: &finish,
		ToolCalls:    run.calls,
	}
	if run.thinking.Len() > 0 {
		thinking := run.thinking.String()
		in.Thinking = &thinking
	}
	final, err := o.store.Finalize(ctx, run.assistant.ID, in)
	if err != nil {
		return nil, fmt.Errorf("finalize assistant message %s: %w", run.assistant.ID, err)
	}
	return final, nil
}

func (o *Orchestrator) buildCompletion(run *turnRun) *models.Completion {
	model := run.turn.Model.ComputeSourceID
	if model == "" {
		model = run.turn.Model.ID
	}
	elapsed := o.now().Sub(run.start)
	return &models.Completion{
		ID:           models.NewCompletionID(),
		Input:        promptText(run.turn.Chain),
		Outputs:      run.passes,
		Opts:         run.turn.Opts,
		Model:        model,
		SHA:          run.sha,
		Created:      o.now().UTC(),
		GenerationMS: int(elapsed.Milliseconds()),
		InputTokens:  run.inTokens,
		OutputTokens: run.outTokens,
	}
}

// promptText reconstructs the prompt sent for the first pass.
func promptText(chain []*models.Message) string {
	var b strings.Builder
	for i, m := range chain {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "<|%s|>\n%s", m.Role, m.Content)
	}
	return b.String()
}
