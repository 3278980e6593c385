package thread

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/ai"
	"olmoplayground/internal/storage"
	"olmoplayground/internal/tracing"
)

// ErrFinalization means a turn's messages could not be marked final. The
// stream has already carried a MessageStreamError when it is returned.
var ErrFinalization = errors.New("turn finalization failed")

// EmitFunc receives the chunks of one turn in order. A non-nil error means
// the client is gone.
type EmitFunc func(models.Chunk) error

// Engines resolves the engine serving a host kind.
type Engines interface {
	Engine(host models.Host) (ai.Engine, error)
}

// VideoSubmitter hands an uploaded video to the asynchronous safety check.
type VideoSubmitter interface {
	Submit(ctx context.Context, messageID, gcsURI string, publicURLs []string) error
}

// Orchestrator drives a persisted turn from generation to finalization.
type Orchestrator struct {
	log     *logger.Logger
	store   Store
	engines Engines
	guard   *ai.Guard
	tools   Tools
	files   filestore.Store
	video   VideoSubmitter
	buckets config.StorageConfig
	now     func() time.Time
}

func NewOrchestrator(log *logger.Logger, store Store, engines Engines, guard *ai.Guard, tools Tools, files filestore.Store, video VideoSubmitter, buckets config.StorageConfig) *Orchestrator {
	return &Orchestrator{
		log:     log.With("service", "thread.Orchestrator"),
		store:   store,
		engines: engines,
		guard:   guard,
		tools:   tools,
		files:   files,
		video:   video,
		buckets: buckets,
		now:     time.Now,
	}
}

// turnRun is the in-memory state of one streaming turn.
type turnRun struct {
	turn      *AssembledTurn
	assistant *models.Message
	emit      EmitFunc
	cancel    context.CancelFunc
	gone      bool

	start      time.Time
	firstToken time.Time

	text     strings.Builder
	thinking strings.Builder
	logprobs [][]models.TokenLogprob
	calls    []models.ToolCall
	results  []*models.Message
	passes   []models.CompletionOutput
	fileURLs []string

	finish    models.FinishReason
	sha       string
	inTokens  int
	outTokens int
	failed    bool
}

func (r *turnRun) send(c models.Chunk) {
	if r.gone {
		return
	}
	if err := r.emit(c); err != nil {
		r.gone = true
		r.cancel()
	}
}

func (r *turnRun) streamError(reason, description string) {
	r.send(models.MessageStreamError{Message: r.assistant.ID, Error: description, Reason: reason})
}

func (r *turnRun) addTokens(in, out int) {
	if in >= 0 {
		if r.inTokens < 0 {
			r.inTokens = 0
		}
		r.inTokens += in
	}
	if out >= 0 {
		if r.outTokens < 0 {
			r.outTokens = 0
		}
		r.outTokens += out
	}
}

// Stream runs generation for a persisted user turn. An error returned before
// anything was emitted means the stream never started.
func (o *Orchestrator) Stream(ctx context.Context, turn *AssembledTurn, emit EmitFunc) error {
	ctx, span := tracing.Start(ctx, "thread.Stream",
		attribute.String("model", turn.Model.ID),
		attribute.String("root", turn.RootID()),
	)
	defer span.End()

	assistant, err := o.store.Create(ctx, storage.CreateMessage{
		Role:            models.RoleAssistant,
		Creator:         turn.Agent.ID,
		Parent:          &turn.User.ID,
		Root:            turn.User.Root,
		ModelID:         turn.Model.ID,
		ModelHost:       string(turn.Model.Host),
		Opts:            turn.Opts,
		Private:         turn.Private,
		Anonymous:       turn.Agent.Anonymous,
		ToolDefinitions: turn.ToolDefinitions,
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("create assistant message: %w", err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	run := &turnRun{
		turn:      turn,
		assistant: assistant,
		emit:      emit,
		cancel:    cancel,
		start:     o.now(),
		inTokens:  -1,
		outTokens: -1,
	}
	log := o.log.With("message_id", assistant.ID, "model", turn.Model.ID)

	run.send(models.StreamStartChunk{Message: assistant.ID})

	chain := append([]*models.Message{}, turn.Chain...)
	if err := o.uploadFiles(genCtx, run); err != nil {
		log.Error("file upload failed", "error", err)
		run.failed = true
		run.finish = models.FinishValueError
		run.streamError(string(models.FinishValueError), "Failed to upload files")
	} else {
		if len(run.fileURLs) > 0 {
			chain = withFileURLs(chain, turn.User.ID, run.fileURLs)
		}
		o.generate(genCtx, run, chain, log)
	}

	if run.gone || (ctx.Err() != nil && !run.failed) {
		run.finish = models.FinishAborted
	}

	final, err := o.finalize(ctx, run)
	if err != nil {
		log.Error("turn finalization failed", "error", err)
		metrics.FinalizationFailures.Inc()
		metrics.TurnsTotal.WithLabelValues(turn.Model.ID, "finalization_failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalization failed")
		run.streamError(models.StreamErrorFinalization, "Failed to save the response")
		return fmt.Errorf("%w: %w", ErrFinalization, err)
	}

	final.Children = run.results
	run.send(final)
	run.send(models.StreamEndChunk{Message: assistant.ID})

	duration := o.now().Sub(run.start)
	outcome := "completed"
	switch {
	case run.finish == models.FinishAborted:
		outcome = "aborted"
	case run.failed:
		outcome = "errored"
	}
	metrics.TurnsTotal.WithLabelValues(turn.Model.ID, outcome).Inc()
	metrics.TurnDuration.WithLabelValues(turn.Model.ID, string(run.finish)).Observe(duration.Seconds())
	fields := []interface{}{"finish_reason", run.finish, "duration_ms", duration.Milliseconds(), "tool_results", len(run.results)}
	if !run.firstToken.IsZero() {
		fields = append(fields, "ttft_ms", run.firstToken.Sub(run.start).Milliseconds())
	}
	log.Info("turn finished", fields...)
	span.SetAttributes(attribute.String("finish_reason", string(run.finish)))
	return nil
}

// generate runs generation passes until the model stops calling tools, a pass
// fails, or the step limit is hit.
func (o *Orchestrator) generate(ctx context.Context, run *turnRun, chain []*models.Message, log *logger.Logger) {
	steps := 0
	for {
		calls, ok := o.pass(ctx, run, chain)
		if !ok || len(calls) == 0 || len(run.turn.ToolDefinitions) == 0 {
			return
		}

		chain = append(chain, &models.Message{
			ID:        run.assistant.ID,
			Role:      models.RoleAssistant,
			Content:   run.passes[len(run.passes)-1].Text,
			ToolCalls: calls,
		})
		for _, call := range calls {
			if steps >= run.turn.MaxSteps {
				log.Warn("tool call step limit reached", "max_steps", run.turn.MaxSteps)
				run.streamError(models.StreamErrorMaxSteps,
					fmt.Sprintf("The model exceeded the maximum of %d tool call steps", run.turn.MaxSteps))
				return
			}
			steps++
			result, err := o.invokeTool(ctx, run, call)
			if err != nil {
				log.Error("store tool result failed", "tool", call.ToolName, "error", err)
				run.failed = true
				run.finish = models.FinishUnknown
				run.streamError(string(models.FinishUnknown), "Failed to save the tool call result")
				return
			}
			run.calls = append(run.calls, call)
			run.results = append(run.results, result)
			run.send(result)
			chain = append(chain, result)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// pass runs one engine invocation and relays its events. It returns the tool
// calls the model completed and whether the pass ended cleanly.
func (o *Orchestrator) pass(ctx context.Context, run *turnRun, chain []*models.Message) ([]models.ToolCall, bool) {
	ctx, span := tracing.Start(ctx, "thread.pass", attribute.Int("pass", len(run.passes)))
	defer span.End()

	out := models.CompletionOutput{FinishReason: models.FinishUnknown}
	var (
		text  strings.Builder
		calls []models.ToolCall
	)
	record := func() {
		out.Text = text.String()
		run.passes = append(run.passes, out)
		run.finish = out.FinishReason
	}

	engine, err := o.engines.Engine(run.turn.Model.Host)
	if err != nil {
		o.fail(run, &ai.StreamError{FinishReason: models.FinishUnknown, Err: err}, &out)
		record()
		return nil, false
	}
	stream, err := o.guard.Open(ctx, engine, ai.StreamRequest{
		Model:    run.turn.Model,
		Messages: chain,
		Opts:     run.turn.Opts,
		Tools:    run.turn.ToolDefinitions,
	})
	if err != nil {
		o.fail(run, asStreamError(ctx, err), &out)
		span.RecordError(err)
		record()
		return nil, false
	}
	defer stream.Close()

	id := run.assistant.ID
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.fail(run, asStreamError(ctx, err), &out)
			span.RecordError(err)
			record()
			return nil, false
		}
		switch ev.Kind {
		case ai.EventText:
			if run.firstToken.IsZero() {
				run.firstToken = o.now()
				metrics.TimeToFirstToken.WithLabelValues(run.turn.Model.ID).Observe(run.firstToken.Sub(run.start).Seconds())
			}
			text.WriteString(ev.Text)
			run.text.WriteString(ev.Text)
			if len(ev.Logprobs) > 0 {
				out.Logprobs = append(out.Logprobs, ev.Logprobs...)
				run.logprobs = append(run.logprobs, ev.Logprobs...)
			}
			run.send(models.ModelResponseChunk{Message: id, Content: ev.Text, Logprobs: ev.Logprobs})
		case ai.EventThinking:
			run.thinking.WriteString(ev.Text)
			run.send(models.ThinkingChunk{Message: id, Content: ev.Text})
		case ai.EventToolCall:
			call := *ev.ToolCall
			calls = append(calls, call)
			run.send(models.ToolCallChunk{
				Message:    id,
				ToolCallID: call.ToolCallID,
				ToolName:   call.ToolName,
				Args:       call.Args,
				ToolSource: call.ToolSource,
			})
		case ai.EventError:
			chunk := *ev.Error
			chunk.Message = id
			run.send(chunk)
		case ai.EventDone:
			out.FinishReason = ev.Done.FinishReason
			run.addTokens(ev.Done.InputTokens, ev.Done.OutputTokens)
			if ev.Done.SHA != "" {
				run.sha = ev.Done.SHA
			}
		}
		if run.gone {
			out.FinishReason = models.FinishAborted
			record()
			return nil, false
		}
	}
	record()
	return calls, true
}

func asStreamError(ctx context.Context, err error) *ai.StreamError {
	var se *ai.StreamError
	if errors.As(err, &se) {
		return se
	}
	return ai.ClassifyError(ctx, err)
}

func (o *Orchestrator) fail(run *turnRun, se *ai.StreamError, out *models.CompletionOutput) {
	out.FinishReason = se.FinishReason
	if se.FinishReason == models.FinishAborted {
		return
	}
	run.failed = true
	o.log.Warn("generation failed", "message_id", run.assistant.ID, "finish_reason", se.FinishReason, "error", se.Err)
	run.streamError(string(se.FinishReason), streamFailureText(se))
}

func streamFailureText(se *ai.StreamError) string {
	switch se.FinishReason {
	case models.FinishModelOverloaded:
		return "The model is overloaded. Please try again later."
	case models.FinishBadConnection:
		return "Could not connect to the model. Please try again later."
	case models.FinishValueError:
		return fmt.Sprintf("The model rejected the request: %v", se.Err)
	default:
		return fmt.Sprintf("Something went wrong while generating a response: %v", se.Err)
	}
}

// invokeTool runs one tool call and stores its result as a child of the
// assistant reply. Tool failures become the result content so the model can
// react to them.
func (o *Orchestrator) invokeTool(ctx context.Context, run *turnRun, call models.ToolCall) (*models.Message, error) {
	ctx, span := tracing.Start(ctx, "thread.tool", attribute.String("tool", call.ToolName))
	defer span.End()

	content, err := o.tools.Call(ctx, run.turn.Agent.ID, call)
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		content = fmt.Sprintf("Error calling tool %s: %v", call.ToolName, err)
	}
	metrics.ToolCalls.WithLabelValues(call.ToolName, result).Inc()

	return o.store.Create(context.WithoutCancel(ctx), storage.CreateMessage{
		Role:      models.RoleToolCallResult,
		Content:   content,
		Creator:   run.turn.Agent.ID,
		Parent:    &run.assistant.ID,
		Root:      run.assistant.Root,
		ModelID:   run.turn.Model.ID,
		ModelHost: string(run.turn.Model.Host),
		Opts:      run.turn.Opts,
		Private:   run.turn.Private,
		Final:     true,
		Anonymous: run.turn.Agent.Anonymous,
		ToolCalls: []models.ToolCall{call},
	})
}

// uploadFiles stores the request files publicly, records their URLs on the
// user message and submits videos for asynchronous safety analysis.
func (o *Orchestrator) uploadFiles(ctx context.Context, run *turnRun) error {
	if len(run.turn.Files) == 0 {
		return nil
	}
	user := run.turn.User
	names := make([]string, 0, len(run.turn.Files))
	var uploadErr error
	for i, f := range run.turn.Files {
		name := objectName(user.Creator, user.ID, i, f.Name)
		url, err := o.files.UploadContent(ctx, o.buckets.PublicBucket, name, f.MIME, bytes.NewReader(f.Data))
		if err != nil {
			uploadErr = fmt.Errorf("upload %s: %w", f.Name, err)
			break
		}
		run.fileURLs = append(run.fileURLs, url)
		names = append(names, name)
	}
	// Recorded before any video analysis starts; a harmful verdict clears them.
	if len(run.fileURLs) > 0 {
		if err := o.store.UpdateFileURLs(context.WithoutCancel(ctx), user.ID, run.fileURLs); err != nil {
			return fmt.Errorf("record file urls: %w", err)
		}
	}
	if uploadErr != nil {
		return uploadErr
	}

	if o.video == nil || run.turn.Bypass {
		return nil
	}
	for i, f := range run.turn.Files {
		if !f.IsVideo() {
			continue
		}
		if _, err := o.files.UploadContent(ctx, o.buckets.ScratchBucket, names[i], f.MIME, bytes.NewReader(f.Data)); err != nil {
			o.log.Error("scratch upload failed", "message_id", user.ID, "error", err)
			continue
		}
		if err := o.video.Submit(ctx, user.ID, filestore.GCSURI(o.buckets.ScratchBucket, names[i]), []string{run.fileURLs[i]}); err != nil {
			o.log.Error("video safety submit failed", "message_id", user.ID, "error", err)
		}
	}
	return nil
}

func withFileURLs(chain []*models.Message, id string, urls []string) []*models.Message {
	out := make([]*models.Message, len(chain))
	for i, m := range chain {
		if m.ID == id {
			cp := *m
			cp.FileURLs = urls
			m = &cp
		}
		out[i] = m
	}
	return out
}
