package thread

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/models"
	"olmoplayground/internal/service/ai"
	"olmoplayground/internal/service/safety"
	"olmoplayground/internal/storage"
)

type rejectingGate struct {
	code string
}

func (g rejectingGate) Check(context.Context, models.Agent, safety.GateRequest) error {
	return apierr.Safety(g.code)
}

type failingEngine struct {
	err error
}

func (e failingEngine) CreateStreamedMessage(context.Context, ai.StreamRequest) (ai.Stream, error) {
	return nil, e.err
}

func countRows(t *testing.T, f *fixture, role models.Role) int {
	t.Helper()
	var n int
	err := f.db.QueryRow(`SELECT COUNT(*) FROM message WHERE role = $1`, string(role)).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestStreamNewMessageCompletesTurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := &recorder{}

	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "Hello world", ModelID: "olmo-chat"}, member, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, []models.ChunkKind{
		models.ChunkStart,
		models.ChunkModelResponse,
		models.ChunkModelResponse,
		models.ChunkMessage,
		models.ChunkEnd,
	}, rec.kinds())

	final := rec.finalMessage(t)
	assert.Equal(t, "Hello world", final.Content)
	assert.True(t, final.Final)
	require.NotNil(t, final.FinishReason)
	assert.Equal(t, models.FinishStop, *final.FinishReason)
	assert.NotNil(t, final.Completion)

	thread, err := f.service.GetThread(ctx, final.ID, member)
	require.NoError(t, err)
	assert.Equal(t, models.RoleSystem, thread.Role)
	assert.Equal(t, "Be nice", thread.Content)
	require.Len(t, thread.Children, 1)
	user := thread.Children[0]
	assert.Equal(t, "Hello world", user.Content)
	assert.True(t, user.Final)
	require.Len(t, user.Children, 1)
	assistant := user.Children[0]
	assert.Equal(t, final.ID, assistant.ID)
	assert.Equal(t, thread.ID, assistant.Root)
	assert.Equal(t, thread.ID, user.Root)

	completion, err := f.store.GetCompletion(ctx, *final.Completion)
	require.NoError(t, err)
	assert.Equal(t, "<|system|>\nBe nice\n<|user|>\nHello world", completion.Input)
}

func TestStreamNewMessageFollowUpInheritsOpts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := &recorder{}
	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{
		Content: "Hello world",
		ModelID: "olmo-chat",
		Opts:    models.InferenceOpts{TopP: models.FloatPtr(0.1)},
	}, member, first.emit)
	require.NoError(t, err)
	parent := first.finalMessage(t)

	second := &recorder{}
	err = f.service.StreamNewMessage(ctx, CreateMessageRequest{
		Parent:  &parent.ID,
		Content: "again please",
		ModelID: "olmo-chat",
	}, member, second.emit)
	require.NoError(t, err)

	reply := second.finalMessage(t)
	require.NotNil(t, reply.Opts.TopP)
	assert.InDelta(t, 0.1, *reply.Opts.TopP, 1e-9)
	assert.Equal(t, parent.Root, reply.Root)
	assert.Equal(t, "again please", reply.Content)
	assert.Equal(t, 1, countRows(t, f, models.RoleSystem))
}

func TestStreamNewMessageRejectedPromptLeavesNoRows(t *testing.T) {
	f := newFixture(t, rejectingGate{code: apierr.CodeInappropriateText})
	rec := &recorder{}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "something awful", ModelID: "olmo-chat"}, member, rec.emit)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInappropriateText, apiErr.Code)

	assert.Empty(t, rec.chunks)
	assert.Equal(t, 0, countRows(t, f, models.RoleAssistant))
	assert.Equal(t, 0, countRows(t, f, models.RoleUser))
}

func TestStreamNewMessageLengthFinish(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recorder{}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{
		Content: "Hello world",
		ModelID: "olmo-chat",
		Opts:    models.InferenceOpts{MaxTokens: models.IntPtr(1)},
	}, member, rec.emit)
	require.NoError(t, err)

	final := rec.finalMessage(t)
	assert.Equal(t, "Hello", final.Content)
	require.NotNil(t, final.FinishReason)
	assert.Equal(t, models.FinishLength, *final.FinishReason)
}

func TestStreamNewMessageToolLoopIsBounded(t *testing.T) {
	engine := &passEngine{passes: [][]ai.Event{{
		ai.TextEvent("let me look"),
		ai.ToolCallEvent(models.ToolCall{ToolCallID: "call-1", ToolName: "search", Args: map[string]any{"q": "olmo"}}),
		ai.DoneEvent(models.FinishStop, 3, 3),
	}}}
	f := newFixture(t, nil, withEngine(engine))
	rec := &recorder{}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{
		Content:           "search for olmo",
		ModelID:           "olmo-chat",
		EnableToolCalling: true,
		MaxSteps:          models.IntPtr(2),
	}, member, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, 2, f.tools.count())
	assert.Equal(t, 3, engine.calls())

	streamErrs := rec.streamErrors()
	require.Len(t, streamErrs, 1)
	assert.Equal(t, models.StreamErrorMaxSteps, streamErrs[0].Reason)
	assert.IsType(t, models.StreamEndChunk{}, rec.last())

	final := rec.finalMessage(t)
	require.Len(t, final.ToolCalls, 2)
	for _, call := range final.ToolCalls {
		assert.Equal(t, models.ToolSourceInternal, call.ToolSource)
	}
	require.Len(t, final.Children, 2)
	for _, child := range final.Children {
		assert.Equal(t, models.RoleToolCallResult, child.Role)
		assert.Equal(t, "42", child.Content)
		assert.Equal(t, final.ID, *child.Parent)
	}
	assert.Equal(t, 2, countRows(t, f, models.RoleToolCallResult))

	// The second pass must see the first call and its result.
	second := engine.requests[1].Messages
	require.GreaterOrEqual(t, len(second), 2)
	assert.Equal(t, models.RoleToolCallResult, second[len(second)-1].Role)
	assert.Equal(t, models.RoleAssistant, second[len(second)-2].Role)
}

func TestStreamNewMessageToolsRequireCapableModel(t *testing.T) {
	model := chatModel()
	model.CanCallTools = false
	f := newFixture(t, nil, withModels(model))

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{
		Content:           "search",
		ModelID:           model.ID,
		EnableToolCalling: true,
	}, member, (&recorder{}).emit)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidation, apiErr.Code)
	assert.Equal(t, "enable_tool_calling", apiErr.Field)
}

func TestStreamNewMessageBackendFailure(t *testing.T) {
	engine := failingEngine{err: &ai.StreamError{FinishReason: models.FinishBadConnection, Err: errors.New("connection refused")}}
	f := newFixture(t, nil, withEngine(engine))
	rec := &recorder{}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "Hello", ModelID: "olmo-chat"}, member, rec.emit)
	require.NoError(t, err)

	streamErrs := rec.streamErrors()
	require.Len(t, streamErrs, 1)
	assert.Equal(t, string(models.FinishBadConnection), streamErrs[0].Reason)
	assert.IsType(t, models.StreamEndChunk{}, rec.last())

	final := rec.finalMessage(t)
	require.NotNil(t, final.FinishReason)
	assert.Equal(t, models.FinishBadConnection, *final.FinishReason)
	assert.Nil(t, final.Completion)
}

func TestStreamNewMessageFinalizationFailure(t *testing.T) {
	wrap := func(s *storage.MessageStore) Store { return failingFinalize{s} }
	f := newFixtureWithStore(t, nil, wrap)
	rec := &recorder{}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "Hello world", ModelID: "olmo-chat"}, member, rec.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFinalization)

	last, ok := rec.last().(models.MessageStreamError)
	require.True(t, ok, "last chunk is %T", rec.last())
	assert.Equal(t, models.StreamErrorFinalization, last.Reason)
	for _, c := range rec.chunks {
		assert.NotEqual(t, models.ChunkEnd, c.ChunkType())
	}
}

func threePartPasses() [][]ai.Event {
	return [][]ai.Event{{
		ai.TextEvent("one "),
		ai.TextEvent("two "),
		ai.TextEvent("three"),
		ai.DoneEvent(models.FinishStop, 3, 3),
	}}
}

func assertAbortedTurn(t *testing.T, f *fixture, wantContent string) {
	t.Helper()
	ctx := context.Background()
	var assistantID string
	err := f.db.QueryRow(`SELECT id FROM message WHERE role = $1`, string(models.RoleAssistant)).Scan(&assistantID)
	require.NoError(t, err)

	assistant, err := f.store.GetByID(ctx, assistantID)
	require.NoError(t, err)
	assert.True(t, assistant.Final)
	assert.Equal(t, wantContent, assistant.Content)
	require.NotNil(t, assistant.FinishReason)
	assert.Equal(t, models.FinishAborted, *assistant.FinishReason)
	assert.Nil(t, assistant.Completion)

	require.NotNil(t, assistant.Parent)
	user, err := f.store.GetByID(ctx, *assistant.Parent)
	require.NoError(t, err)
	assert.True(t, user.Final)
}

func TestStreamNewMessageClientWriteFailureFinalizes(t *testing.T) {
	f := newFixture(t, nil, withEngine(&passEngine{passes: threePartPasses()}))
	sent := 0
	emit := func(models.Chunk) error {
		sent++
		if sent >= 3 {
			return errors.New("write: broken pipe")
		}
		return nil
	}

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "count", ModelID: "olmo-chat"}, member, emit)
	require.NoError(t, err)
	assertAbortedTurn(t, f, "one two ")
}

func TestStreamNewMessageCancelledRequestFinalizes(t *testing.T) {
	f := newFixture(t, nil, withEngine(&passEngine{passes: threePartPasses()}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sent := 0
	emit := func(models.Chunk) error {
		sent++
		if sent == 2 {
			cancel()
		}
		return nil
	}

	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "count", ModelID: "olmo-chat"}, member, emit)
	require.NoError(t, err)
	assertAbortedTurn(t, f, "one ")
}

func TestStreamNewMessageSubmittedReplySurvivesGoneClient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := &recorder{}
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "Hello", ModelID: "olmo-chat"}, member, rec.emit))
	userID := *rec.finalMessage(t).Parent

	gone := func(models.Chunk) error { return errors.New("write: broken pipe") }
	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{
		Parent:  &userID,
		Content: "A hand-written reply",
		Role:    models.RoleAssistant,
		ModelID: "olmo-chat",
	}, member, gone)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, f, models.RoleAssistant))
}

func TestStreamNewMessageAnonymousExpires(t *testing.T) {
	f := newFixture(t, nil)
	anon := models.Agent{ID: "anon-1", Anonymous: true}
	rec := &recorder{}
	before := time.Now()

	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "Hello world", ModelID: "olmo-chat"}, anon, rec.emit)
	require.NoError(t, err)

	final := rec.finalMessage(t)
	assert.Nil(t, final.Completion)
	msgs, err := f.store.GetByRoot(context.Background(), final.Root)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		require.NotNil(t, m.ExpirationTime, "message %s (%s)", m.ID, m.Role)
		assert.WithinDuration(t, before.Add(models.AnonymousMessageTTL), *m.ExpirationTime, time.Minute)
	}
}

func TestStreamNewMessageParentErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	missing := "msg_missing"
	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{Parent: &missing, Content: "hi", ModelID: "olmo-chat"}, member, (&recorder{}).emit)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)

	rec := &recorder{}
	err = f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "secret", ModelID: "olmo-chat", Private: models.BoolPtr(true)}, member, rec.emit)
	require.NoError(t, err)
	parent := rec.finalMessage(t)

	err = f.service.StreamNewMessage(ctx, CreateMessageRequest{Parent: &parent.ID, Content: "hi", ModelID: "olmo-chat", Private: models.BoolPtr(false)}, member, (&recorder{}).emit)
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "private", apiErr.Field)

	other := models.Agent{ID: "user-2"}
	err = f.service.StreamNewMessage(ctx, CreateMessageRequest{Parent: &parent.ID, Content: "hi", ModelID: "olmo-chat"}, other, (&recorder{}).emit)
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	_, err = f.service.GetThread(ctx, parent.ID, other)
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestStreamNewMessageUnknownModel(t *testing.T) {
	f := newFixture(t, nil)
	err := f.service.StreamNewMessage(context.Background(), CreateMessageRequest{Content: "hi", ModelID: "nope"}, member, (&recorder{}).emit)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)
}

func TestDeleteMessageHidesSubtree(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := &recorder{}
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "Hello world", ModelID: "olmo-chat"}, member, rec.emit))
	final := rec.finalMessage(t)

	_, err := f.service.DeleteMessage(ctx, *final.Parent, models.Agent{ID: "user-2"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	_, err = f.service.DeleteMessage(ctx, *final.Parent, member)
	require.NoError(t, err)

	thread, err := f.service.GetThread(ctx, final.Root, member)
	require.NoError(t, err)
	assert.Empty(t, thread.Children)
}

func TestLabels(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	rec := &recorder{}
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "Hello world", ModelID: "olmo-chat"}, member, rec.emit))
	final := rec.finalMessage(t)

	_, err := f.service.CreateLabel(ctx, final.ID, models.Rating("meh"), nil, member)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "rating", apiErr.Field)

	label, err := f.service.CreateLabel(ctx, final.ID, models.RatingPositive, models.StringPtr("nice"), member)
	require.NoError(t, err)
	assert.Equal(t, final.ID, label.Message)

	require.NoError(t, f.service.DeleteLabel(ctx, label.ID, member))
	err = f.service.DeleteLabel(ctx, label.ID, member)
	apiErr, ok = apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)
}

func TestListModelsHidesInternal(t *testing.T) {
	internal := chatModel()
	internal.ID = "olmo-internal"
	internal.InternalOnly = true
	old := chatModel()
	old.ID = "olmo-old"
	old.Deprecated = true
	f := newFixture(t, nil, withModels(chatModel(), internal, old))

	ids := func(ms []models.ModelConfig) []string {
		out := make([]string, len(ms))
		for i, m := range ms {
			out[i] = m.ID
		}
		return out
	}
	assert.Equal(t, []string{"olmo-chat"}, ids(f.service.ListModels(member)))
	staff := models.Agent{ID: "staff", Permissions: []string{"read:internal-models"}}
	assert.Equal(t, []string{"olmo-chat", "olmo-internal"}, ids(f.service.ListModels(staff)))
}
