package thread

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
	"olmoplayground/internal/service/ai"
	"olmoplayground/internal/service/safety"
	"olmoplayground/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func visionModel() models.ModelConfig {
	m := chatModel()
	m.ID = "molmo"
	m.PromptType = models.PromptMultiModal
	m.AcceptedFileTypes = []string{"image/*"}
	m.MaxFilesPerMessage = models.IntPtr(2)
	m.DefaultSystemPrompt = nil
	return m
}

func pngFiles(n int) []models.UploadedFile {
	files := make([]models.UploadedFile, n)
	for i := range files {
		files[i] = models.UploadedFile{Name: "cat.png", Data: pngHeader}
	}
	return files
}

func TestValidateFiles(t *testing.T) {
	vision := visionModel()
	text := chatModel()
	followups := visionModel()
	followups.AllowFilesInFollowups = true
	required := visionModel()
	required.RequireFileToPrompt = models.FileRequiredAllMessages
	small := visionModel()
	limit := int64(8)
	small.MaxTotalFileSize = &limit

	tests := []struct {
		name    string
		model   models.ModelConfig
		files   []models.UploadedFile
		isFirst bool
		wantErr string
	}{
		{name: "two images", model: vision, files: pngFiles(2), isFirst: true},
		{name: "too many", model: vision, files: pngFiles(3), isFirst: true, wantErr: "This model only allows 2 files per message"},
		{name: "text only", model: text, files: pngFiles(1), isFirst: true, wantErr: "This model does not accept files"},
		{name: "followup rejected", model: vision, files: pngFiles(1), wantErr: "This model does not allow files in follow-up messages"},
		{name: "followup allowed", model: followups, files: pngFiles(1)},
		{name: "required", model: required, isFirst: true, wantErr: "This model requires a file to be sent with every message"},
		{name: "too large", model: small, files: pngFiles(1), isFirst: true, wantErr: "Files must be under 8 bytes in total"},
		{name: "wrong type", model: vision, files: []models.UploadedFile{{Name: "a.txt", Data: []byte("plain text")}}, isFirst: true, wantErr: "This model does not accept files of type text/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFiles(tt.model, SniffFiles(tt.files), tt.isFirst)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			apiErr, ok := apierr.As(err)
			require.True(t, ok)
			assert.Equal(t, "files", apiErr.Field)
			assert.Equal(t, tt.wantErr, apiErr.Error())
		})
	}
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "u/m/0-cat.png", objectName("u", "m", 0, "cat.png"))
	assert.Equal(t, "u/m/1-cat.png", objectName("u", "m", 1, "../../cat.png"))
	assert.Equal(t, "u/m/2-file", objectName("u", "m", 2, ""))
}

func TestStreamNewMessageUploadsFiles(t *testing.T) {
	f := newFixture(t, nil, withModels(visionModel()))
	ctx := context.Background()

	err := f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "what is this", ModelID: "molmo", Files: pngFiles(3)}, member, (&recorder{}).emit)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "files", apiErr.Field)
	assert.Empty(t, f.files.Keys())

	rec := &recorder{}
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "what is this", ModelID: "molmo", Files: pngFiles(2)}, member, rec.emit))
	final := rec.finalMessage(t)

	user, err := f.store.GetByID(ctx, *final.Parent)
	require.NoError(t, err)
	require.Len(t, user.FileURLs, 2)
	assert.Len(t, f.files.Keys(), 2)
	for _, key := range f.files.Keys() {
		assert.True(t, strings.HasPrefix(key, "public/user-1/"+user.ID+"/"), key)
	}
}

// mp4Header is the smallest ftyp box that sniffs as video/mp4.
var mp4Header = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom")

type flaggingVideoChecker struct{}

func (flaggingVideoChecker) Submit(context.Context, string) (string, error) {
	return "operations/video-1", nil
}

func (flaggingVideoChecker) CheckOperation(context.Context, string) (safety.Verdict, error) {
	return safety.Unsafe("violence"), nil
}

// hookEngine calls before ahead of every generation pass.
type hookEngine struct {
	ai.Engine
	before func()
}

func (e hookEngine) CreateStreamedMessage(ctx context.Context, req ai.StreamRequest) (ai.Stream, error) {
	e.before()
	return e.Engine.CreateStreamedMessage(ctx, req)
}

func TestStreamNewMessageHarmfulVideoVerdictBeforeFinalize(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := redis.Dial(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	video := visionModel()
	video.ID = "molmo-video"
	video.AcceptedFileTypes = []string{"video/*"}

	var worker *safety.VideoWorker
	ctx := context.Background()
	engine := hookEngine{Engine: ai.NewMockEngine(), before: func() { worker.Tick(ctx) }}
	f := newFixture(t, nil, withModels(video), withEngine(engine))
	worker = safety.NewVideoWorker(logger.Nop(), f.store, f.files, flaggingVideoChecker{},
		safety.NewVideoQueue(client, "video-safety"), config.SafetyConfig{InitialBackoff: time.Nanosecond})
	f.service.orchestrator.video = worker

	rec := &recorder{}
	req := CreateMessageRequest{Content: "what happens here", ModelID: "molmo-video", Files: []models.UploadedFile{{Name: "clip.mp4", Data: mp4Header}}}
	require.NoError(t, f.service.StreamNewMessage(ctx, req, member, rec.emit))
	final := rec.finalMessage(t)

	user, err := f.store.GetByID(ctx, *final.Parent)
	require.NoError(t, err)
	assert.True(t, user.Final)
	require.NotNil(t, user.Harmful)
	assert.True(t, *user.Harmful)
	assert.Empty(t, user.FileURLs)
	assert.Empty(t, f.files.Keys())
}

func TestMigrateUserMovesFiles(t *testing.T) {
	f := newFixture(t, nil, withModels(visionModel()))
	ctx := context.Background()
	anon := models.Agent{ID: "anon-1", Anonymous: true}

	rec := &recorder{}
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "what is this", ModelID: "molmo", Files: pngFiles(1)}, anon, rec.emit))

	_, err := f.service.MigrateUser(ctx, anon.ID, anon)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	res, err := f.service.MigrateUser(ctx, anon.ID, member)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.UpdatedMessages)
	assert.Equal(t, 1, res.MovedFiles)

	keys := f.files.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "public/user-1/"), keys[0])

	final := rec.finalMessage(t)
	user, err := f.store.GetByID(ctx, *final.Parent)
	require.NoError(t, err)
	assert.Equal(t, member.ID, user.Creator)
	assert.Nil(t, user.ExpirationTime)
	require.Len(t, user.FileURLs, 1)
	assert.Contains(t, user.FileURLs[0], "/public/user-1/")
}

func TestBuildTreeSkipsDeleted(t *testing.T) {
	now := time.Now()
	root := "a"
	b, c := "b", "c"
	msgs := []*models.Message{
		{ID: "a", Root: root},
		{ID: "b", Root: root, Parent: &root},
		{ID: "c", Root: root, Parent: &root, Deleted: &now},
		{ID: "d", Root: root, Parent: &c},
		{ID: "e", Root: root, Parent: &b},
	}
	tree := BuildTree(msgs, root)
	require.NotNil(t, tree)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "b", tree.Children[0].ID)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "e", tree.Children[0].Children[0].ID)

	assert.Nil(t, BuildTree(msgs, "c"))
}

func TestAncestryKeepsToolResults(t *testing.T) {
	root, user, asst := "sys", "user", "asst"
	msgs := []*models.Message{
		{ID: "sys", Role: models.RoleSystem},
		{ID: "user", Role: models.RoleUser, Parent: &root},
		{ID: "asst", Role: models.RoleAssistant, Parent: &user, ToolCalls: []models.ToolCall{{ToolName: "search"}}},
		{ID: "result", Role: models.RoleToolCallResult, Parent: &asst},
		{ID: "next", Role: models.RoleUser, Parent: &asst},
	}
	chain := ancestry(msgs, "next")
	ids := make([]string, len(chain))
	for i, m := range chain {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"sys", "user", "asst", "result", "next"}, ids)
}

func TestCleanerClosesStaleTurns(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	user, err := f.store.Create(ctx, storage.CreateMessage{Role: models.RoleUser, Content: "hi", Creator: member.ID})
	require.NoError(t, err)
	assistant, err := f.store.Create(ctx, storage.CreateMessage{Role: models.RoleAssistant, Creator: member.ID, Parent: &user.ID, Root: user.Root})
	require.NoError(t, err)

	cleaner := NewCleaner(logger.Nop(), f.store, f.files, time.Hour)
	require.NoError(t, cleaner.RunOnce(ctx))
	got, err := f.store.GetByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.False(t, got.Final, "fresh turns are left alone")

	cleaner.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	require.NoError(t, cleaner.RunOnce(ctx))

	got, err = f.store.GetByID(ctx, assistant.ID)
	require.NoError(t, err)
	assert.True(t, got.Final)
	require.NotNil(t, got.FinishReason)
	assert.Equal(t, models.FinishUnclosedStream, *got.FinishReason)
	parent, err := f.store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, parent.Final)
}

func TestCleanerDeletesExpiredThreads(t *testing.T) {
	f := newFixture(t, nil, withModels(chatModel(), visionModel()))
	ctx := context.Background()
	anon := models.Agent{ID: "anon-1", Anonymous: true}

	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "what is this", ModelID: "molmo", Files: pngFiles(1)}, anon, (&recorder{}).emit))
	require.NoError(t, f.service.StreamNewMessage(ctx, CreateMessageRequest{Content: "keep me", ModelID: "olmo-chat"}, member, (&recorder{}).emit))
	require.Len(t, f.files.Keys(), 1)

	cleaner := NewCleaner(logger.Nop(), f.store, f.files, time.Hour)
	cleaner.now = func() time.Time { return time.Now().UTC().Add(25 * time.Hour) }
	require.NoError(t, cleaner.RunOnce(ctx))

	assert.Empty(t, f.files.Keys())
	assert.Equal(t, 1, countRows(t, f, models.RoleUser))
	assert.Equal(t, 1, countRows(t, f, models.RoleAssistant))
}
