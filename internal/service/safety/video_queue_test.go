package safety

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
)

type fakeVideoStore struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	cleared  []string
}

func (s *fakeVideoStore) GetByID(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[id], nil
}

func (s *fakeVideoStore) SetHarmful(_ context.Context, id string, harmful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].Harmful = &harmful
	return nil
}

func (s *fakeVideoStore) ClearFileURLs(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].FileURLs = nil
	s.cleared = append(s.cleared, id)
	return nil
}

type fakeVideoChecker struct {
	mu      sync.Mutex
	results []error
	verdict Verdict
	polls   int
}

func (f *fakeVideoChecker) Submit(context.Context, string) (string, error) {
	return "operations/1", nil
}

func (f *fakeVideoChecker) CheckOperation(context.Context, string) (Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.results) > 0 {
		err := f.results[0]
		f.results = f.results[1:]
		if err != nil {
			return Verdict{}, err
		}
	}
	return f.verdict, nil
}

type videoFixture struct {
	worker  *VideoWorker
	store   *fakeVideoStore
	files   *filestore.Memory
	checker *fakeVideoChecker
	mr      *miniredis.Miniredis
	clock   time.Time
}

func newVideoFixture(t *testing.T, checker *fakeVideoChecker) *videoFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.Dial(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	files := filestore.NewMemory("")
	publicURL, err := files.UploadContent(context.Background(), "public", "m1/clip.mp4", "video/mp4", bytes.NewReader([]byte("v")))
	require.NoError(t, err)
	_, err = files.UploadContent(context.Background(), "scratch", "m1/clip.mp4", "video/mp4", bytes.NewReader([]byte("v")))
	require.NoError(t, err)

	store := &fakeVideoStore{messages: map[string]*models.Message{
		"m1": {ID: "m1", FileURLs: []string{publicURL}},
	}}
	f := &videoFixture{store: store, files: files, checker: checker, mr: mr, clock: time.Unix(1_700_000_000, 0)}
	cfg := config.SafetyConfig{MaxAttempts: 3, PollInterval: time.Second, InitialBackoff: time.Second}
	f.worker = NewVideoWorker(logger.Nop(), store, files, checker, NewVideoQueue(client, "video"), cfg)
	f.worker.now = func() time.Time { return f.clock }
	require.NoError(t, f.worker.Submit(context.Background(), "m1", filestore.GCSURI("scratch", "m1/clip.mp4"), []string{publicURL}))
	return f
}

func (f *videoFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
	f.worker.Tick(context.Background())
}

func TestVideoWorkerUnsafeRemovesFiles(t *testing.T) {
	f := newVideoFixture(t, &fakeVideoChecker{verdict: Unsafe("explicit_content")})

	f.advance(0)
	assert.Zero(t, f.checker.polls, "job is not due before the initial backoff")

	f.advance(time.Second)
	require.Equal(t, 1, f.checker.polls)

	msg := f.store.messages["m1"]
	require.NotNil(t, msg.Harmful)
	assert.True(t, *msg.Harmful)
	assert.Empty(t, msg.FileURLs)
	assert.Equal(t, []string{"m1"}, f.store.cleared)
	assert.Empty(t, f.files.Keys())
}

func TestVideoWorkerSafeKeepsPublicFile(t *testing.T) {
	f := newVideoFixture(t, &fakeVideoChecker{verdict: Safe()})

	f.advance(time.Second)

	msg := f.store.messages["m1"]
	require.NotNil(t, msg.Harmful)
	assert.False(t, *msg.Harmful)
	assert.Equal(t, []string{"public/m1/clip.mp4"}, f.files.Keys())
}

func TestVideoWorkerRetriesUntilDone(t *testing.T) {
	f := newVideoFixture(t, &fakeVideoChecker{
		results: []error{ErrOperationNotDone, ErrOperationNotFound},
		verdict: Safe(),
	})

	f.advance(time.Second)
	assert.Equal(t, 1, f.checker.polls)
	assert.Nil(t, f.store.messages["m1"].Harmful)

	// second attempt is scheduled 2s out
	f.advance(time.Second)
	assert.Equal(t, 1, f.checker.polls)
	f.advance(time.Second)
	assert.Equal(t, 2, f.checker.polls)

	f.advance(4 * time.Second)
	assert.Equal(t, 3, f.checker.polls)
	require.NotNil(t, f.store.messages["m1"].Harmful)
}

func TestVideoWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	f := newVideoFixture(t, &fakeVideoChecker{
		results: []error{ErrOperationNotDone, ErrOperationNotDone, ErrOperationNotDone, ErrOperationNotDone},
	})

	for i := 0; i < 6; i++ {
		f.advance(time.Minute)
	}
	assert.Equal(t, 3, f.checker.polls)
	assert.Nil(t, f.store.messages["m1"].Harmful)
}

func TestVideoWorkerDropsDeletedMessage(t *testing.T) {
	f := newVideoFixture(t, &fakeVideoChecker{verdict: Unsafe("x")})
	now := time.Now()
	f.store.messages["m1"].Deleted = &now

	f.advance(time.Second)
	f.advance(time.Minute)

	assert.Zero(t, f.checker.polls)
	members, err := f.mr.ZMembers("video")
	if err == nil {
		assert.Empty(t, members)
	}
}
