package safety

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"olmoplayground/internal/config"
	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
	"olmoplayground/internal/models"
	"olmoplayground/internal/redis"
)

// VideoJob tracks one submitted video analysis until it resolves.
type VideoJob struct {
	MessageID string `json:"message_id"`
	Operation string `json:"operation"`
	Attempt   int    `json:"attempt"`
	// ScratchURLs are the gs:// copies handed to the analyzer.
	ScratchURLs []string `json:"scratch_urls,omitempty"`
	// PublicURLs are the message's file URLs removed when the video is harmful.
	PublicURLs []string `json:"public_urls,omitempty"`
}

// VideoQueue is a delay queue of VideoJobs kept in a Redis sorted set.
type VideoQueue struct {
	client *redis.Client
	key    string
}

func NewVideoQueue(client *redis.Client, key string) *VideoQueue {
	return &VideoQueue{client: client, key: key}
}

func (q *VideoQueue) Enqueue(ctx context.Context, job VideoJob, due time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.Schedule(ctx, q.key, string(raw), due)
}

// Claim pops due jobs. Members that fail to decode are dropped.
func (q *VideoQueue) Claim(ctx context.Context, now time.Time, limit int64) ([]VideoJob, error) {
	members, err := q.client.ClaimDue(ctx, q.key, now, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]VideoJob, 0, len(members))
	for _, m := range members {
		var job VideoJob
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// VideoMessageStore is the message persistence the video worker needs.
type VideoMessageStore interface {
	GetByID(ctx context.Context, id string) (*models.Message, error)
	SetHarmful(ctx context.Context, id string, harmful bool) error
	ClearFileURLs(ctx context.Context, id string) error
}

// VideoWorker polls pending video analyses and records their verdicts.
type VideoWorker struct {
	log          *logger.Logger
	store        VideoMessageStore
	files        filestore.Store
	checker      VideoSubmitter
	queue        *VideoQueue
	maxAttempts  int
	pollInterval time.Duration
	initial      time.Duration
	now          func() time.Time
}

func NewVideoWorker(log *logger.Logger, store VideoMessageStore, files filestore.Store, checker VideoSubmitter, queue *VideoQueue, cfg config.SafetyConfig) *VideoWorker {
	w := &VideoWorker{
		log:          log.With("service", "safety.VideoWorker"),
		store:        store,
		files:        files,
		checker:      checker,
		queue:        queue,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		initial:      cfg.InitialBackoff,
		now:          time.Now,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 8
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 5 * time.Second
	}
	if w.initial <= 0 {
		w.initial = 10 * time.Second
	}
	return w
}

// Submit starts analysis of the uploaded video and queues the first poll.
func (w *VideoWorker) Submit(ctx context.Context, messageID, gcsURI string, publicURLs []string) error {
	op, err := w.checker.Submit(ctx, gcsURI)
	if err != nil {
		return err
	}
	job := VideoJob{
		MessageID:   messageID,
		Operation:   op,
		ScratchURLs: []string{gcsURI},
		PublicURLs:  publicURLs,
	}
	return w.queue.Enqueue(ctx, job, w.now().Add(w.delay(0)))
}

// Run polls until ctx is cancelled.
func (w *VideoWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick processes every job that is currently due.
func (w *VideoWorker) Tick(ctx context.Context) {
	jobs, err := w.queue.Claim(ctx, w.now(), 32)
	if err != nil {
		w.log.Error("claim video jobs failed", "error", err)
		return
	}
	for _, job := range jobs {
		err := w.process(ctx, job)
		switch {
		case err == nil:
		case !Retryable(err):
			w.log.Warn("video job dropped", "message_id", job.MessageID, "error", err)
			metrics.VideoChecks.WithLabelValues("dropped").Inc()
		default:
			w.retry(ctx, job, err)
		}
	}
}

func (w *VideoWorker) retry(ctx context.Context, job VideoJob, cause error) {
	job.Attempt++
	if job.Attempt >= w.maxAttempts {
		w.log.Error("video job exhausted retries", "message_id", job.MessageID, "operation", job.Operation, "error", cause)
		metrics.VideoChecks.WithLabelValues("dropped").Inc()
		return
	}
	if !errors.Is(cause, ErrOperationNotDone) {
		w.log.Warn("video check failed, retrying", "message_id", job.MessageID, "attempt", job.Attempt, "error", cause)
	}
	metrics.VideoChecks.WithLabelValues("retry").Inc()
	if err := w.queue.Enqueue(ctx, job, w.now().Add(w.delay(job.Attempt))); err != nil {
		w.log.Error("requeue video job failed", "message_id", job.MessageID, "error", err)
	}
}

func (w *VideoWorker) delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 10 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (w *VideoWorker) process(ctx context.Context, job VideoJob) error {
	msg, err := w.store.GetByID(ctx, job.MessageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", job.MessageID, err)
	}
	if msg == nil || msg.Deleted != nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, job.MessageID)
	}
	if msg.Harmful != nil {
		w.cleanupScratch(ctx, job)
		return nil
	}

	verdict, err := w.checker.CheckOperation(ctx, job.Operation)
	if err != nil {
		return err
	}

	if verdict.IsSafe() {
		if err := w.store.SetHarmful(ctx, msg.ID, false); err != nil {
			return err
		}
		metrics.VideoChecks.WithLabelValues("safe").Inc()
		w.cleanupScratch(ctx, job)
		return nil
	}

	w.log.Info("video flagged harmful", "message_id", msg.ID, "violations", verdict.Violations)
	if err := w.store.SetHarmful(ctx, msg.ID, true); err != nil {
		return err
	}
	urls := job.PublicURLs
	if len(urls) == 0 {
		urls = msg.FileURLs
	}
	if err := w.files.DeleteMultipleFilesByURL(ctx, urls); err != nil {
		w.log.Error("delete harmful files failed", "message_id", msg.ID, "error", err)
	}
	if err := w.store.ClearFileURLs(ctx, msg.ID); err != nil {
		w.log.Error("clear file urls failed", "message_id", msg.ID, "error", err)
	}
	metrics.VideoChecks.WithLabelValues("unsafe").Inc()
	w.cleanupScratch(ctx, job)
	return nil
}

func (w *VideoWorker) cleanupScratch(ctx context.Context, job VideoJob) {
	if len(job.ScratchURLs) == 0 {
		return
	}
	if err := w.files.DeleteMultipleFilesByURL(ctx, job.ScratchURLs); err != nil {
		w.log.Warn("delete scratch video failed", "message_id", job.MessageID, "error", err)
	}
}
