package thread

import (
	"context"
	"errors"
	"time"

	"olmoplayground/internal/filestore"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
	"olmoplayground/internal/models"
	"olmoplayground/internal/storage"
)

const (
	DefaultCleanupInterval = time.Hour
	DefaultStaleTurnAfter  = time.Hour
)

// CleanerStore is the persistence the cleaner works on.
type CleanerStore interface {
	ListExpired(ctx context.Context, before time.Time) ([]*models.Message, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
	ListStale(ctx context.Context, createdBefore time.Time) ([]*models.Message, error)
	Finalize(ctx context.Context, id string, in storage.FinalizeMessage) (*models.Message, error)
}

// Cleaner removes expired anonymous threads and closes turns that were left
// non-final by a crash between the finalize writes.
type Cleaner struct {
	log        *logger.Logger
	store      CleanerStore
	files      filestore.Store
	staleAfter time.Duration
	now        func() time.Time
}

func NewCleaner(log *logger.Logger, store CleanerStore, files filestore.Store, staleAfter time.Duration) *Cleaner {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleTurnAfter
	}
	return &Cleaner{
		log:        log.With("service", "thread.Cleaner"),
		store:      store,
		files:      files,
		staleAfter: staleAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go c.loop(ctx, interval)
}

func (c *Cleaner) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RunOnce(ctx); err != nil {
				c.log.Error("cleanup failed", "error", err)
			}
		}
	}
}

// RunOnce performs one cleanup pass.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	now := c.now()
	expiredErr := c.deleteExpired(ctx, now)
	staleErr := c.closeStale(ctx, now.Add(-c.staleAfter))
	return errors.Join(expiredErr, staleErr)
}

func (c *Cleaner) deleteExpired(ctx context.Context, now time.Time) error {
	expired, err := c.store.ListExpired(ctx, now)
	if err != nil {
		return err
	}
	var urls []string
	for _, m := range expired {
		urls = append(urls, m.FileURLs...)
	}
	if len(urls) > 0 {
		if err := c.files.DeleteMultipleFilesByURL(ctx, urls); err != nil {
			c.log.Warn("remove expired files failed", "error", err)
		}
	}
	n, err := c.store.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	if n > 0 {
		metrics.CleanupDeleted.WithLabelValues("expired").Add(float64(n))
		c.log.Info("expired messages deleted", "count", n)
	}
	return nil
}

func (c *Cleaner) closeStale(ctx context.Context, before time.Time) error {
	stale, err := c.store.ListStale(ctx, before)
	if err != nil {
		return err
	}
	reason := models.FinishUnclosedStream
	closed := 0
	for _, m := range stale {
		if m.Parent != nil {
			if _, err := c.store.Finalize(ctx, *m.Parent, storage.FinalizeMessage{}); err != nil && !errors.Is(err, storage.ErrAlreadyFinal) {
				c.log.Warn("close stale prompt failed", "message_id", *m.Parent, "error", err)
			}
		}
		_, err := c.store.Finalize(ctx, m.ID, storage.FinalizeMessage{FinishReason: &reason})
		if err != nil && !errors.Is(err, storage.ErrAlreadyFinal) {
			c.log.Warn("close stale turn failed", "message_id", m.ID, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		metrics.CleanupDeleted.WithLabelValues("stale").Add(float64(closed))
		c.log.Info("stale turns closed", "count", closed)
	}
	return nil
}
