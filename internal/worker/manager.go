package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
)

const (
	defaultMaxWorkers = 16
	defaultQueueSize  = 64
)

// ErrStopped is returned for jobs dropped because the manager shut down.
var ErrStopped = errors.New("worker manager stopped")

// Manager runs turns on the shared worker pool with per-user fair queueing.
type Manager struct {
	log        *logger.Logger
	dispatcher *Dispatcher
}

func NewManager(log *logger.Logger, cfg config.WorkerConfig) *Manager {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	log = log.With("service", "worker.Manager")
	return &Manager{
		log:        log,
		dispatcher: NewDispatcher(log, cfg.MinWorkers, maxWorkers, queueSize, cfg.IdleTimeout),
	}
}

// Submit queues fn for userKey and blocks until it has run. When ctx ends
// before a worker picks the job up, the job is dropped and ctx's error is
// returned; once started, Submit waits for fn to return.
func (m *Manager) Submit(ctx context.Context, userKey string, fn func(ctx context.Context)) error {
	job := newJob(ctx, userKey, fn)
	metrics.WorkerQueueDepth.Inc()
	select {
	case m.dispatcher.JobQueue <- job:
	case <-m.dispatcher.quit:
		metrics.WorkerQueueDepth.Dec()
		return ErrStopped
	default:
		metrics.WorkerQueueDepth.Dec()
		m.log.Warn("job queue full", "user", userKey)
		return apierr.New(http.StatusServiceUnavailable, apierr.CodeBusy, fmt.Errorf("too many requests in flight, try again shortly"))
	}

	select {
	case <-job.done:
	case <-ctx.Done():
		if job.abandon() {
			return ctx.Err()
		}
		<-job.done
	}
	if job.canceled() {
		return ErrStopped
	}
	return nil
}

// Pending reports how many jobs wait for a worker.
func (m *Manager) Pending() int {
	return m.dispatcher.pending()
}

func (m *Manager) Stop() {
	m.dispatcher.Stop()
}
