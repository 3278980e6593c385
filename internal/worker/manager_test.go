package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"olmoplayground/internal/apierr"
	"olmoplayground/internal/config"
	"olmoplayground/internal/logger"
)

func newTestManager(t *testing.T, cfg config.WorkerConfig) *Manager {
	t.Helper()
	m := NewManager(logger.Nop(), cfg)
	t.Cleanup(m.Stop)
	return m
}

func TestManagerRunsJob(t *testing.T) {
	manager := newTestManager(t, config.WorkerConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})

	ran := false
	err := manager.Submit(context.Background(), "u1", func(ctx context.Context) {
		ran = true
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !ran {
		t.Fatalf("job did not run before Submit returned")
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	manager := newTestManager(t, config.WorkerConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 10})

	var mu sync.Mutex
	order := make([]string, 0, 2)
	for _, label := range []string{"first", "second"} {
		label := label
		if err := manager.Submit(context.Background(), "u11", func(ctx context.Context) {
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit (%s) error: %v", label, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("expected execution order [first second], got %v", order)
	}
}

func TestDispatcherQueuesWhenWorkerBusy(t *testing.T) {
	manager := newTestManager(t, config.WorkerConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	done1 := make(chan struct{})
	done2 := make(chan struct{})
	secondRan := make(chan struct{})

	go func() {
		_ = manager.Submit(context.Background(), "u21", func(ctx context.Context) {
			close(started)
			<-block
		})
		close(done1)
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("first job did not start")
	}

	go func() {
		_ = manager.Submit(context.Background(), "u21", func(ctx context.Context) {
			close(secondRan)
		})
		close(done2)
	}()

	select {
	case <-secondRan:
		t.Fatalf("second job ran while the only worker was busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatalf("first job did not complete after unblocking")
	}
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatalf("second job did not complete after first")
	}
}

func TestManagerHighLoadAllowsOtherUsers(t *testing.T) {
	manager := newTestManager(t, config.WorkerConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 10})

	block := make(chan struct{})
	started := make(chan struct{})
	slowDone := make(chan error, 1)
	go func() {
		slowDone <- manager.Submit(context.Background(), "slow", func(ctx context.Context) {
			close(started)
			<-block
		})
	}()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatalf("slow job did not start")
	}

	fastDone := make(chan error, 1)
	go func() {
		fastDone <- manager.Submit(context.Background(), "fast", func(ctx context.Context) {})
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("fast job error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fast user was blocked by slow user")
	}

	close(block)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow job error: %v", err)
	}
}

func TestManagerQueueFull(t *testing.T) {
	// A dispatcher that never drains its queue.
	d := &Dispatcher{log: logger.Nop(), JobQueue: make(chan Job, 1), quit: make(chan struct{})}
	manager := &Manager{log: logger.Nop(), dispatcher: d}
	d.JobQueue <- newJob(context.Background(), "u1", func(ctx context.Context) {})

	err := manager.Submit(context.Background(), "u2", func(ctx context.Context) {})
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeBusy {
		t.Fatalf("expected server_busy, got %v", err)
	}
}

func TestManagerSubmitCanceledBeforeStart(t *testing.T) {
	manager := newTestManager(t, config.WorkerConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})

	block := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = manager.Submit(context.Background(), "u1", func(ctx context.Context) {
			close(started)
			<-block
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ran := make(chan struct{}, 1)
	err := manager.Submit(ctx, "u2", func(ctx context.Context) { ran <- struct{}{} })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(block)
	if err := manager.Submit(context.Background(), "u3", func(ctx context.Context) {}); err != nil {
		t.Fatalf("Submit after cancel: %v", err)
	}
	select {
	case <-ran:
		t.Fatalf("abandoned job ran")
	default:
	}
}

func TestPoolRetiresIdleWorkers(t *testing.T) {
	pool := newJobChannelPool(1, 3, time.Hour, logger.Nop())
	defer pool.close()

	chans := []chan Job{pool.acquire(), pool.acquire(), pool.acquire()}
	for _, ch := range chans {
		pool.Release(ch)
	}
	if running, idle := pool.size(); running != 3 || idle != 3 {
		t.Fatalf("expected 3 running and idle, got %d/%d", running, idle)
	}

	pool.shutdownExpired(time.Now().Add(2 * time.Hour))

	deadline := time.Now().Add(time.Second)
	for {
		running, idle := pool.size()
		if running == 1 && idle == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected pool to shrink to min, got %d running %d idle", running, idle)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
