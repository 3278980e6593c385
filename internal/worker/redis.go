package worker

import (
	"context"
	"time"

	"olmoplayground/internal/logger"
	"olmoplayground/internal/redis"
)

const (
	turnKeyPrefix = "turns:"
	turnTrackTTL  = 30 * time.Minute
)

// TurnTracker counts in-flight turns per thread root in Redis so overlapping
// turns on one thread show up in the logs across replicas.
type TurnTracker struct {
	log    *logger.Logger
	client *redis.Client
	ttl    time.Duration
}

func NewTurnTracker(log *logger.Logger, client *redis.Client) *TurnTracker {
	return &TurnTracker{log: log.With("service", "worker.TurnTracker"), client: client, ttl: turnTrackTTL}
}

// Begin records a turn on root and returns the func that ends it. Redis
// failures are logged and never block the turn.
func (t *TurnTracker) Begin(ctx context.Context, root string) func() {
	if t == nil || t.client == nil || root == "" {
		return func() {}
	}
	key := turnKeyPrefix + root
	n, err := t.client.Incr(ctx, key, t.ttl)
	if err != nil {
		t.log.Warn("track turn failed", "root", root, "error", err)
		return func() {}
	}
	if n > 1 {
		t.log.Warn("concurrent turns on thread", "root", root, "in_flight", n)
	}
	return func() {
		if _, err := t.client.Decr(context.WithoutCancel(ctx), key); err != nil {
			t.log.Warn("untrack turn failed", "root", root, "error", err)
		}
	}
}
