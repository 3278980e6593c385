package worker

import (
	"context"
	"sync/atomic"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

const (
	jobPending int32 = iota
	jobRunning
	jobCanceled
)

// Job is one unit of work queued on behalf of a user.
type Job struct {
	Type    JobType
	UserKey string
	ctx     context.Context
	fn      func(ctx context.Context)
	state   *atomic.Int32
	done    chan struct{}
}

func newJob(ctx context.Context, userKey string, fn func(ctx context.Context)) Job {
	return Job{
		Type:    Run,
		UserKey: userKey,
		ctx:     ctx,
		fn:      fn,
		state:   new(atomic.Int32),
		done:    make(chan struct{}),
	}
}

// start claims the job for a worker. It fails when the submitter already gave
// up on it.
func (j Job) start() bool {
	return j.state.CompareAndSwap(jobPending, jobRunning)
}

// abandon marks a job that has not started yet as canceled.
func (j Job) abandon() bool {
	return j.state.CompareAndSwap(jobPending, jobCanceled)
}

// cancel releases the submitter of a job that will never run.
func (j Job) cancel() {
	if j.abandon() {
		close(j.done)
	}
}

func (j Job) canceled() bool {
	return j.state.Load() == jobCanceled
}

func (j Job) run() {
	defer close(j.done)
	if !j.start() {
		return
	}
	if j.ctx.Err() != nil {
		return
	}
	j.fn(j.ctx)
}
