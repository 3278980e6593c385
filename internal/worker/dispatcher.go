package worker

import (
	"container/list"
	"sync"
	"time"

	"olmoplayground/internal/logger"
	"olmoplayground/internal/metrics"
)

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands queued jobs to pool workers, one user at a time in
// round-robin order so a user with many turns cannot starve the others.
type Dispatcher struct {
	log      *logger.Logger
	pool     *jobChannelPool
	JobQueue chan Job // entry point for submitted jobs
	quit     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	queues    map[string]*userQueue // pending jobs per user
	ready     *list.List            // users with pending jobs, least recently served first
	positions map[string]*list.Element
}

func NewDispatcher(log *logger.Logger, minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		log:       log,
		pool:      newJobChannelPool(minWorkers, maxWorkers, idleTimeout, log),
		JobQueue:  make(chan Job, queueSize),
		quit:      make(chan struct{}),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			// nothing pending: block until a job arrives
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.quit:
			return
		default:
		}
	}
}

// CancelUser drops every job the user still has waiting.
func (d *Dispatcher) CancelUser(userKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userKey]
	delete(d.queues, userKey)
	if elem, ok := d.positions[userKey]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userKey)
	}
	if q == nil {
		return 0
	}
	for _, job := range q.jobs {
		job.cancel()
		metrics.WorkerQueueDepth.Dec()
	}
	return len(q.jobs)
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserKey]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserKey] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.UserKey] = d.ready.PushBack(job.UserKey)
}

// dispatchOne takes the next job of the user at the front of the ready list.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userKey := elem.Value.(string)
	q := d.queues[userKey]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userKey)
		delete(d.queues, userKey)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()
	metrics.WorkerQueueDepth.Dec()

	workerChan := d.pool.acquire()
	d.log.Debug("job assigned", "user", userKey, "worker", d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

// pending counts jobs accepted but not yet handed to a worker.
func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.JobQueue)
	for _, q := range d.queues {
		n += len(q.jobs)
	}
	return n
}

// Stop cancels queued jobs and retires idle workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		keys := make([]string, 0, len(d.queues))
		for key := range d.queues {
			keys = append(keys, key)
		}
		d.mu.Unlock()
		for _, key := range keys {
			d.CancelUser(key)
		}
	drain:
		for {
			select {
			case job := <-d.JobQueue:
				job.cancel()
				metrics.WorkerQueueDepth.Dec()
			default:
				break drain
			}
		}
		d.pool.close()
	})
}
