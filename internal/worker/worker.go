package worker

import "olmoplayground/internal/logger"

type Worker struct {
	id         int
	log        *logger.Logger
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(id int, pool *jobChannelPool, log *logger.Logger) *Worker {
	return &Worker{
		id:         id,
		log:        log,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				w.log.Debug("worker stopped", "worker", w.id)
				return
			}
			w.execute(job)
			w.pool.Release(w.jobChannel)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job panicked", "worker", w.id, "user", job.UserKey, "panic", r)
		}
	}()
	job.run()
}
