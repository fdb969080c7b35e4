package worker

import "context"

// Job is one unit of outbound work submitted on behalf of a user.
type Job struct {
	UserID string
	Name   string

	ctx  context.Context
	run  func(context.Context) error
	done chan error
	stop bool
}

func (j Job) finish(err error) {
	if j.done != nil {
		j.done <- err
	}
}

type Worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
	quit       chan struct{}
}

func NewWorker(pool *jobChannelPool) *Worker {
	return &Worker{
		pool:       pool,
		jobChannel: make(chan Job),
		quit:       make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			select {
			case job := <-w.jobChannel:
				if job.stop {
					w.pool.retire(w.jobChannel)
					return
				}
				w.execute(job)
				w.pool.Release(w.jobChannel)
			case <-w.quit:
				w.pool.retire(w.jobChannel)
				return
			}
		}
	}()
}

func (w *Worker) execute(job Job) {
	if err := job.ctx.Err(); err != nil {
		job.finish(err)
		return
	}
	trace("run", job)
	job.finish(job.run(job.ctx))
}

func (w *Worker) Stop() {
	close(w.quit)
}
