package worker

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDispatcherBusy is returned when the job queue or a user's backlog is full.
var ErrDispatcherBusy = errors.New("dispatcher busy")

// ErrDispatcherClosed is returned for jobs submitted or pending after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

const maxJobsPerUser = 16

// DispatcherConfig sizes the worker pool and the intake queue.
type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

type userQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher runs outbound jobs on an elastic worker pool. Users are served
// round-robin so one chatty user cannot starve the others.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // intake for Submit

	mu        sync.Mutex
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // round-robin list of user ids
	positions map[string]*list.Element
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		pool:      newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdleTimeout),
		JobQueue:  make(chan Job, queueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		quit:      make(chan struct{}),
	}

	for i := 0; i < cfg.MinWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues fn for userID and waits for it to finish. It does not block
// on a full queue: ErrDispatcherBusy is returned instead.
func (d *Dispatcher) Submit(ctx context.Context, userID, name string, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("job function required")
	}
	select {
	case <-d.quit:
		return ErrDispatcherClosed
	default:
	}
	job := Job{
		UserID: userID,
		Name:   name,
		ctx:    ctx,
		run:    fn,
		done:   make(chan error, 1),
	}
	select {
	case d.JobQueue <- job:
	default:
		return ErrDispatcherBusy
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.quit:
		return ErrDispatcherClosed
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
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

// Close stops dispatching and shuts the workers down. Pending jobs fail with
// ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()

		d.mu.Lock()
		for userID, q := range d.queues {
			for _, job := range q.jobs {
				job.finish(ErrDispatcherClosed)
			}
			delete(d.queues, userID)
		}
		d.ready.Init()
		clear(d.positions)
		d.mu.Unlock()

		for {
			select {
			case job := <-d.JobQueue:
				job.finish(ErrDispatcherClosed)
			default:
				return
			}
		}
	})
}

func (d *Dispatcher) enqueueJob(job Job) {
	userID := job.UserID

	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[userID]
	if q == nil {
		q = &userQueue{}
		d.queues[userID] = q
	}
	if len(q.jobs) >= maxJobsPerUser {
		job.finish(ErrDispatcherBusy)
		return
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[userID] = d.ready.PushBack(userID)
}

// dispatchOne hands the next job of the user at the front of the ready list
// to a worker
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, userID)
		delete(d.queues, userID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		job.finish(ErrDispatcherClosed)
		return false
	}
	trace("dispatch", job)
	select {
	case workerChan <- job:
	case <-d.quit:
		job.finish(ErrDispatcherClosed)
	}
	return true
}
