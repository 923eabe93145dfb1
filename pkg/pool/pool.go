// Package pool implements the bounded worker pool shared by both listeners:
// a fixed number of goroutines pulling jobs from a shared queue, every wait
// bounded by a deadline so no worker blocks forever.
package pool

import (
	"context"
	"sync"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
)

// Job is one unit of work: typically the lifetime of one accepted
// connection, or a coordinator's subsidiary replica query.
type Job func(ctx context.Context)

// Pool is a bounded pool of worker goroutines pulling Jobs from a shared
// channel-backed queue, Go's idiomatic stand-in for a mutex+condvar job
// queue since channels already provide exactly that discipline.
type Pool struct {
	jobs   chan Job
	log    *logging.Logger
	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

// New starts size worker goroutines, each looping on the shared job queue
// until Shutdown is called.
func New(size int, log *logging.Logger) *Pool {
	p := &Pool{
		jobs:   make(chan Job, size*4),
		log:    log,
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(job)
		case <-p.closed:
			return
		}
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			if p.log != nil {
				p.log.Printf("worker recovered from panic: %v", r)
			}
		}
	}()
	job(context.Background())
}

// Submit enqueues job for execution, blocking if the queue is full until
// either a slot frees up or ctx is cancelled.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	select {
	case <-p.closed:
		return cqlerror.New(cqlerror.Overloaded, "pool: shut down, rejecting job")
	default:
	}
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return cqlerror.Wrap(ctx.Err(), "pool: submit deadline exceeded")
	case <-p.closed:
		return cqlerror.New(cqlerror.Overloaded, "pool: shut down, rejecting job")
	}
}

// Shutdown signals every worker to stop pulling new jobs and waits for
// in-flight jobs to drain.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
}
