package shufflefs

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
)

// workerPool runs queued I/O jobs on a fixed set of goroutines. A panicking
// job is converted to an error and handed to its completion callback.
type workerPool struct {
	jobs chan poolJob
	log  logrus.FieldLogger

	mu     sync.RWMutex // guards closed and sends on jobs
	closed bool
	wg     sync.WaitGroup
}

type poolJob struct {
	run  func() error
	done func(error)
}

func newWorkerPool(numWorkers int, log logrus.FieldLogger) *workerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &workerPool{
		jobs: make(chan poolJob, numWorkers*4),
		log:  log,
	}

	p.wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job.done(p.runJob(job.run))
			}
		}()
	}
	return p
}

func (p *workerPool) runJob(run func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pipeline worker: %v", r)
			p.log.WithField("panic", r).Error("recovered from worker panic")
		}
	}()
	return run()
}

// submit queues run; done receives its result exactly once. submit fails
// with ErrInterrupted if ctx ends while the queue is full and with
// ErrDeviceClosed once the pool is closed; done is not called in either case.
func (p *workerPool) submit(ctx context.Context, run func() error, done func(error)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrDeviceClosed
	}

	select {
	case p.jobs <- poolJob{run: run, done: done}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: queueing request: %v", ErrInterrupted, ctx.Err())
	}
}

// close stops accepting jobs, drains the queue and waits for the workers.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}
