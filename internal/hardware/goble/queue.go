package goble

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/bleproxy/internal/groutine"
)

// serialQueue runs submitted jobs one at a time in submission order on a single named
// goroutine. Submit never blocks: the backlog is unbounded, so a slow delegate or a slow
// GATT exchange cannot stall the proxy that issued the command.
type serialQueue struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	jobs    []func()
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newSerialQueue(name string, logger *logrus.Logger) *serialQueue {
	q := &serialQueue{
		name:    name,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	groutine.Go(context.Background(), name, q.run)
	return q
}

// submit enqueues job. Jobs submitted after close are dropped.
func (q *serialQueue) submit(job func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.WithField("queue", q.name).Debug("Dropping job submitted to closed queue")
		return
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue once the jobs already submitted have run.
func (q *serialQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// done is closed when the queue goroutine has exited.
func (q *serialQueue) done() <-chan struct{} {
	return q.stopped
}

func (q *serialQueue) run(ctx context.Context) {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		batch := q.jobs
		q.jobs = nil
		closed := q.closed
		q.mu.Unlock()

		for _, job := range batch {
			q.runJob(job)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

func (q *serialQueue) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{"queue": q.name, "panic": r}).Error("Job panicked")
		}
	}()
	job()
}
