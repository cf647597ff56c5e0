package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueStarted = errors.New("queue: already started")
	ErrQueueStopped = errors.New("queue: stopped")
	ErrQueueFull    = errors.New("queue: buffer full")
)

// Job is one unit of inbound-event work. Events flow through the queue
// exactly once: there is no retry policy because the reconciler treats a
// failed event as operator-resubmit, never automatic replay.
type Job struct {
	ID             string
	AttemptTimeout time.Duration
	Run            func(context.Context) error
}

// Queue is a buffered worker queue between the transports (chat poll loop,
// SMS poll job, webhook server) and the reconciler.
type Queue struct {
	mu       sync.Mutex
	jobs     chan Job
	started  bool
	stopping bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	nextID    atomic.Uint64
	inFlight  atomic.Int64
	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type Stats struct {
	Started   bool   `json:"started"`
	Depth     int    `json:"depth"`
	Capacity  int    `json:"capacity"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

func New(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{jobs: make(chan Job, buffer)}
}

// Enqueue never blocks: a full buffer is an error the caller logs, since
// transports must keep draining their update feeds.
func (q *Queue) Enqueue(job Job) (string, error) {
	if job.Run == nil {
		return "", errors.New("queue: job run callback is required")
	}
	if job.ID == "" {
		job.ID = fmt.Sprintf("q-%d", q.nextID.Add(1))
	}

	q.mu.Lock()
	stopping := q.stopping
	q.mu.Unlock()
	if stopping {
		return "", ErrQueueStopped
	}

	select {
	case q.jobs <- job:
		q.enqueued.Add(1)
		return job.ID, nil
	default:
		return "", ErrQueueFull
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()

	return Stats{
		Started:   started,
		Depth:     len(q.jobs),
		Capacity:  cap(q.jobs),
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *Queue) Start(parent context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrQueueStarted
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.stopping = false
	q.mu.Unlock()

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return nil
}

// Stop drains pending jobs before cancelling the workers, bounded by the
// timeout.
func (q *Queue) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.stopping = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.stopping = false
		q.mu.Unlock()
	}()

	deadline := time.Now().Add(timeout)
	for timeout > 0 && time.Now().Before(deadline) {
		if len(q.jobs) == 0 && q.inFlight.Load() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.wg.Wait()
	}()

	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(time.Until(deadline) + 50*time.Millisecond):
		return fmt.Errorf("queue: stop timeout after %s", timeout)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.inFlight.Add(1)
			q.runOnce(ctx, job)
			q.inFlight.Add(-1)
		}
	}
}

func (q *Queue) runOnce(parent context.Context, job Job) {
	runCtx := parent
	cancel := func() {}
	if job.AttemptTimeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, job.AttemptTimeout)
	}
	err := job.Run(runCtx)
	cancel()
	if err != nil {
		q.failed.Add(1)
		return
	}
	q.completed.Add(1)
}
