// Package memory provides an in-process job queue for tests and single
// process deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

// DefaultCapacity is the buffer size of each named queue.
const DefaultCapacity = 1024

var (
	// ErrClosed is returned once the queue has been closed
	ErrClosed = errors.New("queue closed")

	// ErrFull is returned by a requeue that found no free slot. The job is
	// dropped; the record stays incomplete until the retry sweep finds it.
	ErrFull = errors.New("queue full")
)

// Queue implements ingest.Dispatcher and ingest.Receiver over channels
type Queue struct {
	mu       sync.Mutex
	queues   map[string]chan ingest.Job
	capacity int
	closed   chan struct{}
	once     sync.Once
	now      func() time.Time
}

// New creates an in-memory queue. A non-positive capacity uses
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		queues:   make(map[string]chan ingest.Job),
		capacity: capacity,
		closed:   make(chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ ingest.Dispatcher = (*Queue)(nil)
	_ ingest.Receiver   = (*Queue)(nil)
)

func (q *Queue) channel(name string) chan ingest.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[name]
	if !ok {
		ch = make(chan ingest.Job, q.capacity)
		q.queues[name] = ch
	}
	return ch
}

// Enqueue adds a job, blocking while the queue is full
func (q *Queue) Enqueue(ctx context.Context, queue, jobType string, payload ingest.JobPayload) error {
	return q.push(ctx, ingest.Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: q.now(),
	})
}

func (q *Queue) push(ctx context.Context, job ingest.Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.channel(job.Queue) <- job:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryPush adds job only when a slot is free. Nack runs on a worker that
// would otherwise wait on its own queue.
func (q *Queue) tryPush(job ingest.Job) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.channel(job.Queue) <- job:
		return nil
	default:
		return ErrFull
	}
}

// Receive waits for the next job on queue
func (q *Queue) Receive(ctx context.Context, queue string) (ingest.Delivery, error) {
	select {
	case job := <-q.channel(queue):
		return &delivery{queue: q, job: job}, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of jobs waiting on queue
func (q *Queue) Len(queue string) int {
	return len(q.channel(queue))
}

// Close stops the queue; pending receivers return ErrClosed
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

type delivery struct {
	queue *Queue
	job   ingest.Job
	mu    sync.Mutex
	done  bool
}

func (d *delivery) Job() ingest.Job {
	return d.job
}

func (d *delivery) settle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.done = true
	return true
}

func (d *delivery) Ack(ctx context.Context) error {
	d.settle()
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !d.settle() || !requeue {
		return nil
	}
	job := d.job
	job.Attempts++
	return d.queue.tryPush(job)
}
