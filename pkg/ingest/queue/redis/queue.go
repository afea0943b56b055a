// Package redis provides a reliable job queue on Redis lists.
//
// Each named queue is a list. Receive atomically moves a job onto a
// per-queue processing list, so a worker that dies before acknowledging
// leaves the job recoverable with Recover.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

// Config options for the redis queue
type Config struct {
	KeyPrefix    string        // Prefix of every key (default "ingest")
	BlockTimeout time.Duration // How long one blocking receive waits (default 1s)
}

// Queue implements ingest.Dispatcher and ingest.Receiver
type Queue struct {
	client       redis.UniversalClient
	prefix       string
	blockTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a queue over an existing client
func New(client redis.UniversalClient, config Config, logger *zap.Logger) *Queue {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "ingest"
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:       client,
		prefix:       config.KeyPrefix,
		blockTimeout: config.BlockTimeout,
		logger:       logger.Named("redis-queue"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

var (
	_ ingest.Dispatcher = (*Queue)(nil)
	_ ingest.Receiver   = (*Queue)(nil)
)

func (q *Queue) pendingKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, queue)
}

func (q *Queue) processingKey(queue string) string {
	return fmt.Sprintf("%s:queue:%s:processing", q.prefix, queue)
}

// Enqueue pushes a job onto the queue
func (q *Queue) Enqueue(ctx context.Context, queue, jobType string, payload ingest.JobPayload) error {
	raw, err := json.Marshal(ingest.Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: q.now(),
	})
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(queue), raw).Err(); err != nil {
		return fmt.Errorf("enqueue on %s: %w", queue, err)
	}
	return nil
}

// Receive blocks until a job is available or ctx is done. The job stays on
// the processing list until it is acknowledged.
func (q *Queue) Receive(ctx context.Context, queue string) (ingest.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := q.client.BLMove(ctx, q.pendingKey(queue), q.processingKey(queue), "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receive from %s: %w", queue, err)
		}

		var job ingest.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("dropping undecodable job", zap.String("queue", queue), zap.Error(err))
			q.client.LRem(ctx, q.processingKey(queue), 1, raw)
			continue
		}
		return &delivery{queue: q, name: queue, raw: raw, job: job}, nil
	}
}

// Recover moves every job left on the processing list back onto the
// queue. It is meant to run before workers start.
func (q *Queue) Recover(ctx context.Context, queue string) (int, error) {
	n := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(queue), q.pendingKey(queue), "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("recover %s: %w", queue, err)
		}
		n++
	}
}

// Len returns the number of pending jobs on queue
func (q *Queue) Len(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey(queue)).Result()
}

type delivery struct {
	queue *Queue
	name  string
	raw   string
	job   ingest.Job
}

func (d *delivery) Job() ingest.Job {
	return d.job
}

func (d *delivery) Ack(ctx context.Context) error {
	if err := d.queue.client.LRem(ctx, d.queue.processingKey(d.name), 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.job.ID, err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	if !requeue {
		return d.Ack(ctx)
	}

	job := d.job
	job.Attempts++
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = d.queue.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.queue.processingKey(d.name), 1, d.raw)
		pipe.LPush(ctx, d.queue.pendingKey(d.name), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", d.job.ID, err)
	}
	return nil
}
