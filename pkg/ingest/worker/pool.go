// Package worker runs ProcessUploadJob deliveries against the lifecycle
// manager with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-ingest/internal/observability"
	"github.com/tendant/simple-ingest/pkg/ingest"
)

const (
	DefaultConcurrency  = 4
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = time.Second
)

// Handler executes one upload job
type Handler interface {
	HandleJob(ctx context.Context, payload ingest.JobPayload) error
}

// recoverer is implemented by receivers that keep unacknowledged jobs
// aside and can put them back on the queue.
type recoverer interface {
	Recover(ctx context.Context, queue string) (int, error)
}

// Config for a worker pool
type Config struct {
	Queue        string
	Concurrency  int
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Pool receives jobs from a queue and hands them to a Handler
type Pool struct {
	receiver ingest.Receiver
	handler  Handler
	config   Config
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures a Pool
type Option func(*Pool)

// WithLogger sets the pool logger
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithMetrics records job outcomes on metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// New creates a pool. Zero config values take their defaults.
func New(receiver ingest.Receiver, handler Handler, config Config, opts ...Option) *Pool {
	if config.Queue == "" {
		config.Queue = ingest.QueueUploads
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}

	p := &Pool{
		receiver: receiver,
		handler:  handler,
		config:   config,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("worker")
	return p
}

// Run starts Concurrency receive loops and blocks until ctx is done. Jobs
// already being handled are allowed to finish.
func (p *Pool) Run(ctx context.Context) error {
	if r, ok := p.receiver.(recoverer); ok {
		n, err := r.Recover(ctx, p.config.Queue)
		if err != nil {
			return err
		}
		if n > 0 {
			p.logger.Info("recovered unacknowledged jobs", zap.Int("count", n))
		}
	}

	p.logger.Info("worker pool started",
		zap.String("queue", p.config.Queue),
		zap.Int("concurrency", p.config.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		g.Go(func() error {
			return p.loop(gctx)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		delivery, err := p.receiver.Receive(ctx, p.config.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.config.RetryBackoff):
			}
			continue
		}
		p.Handle(ctx, delivery)
	}
}

// Handle runs a single delivery and settles it. Transient failures are
// requeued until MaxAttempts is reached; failures no retry can fix are
// acknowledged.
func (p *Pool) Handle(ctx context.Context, delivery ingest.Delivery) {
	job := delivery.Job()
	log := p.logger.With(
		zap.String("job_id", job.ID),
		zap.Int64("file_id", job.Payload.FileID),
		zap.Int("attempt", job.Attempts+1))
	done := p.metrics.JobStarted()

	// settling must survive shutdown of the receive loop
	settleCtx := context.WithoutCancel(ctx)

	if job.Type != ingest.JobTypeProcessUpload {
		log.Error("unknown job type", zap.String("type", job.Type))
		p.settle(settleCtx, log, delivery, false, false)
		done(observability.OutcomeUnknown)
		return
	}

	ctx, span := otel.Tracer("simple-ingest/worker").Start(ctx, job.Type)
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int64("file.id", job.Payload.FileID),
		attribute.Int("job.attempts", job.Attempts))
	defer span.End()

	err := p.handler.HandleJob(ctx, job.Payload)
	if err == nil {
		log.Info("job completed")
		p.settle(settleCtx, log, delivery, true, false)
		done(observability.OutcomeStored)
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case permanent(err):
		log.Error("job failed permanently", zap.Error(err))
		p.settle(settleCtx, log, delivery, false, false)
		done(observability.OutcomeFailed)
	case job.Attempts+1 >= p.config.MaxAttempts:
		log.Error("job abandoned after max attempts", zap.Error(err))
		p.settle(settleCtx, log, delivery, false, false)
		done(observability.OutcomeAbandoned)
	default:
		log.Warn("job failed, requeueing", zap.Error(err))
		p.settle(settleCtx, log, delivery, false, true)
		done(observability.OutcomeRetried)
	}
}

func (p *Pool) settle(ctx context.Context, log *zap.Logger, delivery ingest.Delivery, ack, requeue bool) {
	var err error
	if ack {
		err = delivery.Ack(ctx)
	} else {
		err = delivery.Nack(ctx, requeue)
	}
	if err != nil {
		log.Error("failed to settle job", zap.Bool("ack", ack), zap.Bool("requeue", requeue), zap.Error(err))
	}
}

// permanent reports failures that redelivery cannot fix
func permanent(err error) bool {
	return errors.Is(err, ingest.ErrFileNotFound) ||
		errors.Is(err, ingest.ErrNotReadable) ||
		errors.Is(err, ingest.ErrInvalidState)
}
