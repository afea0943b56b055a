package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/internal/observability"
)

// Requeuer re-enqueues records left below the stored state
type Requeuer interface {
	RequeueIncomplete(ctx context.Context, olderThan time.Duration) (int, error)
}

// Sweeper periodically re-enqueues files whose pipeline stalled, such as
// records whose enqueue failed at creation or whose jobs were abandoned.
type Sweeper struct {
	cron     *cron.Cron
	requeuer Requeuer
	age      time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewSweeper schedules a sweep on a cron spec such as "@every 5m" or
// "*/10 * * * *". Files modified within age are left alone.
func NewSweeper(requeuer Requeuer, schedule string, age time.Duration, logger *zap.Logger, metrics *observability.Metrics) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		cron:     cron.New(),
		requeuer: requeuer,
		age:      age,
		logger:   logger.Named("sweeper"),
		metrics:  metrics,
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass and returns how many files were re-enqueued
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.requeuer.RequeueIncomplete(ctx, s.age)
	if err != nil {
		s.logger.Error("sweep incomplete", zap.Int("requeued", n), zap.Error(err))
	}
	s.metrics.Requeued(n)
	return n
}
