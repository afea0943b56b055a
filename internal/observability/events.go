package observability

import (
	"context"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

// MetricsEventSink counts lifecycle events before passing them on
type MetricsEventSink struct {
	next    ingest.EventSink
	metrics *Metrics
}

// NewMetricsEventSink wraps next. A nil next is replaced by a no-op sink.
func NewMetricsEventSink(next ingest.EventSink, metrics *Metrics) *MetricsEventSink {
	if next == nil {
		next = ingest.NewNoopEventSink()
	}
	return &MetricsEventSink{next: next, metrics: metrics}
}

var _ ingest.EventSink = (*MetricsEventSink)(nil)

func (s *MetricsEventSink) FileCreated(ctx context.Context, rec *ingest.FileRecord) error {
	s.metrics.FileCreated()
	return s.next.FileCreated(ctx, rec)
}

func (s *MetricsEventSink) FileProcessed(ctx context.Context, rec *ingest.FileRecord, outcome ingest.ProcessOutcome) error {
	return s.next.FileProcessed(ctx, rec, outcome)
}

func (s *MetricsEventSink) FileStored(ctx context.Context, rec *ingest.FileRecord) error {
	return s.next.FileStored(ctx, rec)
}

func (s *MetricsEventSink) FileDeleted(ctx context.Context, id int64) error {
	return s.next.FileDeleted(ctx, id)
}
