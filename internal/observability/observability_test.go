package observability_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest/internal/observability"
	"github.com/tendant/simple-ingest/pkg/ingest"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{"development", "production"} {
		logger, err := observability.NewLogger(env)
		require.NoError(t, err, env)
		assert.NotNil(t, logger)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	m := observability.NewMetrics()
	m.JobStarted()(observability.OutcomeStored)
	m.JobStarted()(observability.OutcomeRetried)
	m.Requeued(3)

	sink := observability.NewMetricsEventSink(nil, m)
	require.NoError(t, sink.FileCreated(context.Background(), &ingest.FileRecord{ID: 1}))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `ingest_jobs_total{outcome="stored"} 1`)
	assert.Contains(t, body, `ingest_jobs_total{outcome="retried"} 1`)
	assert.Contains(t, body, "ingest_files_created_total 1")
	assert.Contains(t, body, "ingest_files_requeued_total 3")
	assert.Contains(t, body, "ingest_jobs_in_flight 0")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *observability.Metrics
	assert.NotPanics(t, func() {
		m.JobStarted()(observability.OutcomeFailed)
		m.FileCreated()
		m.Requeued(1)
	})
}
