package ingest

import (
	"time"

	"go.uber.org/zap"
)

// Option represents a functional option for configuring the manager
type Option func(*Manager)

// WithRepository sets the file record repository
func WithRepository(repo Repository) Option {
	return func(m *Manager) {
		m.repository = repo
	}
}

// WithStorage sets the durable storage backend
func WithStorage(storage Storage) Option {
	return func(m *Manager) {
		m.storage = storage
	}
}

// WithDispatcher sets the job dispatcher used after creation
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(m *Manager) {
		m.dispatcher = dispatcher
	}
}

// WithHasher sets the content hasher
func WithHasher(hasher Hasher) Option {
	return func(m *Manager) {
		m.hasher = hasher
	}
}

// WithInspector sets the creation-time content inspector
func WithInspector(inspector Inspector) Option {
	return func(m *Manager) {
		m.inspector = inspector
	}
}

// WithAnalyzer sets the background media analyzer
func WithAnalyzer(analyzer Analyzer) Option {
	return func(m *Manager) {
		m.analyzer = analyzer
	}
}

// WithGenerator sets the derivative generator
func WithGenerator(generator DerivativeGenerator) Option {
	return func(m *Manager) {
		m.generator = generator
	}
}

// WithStagingDir sets the local directory holding staged uploads and
// their derivatives until they are stored
func WithStagingDir(dir string) Option {
	return func(m *Manager) {
		m.stagingDir = dir
	}
}

// WithItemLookup enables parent item verification on create
func WithItemLookup(items ItemLookup) Option {
	return func(m *Manager) {
		m.items = items
	}
}

// WithEventSink sets the event sink for lifecycle events
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) {
		m.events = sink
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}
