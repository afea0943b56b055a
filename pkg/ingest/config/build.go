package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/internal/observability"
	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/derivative"
	"github.com/tendant/simple-ingest/pkg/ingest/digest"
	"github.com/tendant/simple-ingest/pkg/ingest/metadata"
	"github.com/tendant/simple-ingest/pkg/ingest/mime"
	"github.com/tendant/simple-ingest/pkg/ingest/queue/memory"
	"github.com/tendant/simple-ingest/pkg/ingest/queue/redis"
	repomemory "github.com/tendant/simple-ingest/pkg/ingest/repo/memory"
	repopg "github.com/tendant/simple-ingest/pkg/ingest/repo/postgres"
	fsstorage "github.com/tendant/simple-ingest/pkg/ingest/storage/fs"
	memorystorage "github.com/tendant/simple-ingest/pkg/ingest/storage/memory"
	s3storage "github.com/tendant/simple-ingest/pkg/ingest/storage/s3"
	"github.com/tendant/simple-ingest/pkg/ingest/worker"
)

// Runtime is the process-wide wiring assembled from a Config
type Runtime struct {
	Manager    *ingest.Manager
	Dispatcher ingest.Dispatcher
	Receiver   ingest.Receiver
	Storage    ingest.Storage
	Metrics    *observability.Metrics

	config  *Config
	logger  *zap.Logger
	closers []func()
}

// Close releases the connections opened by Build, in reverse order
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// NewWorkerPool creates a worker pool over the runtime's receiver
func (r *Runtime) NewWorkerPool() *worker.Pool {
	return worker.New(r.Receiver, r.Manager, worker.Config{
		Queue:       ingest.QueueUploads,
		Concurrency: r.config.Worker.Concurrency,
		MaxAttempts: r.config.Worker.MaxAttempts,
	}, worker.WithLogger(r.logger), worker.WithMetrics(r.Metrics))
}

// Build creates the repository, storage backend, queue and manager the
// configuration describes. A nil metrics disables instrumentation.
func (c *Config) Build(ctx context.Context, logger *zap.Logger, metrics *observability.Metrics) (*Runtime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt := &Runtime{config: c, logger: logger, Metrics: metrics}

	if err := os.MkdirAll(c.StagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}

	options := []ingest.Option{
		ingest.WithStagingDir(c.StagingDir),
		ingest.WithLogger(logger),
		ingest.WithHasher(digest.New()),
		ingest.WithInspector(mime.NewInspector(
			mime.WithFileCommand(c.FileCommand),
			mime.WithInspectorLogger(logger))),
		ingest.WithAnalyzer(metadata.New(
			metadata.WithMaxSize(c.MaxAnalyze),
			metadata.WithLogger(logger))),
		ingest.WithGenerator(derivative.New(
			derivative.WithSizes(c.Derivatives),
			derivative.WithQuality(c.JPEGQuality),
			derivative.WithLogger(logger))),
	}

	repoOpts, err := c.buildRepository(ctx, rt)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	options = append(options, repoOpts...)

	store, err := c.buildStorage(ctx)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build storage backend %s: %w", c.Storage.Type, err)
	}
	rt.Storage = store
	options = append(options, ingest.WithStorage(store))

	if err := c.buildQueue(ctx, rt); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build queue %s: %w", c.Queue.Type, err)
	}
	options = append(options, ingest.WithDispatcher(rt.Dispatcher))

	var events ingest.EventSink = ingest.NewNoopEventSink()
	if c.EventLog {
		events = ingest.NewLoggingEventSink(logger)
	}
	if metrics != nil {
		events = observability.NewMetricsEventSink(events, metrics)
	}
	options = append(options, ingest.WithEventSink(events))

	manager, err := ingest.New(options...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Manager = manager
	return rt, nil
}

// buildRepository returns the manager options for record persistence. The
// postgres repository also serves as the parent item lookup.
func (c *Config) buildRepository(ctx context.Context, rt *Runtime) ([]ingest.Option, error) {
	if !c.UsesPostgres() {
		return []ingest.Option{ingest.WithRepository(repomemory.New())}, nil
	}

	pool, err := pgxpool.New(ctx, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	repo := repopg.NewWithPool(pool)
	if c.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return []ingest.Option{ingest.WithRepository(repo), ingest.WithItemLookup(repo)}, nil
}

func (c *Config) buildStorage(ctx context.Context) (ingest.Storage, error) {
	switch c.Storage.Type {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{
			BaseDir:   c.Storage.BaseDir,
			URLPrefix: c.Storage.URLPrefix,
		})
	case "s3":
		s3 := c.Storage.S3
		return s3storage.New(ctx, s3storage.Config{
			Region:                 s3.Region,
			Bucket:                 s3.Bucket,
			AccessKeyID:            s3.AccessKeyID,
			SecretAccessKey:        s3.SecretAccessKey,
			Endpoint:               s3.Endpoint,
			UsePathStyle:           s3.UsePathStyle,
			KeyPrefix:              s3.KeyPrefix,
			PublicBaseURL:          s3.PublicBaseURL,
			EnableSSE:              s3.EnableSSE,
			SSEAlgorithm:           s3.SSEAlgorithm,
			SSEKMSKeyID:            s3.SSEKMSKeyID,
			CreateBucketIfNotExist: s3.CreateBucketIfNotExist,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", c.Storage.Type)
	}
}

func (c *Config) buildQueue(ctx context.Context, rt *Runtime) error {
	switch c.Queue.Type {
	case "memory":
		q := memory.New(memory.DefaultCapacity)
		rt.closers = append(rt.closers, func() { _ = q.Close() })
		rt.Dispatcher, rt.Receiver = q, q
		return nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     c.Queue.RedisAddr,
			Password: c.Queue.RedisPassword,
			DB:       c.Queue.RedisDB,
		})
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		q := redis.New(client, redis.Config{KeyPrefix: c.Queue.KeyPrefix}, rt.logger)
		rt.Dispatcher, rt.Receiver = q, q
		return nil
	default:
		return errors.New("unsupported queue type: " + c.Queue.Type)
	}
}
