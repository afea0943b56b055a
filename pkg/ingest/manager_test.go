package ingest_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/derivative"
	"github.com/tendant/simple-ingest/pkg/ingest/digest"
	"github.com/tendant/simple-ingest/pkg/ingest/metadata"
	queuememory "github.com/tendant/simple-ingest/pkg/ingest/queue/memory"
	repomemory "github.com/tendant/simple-ingest/pkg/ingest/repo/memory"
	memorystorage "github.com/tendant/simple-ingest/pkg/ingest/storage/memory"
)

type fixture struct {
	manager *ingest.Manager
	repo    *repomemory.Repository
	storage *memorystorage.Backend
	queue   *queuememory.Queue
	events  *recordingSink
	staging string
}

// newFixture wires a manager over in-memory collaborators with the real
// analyzer and derivative generator. Later options override earlier ones.
func newFixture(t *testing.T, opts ...ingest.Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:    repomemory.New(),
		storage: memorystorage.New(),
		queue:   queuememory.New(16),
		events:  &recordingSink{},
		staging: t.TempDir(),
	}
	base := []ingest.Option{
		ingest.WithRepository(f.repo),
		ingest.WithStorage(f.storage),
		ingest.WithDispatcher(f.queue),
		ingest.WithHasher(digest.New()),
		ingest.WithAnalyzer(metadata.New()),
		ingest.WithGenerator(derivative.New()),
		ingest.WithItemLookup(repomemory.NewItems(1)),
		ingest.WithEventSink(f.events),
		ingest.WithStagingDir(f.staging),
	}
	m, err := ingest.New(append(base, opts...)...)
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *fixture) stage(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.staging, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) create(t *testing.T, name, reported string, data []byte) *ingest.FileRecord {
	t.Helper()
	rec, err := f.manager.Create(context.Background(), ingest.CreateFileRequest{
		ItemID:           1,
		StagedPath:       f.stage(t, name, data),
		OriginalFilename: "upload-" + name,
		ReportedMIMEType: reported,
	})
	require.NoError(t, err)
	return rec
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

type recordingSink struct {
	mu      sync.Mutex
	created []int64
	stored  []int64
	deleted []int64
	outcome []ingest.ProcessOutcome
}

func (s *recordingSink) FileCreated(ctx context.Context, rec *ingest.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, rec.ID)
	return nil
}

func (s *recordingSink) FileProcessed(ctx context.Context, rec *ingest.FileRecord, outcome ingest.ProcessOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = append(s.outcome, outcome)
	return nil
}

func (s *recordingSink) FileStored(ctx context.Context, rec *ingest.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, rec.ID)
	return errors.New("sink errors are only logged")
}

func (s *recordingSink) FileDeleted(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

type analyzerFunc func(ctx context.Context, path string) (*ingest.Analysis, error)

func (f analyzerFunc) Analyze(ctx context.Context, path string) (*ingest.Analysis, error) {
	return f(ctx, path)
}

type failingDispatcher struct {
	mu   sync.Mutex
	fail bool
	next ingest.Dispatcher
}

func (d *failingDispatcher) Enqueue(ctx context.Context, queue, jobType string, payload ingest.JobPayload) error {
	d.mu.Lock()
	fail := d.fail
	d.mu.Unlock()
	if fail {
		return errors.New("broker unavailable")
	}
	return d.next.Enqueue(ctx, queue, jobType, payload)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := ingest.New()
	assert.Error(t, err)

	_, err = ingest.New(
		ingest.WithRepository(repomemory.New()),
		ingest.WithStorage(memorystorage.New()),
		ingest.WithDispatcher(queuememory.New(1)),
		ingest.WithHasher(digest.New()),
		ingest.WithAnalyzer(metadata.New()),
		ingest.WithGenerator(derivative.New()),
	)
	assert.ErrorContains(t, err, "staging")
}

func TestManager_Create(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "abc.txt", "text/plain; charset=utf-8", []byte("0123456789"))

	assert.NotZero(t, rec.ID)
	assert.Equal(t, "abc.txt", rec.ArchiveFilename)
	assert.Equal(t, "upload-abc.txt", rec.OriginalFilename)
	assert.Equal(t, int64(10), rec.Size)
	assert.Equal(t, "781e5e245d69b566979b86e28d23f2c7", rec.ContentHash)
	assert.Equal(t, "text/plain", rec.MIMEBrowser)
	assert.Equal(t, ingest.StateAnalyzed, rec.State)
	assert.False(t, rec.HasDerivatives)
	assert.False(t, rec.Stored)
	assert.Nil(t, rec.Metadata)

	assert.Equal(t, 1, f.queue.Len(ingest.QueueUploads))
	d, err := f.queue.Receive(context.Background(), ingest.QueueUploads)
	require.NoError(t, err)
	assert.Equal(t, ingest.JobTypeProcessUpload, d.Job().Type)
	assert.Equal(t, rec.ID, d.Job().Payload.FileID)
	assert.Equal(t, []int64{rec.ID}, f.events.created)
}

func TestManager_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, ingest.CreateFileRequest{ItemID: 1, StagedPath: filepath.Join(t.TempDir(), "a.txt")})
	assert.ErrorContains(t, err, "outside staging directory")

	_, err = f.manager.Create(ctx, ingest.CreateFileRequest{ItemID: 99, StagedPath: f.stage(t, "b.txt", []byte("x"))})
	assert.ErrorIs(t, err, ingest.ErrItemNotFound)

	_, err = f.manager.Create(ctx, ingest.CreateFileRequest{ItemID: 1, StagedPath: filepath.Join(f.staging, "missing.txt")})
	assert.ErrorIs(t, err, ingest.ErrIO)

	_, err = f.manager.Create(ctx, ingest.CreateFileRequest{ItemID: 1})
	assert.ErrorIs(t, err, ingest.ErrIO)

	recs, err := f.manager.List(ctx, ingest.ListFilesParams{})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, f.queue.Len(ingest.QueueUploads))
}

// A short text file reported as octet-stream that content inspection cannot
// classify keeps its reported type and stores only the archive.
func TestManager_PipelineUnclassifiedText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "note.txt", "application/octet-stream", []byte("0123456789"))

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", got.MIMEBrowser)
	assert.False(t, got.HasDerivatives)
	assert.True(t, got.Stored)
	assert.Equal(t, ingest.StateStored, got.State)
	assert.Equal(t, []string{"files/note.txt"}, f.storage.Keys())
	assert.Equal(t, 1, f.storage.Writes())
	assert.NoFileExists(t, filepath.Join(f.staging, "note.txt"))

	uri, err := f.manager.WebPath(got, ingest.RepresentationArchive)
	require.NoError(t, err)
	assert.Equal(t, "memory://files/note.txt", uri)

	_, err = f.manager.WebPath(got, ingest.RepresentationThumbnail)
	assert.ErrorIs(t, err, ingest.ErrRepresentationMissing)
	_, err = f.manager.LocalPath(got, ingest.RepresentationArchive)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
}

// A JPEG reported as text/plain is corrected to image/jpeg and stored with
// all three derivatives.
func TestManager_PipelineJPEGReportedAsText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "text/plain", jpegBytes(t, 64, 48))

	before, err := f.manager.LocalPath(rec, ingest.RepresentationArchive)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.staging, "pic.jpg"), before)
	_, err = f.manager.WebPath(rec, ingest.RepresentationArchive)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", got.MIMEType())
	assert.True(t, got.HasDerivatives)
	assert.True(t, got.Stored)
	assert.Equal(t, []string{
		"files/pic.jpg",
		"fullsize/pic.jpg",
		"square_thumbnails/pic.jpg",
		"thumbnails/pic.jpg",
	}, f.storage.Keys())

	require.NotNil(t, got.Metadata)
	assert.Equal(t, 64, got.Metadata.Video["resolution_x"])

	require.Len(t, f.events.outcome, 1)
	assert.Equal(t, ingest.ProcessOutcome{
		MIMEType:       "image/jpeg",
		MIMECorrected:  true,
		HasMetadata:    true,
		HasDerivatives: true,
	}, f.events.outcome[0])
	assert.Equal(t, []int64{rec.ID}, f.events.stored)

	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, entries)

	md, err := f.manager.Metadata(ctx, rec.ID, []string{"resolution_y"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"resolution_y": 48}, md.Video)
	assert.Empty(t, md.Audio)
}

// A derivative that fails to store keeps the record below stored while the
// archive stays reachable; a retry completes it.
func TestManager_PartialStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.png", "image/jpeg", jpegBytes(t, 32, 32))

	f.storage.FailOn("thumbnails/pic.jpg", errors.New("quota exceeded"))

	err := f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID})
	require.ErrorIs(t, err, ingest.ErrPartialStore)
	var pse *ingest.PartialStoreError
	require.ErrorAs(t, err, &pse)
	assert.Contains(t, pse.Failed, ingest.RepresentationThumbnail)
	assert.Contains(t, pse.Stored, ingest.RepresentationArchive)

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.Stored)
	assert.Equal(t, ingest.StateDerived, got.State)
	assert.True(t, got.HasDerivatives)

	archivePath, err := f.storage.PathFor(got.ArchiveFilename, ingest.RepresentationArchive)
	require.NoError(t, err)
	exists, err := f.storage.Exists(ctx, archivePath)
	require.NoError(t, err)
	assert.True(t, exists)

	local, err := f.manager.LocalPath(got, ingest.RepresentationThumbnail)
	require.NoError(t, err)
	assert.FileExists(t, local)
	_, err = f.manager.WebPath(got, ingest.RepresentationArchive)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)

	f.storage.ClearFailures()
	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	got, err = f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Stored)
	assert.Len(t, f.storage.Keys(), 4)
	// the retry resumed at storage; analysis ran once
	assert.Len(t, f.events.outcome, 1)
}

func TestManager_RedeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	writes := f.storage.Writes()

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	assert.Equal(t, writes, f.storage.Writes())
	assert.Len(t, f.events.stored, 1)

	_, _, err := f.manager.Process(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
	_, err = f.manager.Store(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
}

func TestManager_ProcessIsRerunnable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))

	first, _, err := f.manager.Process(ctx, rec.ID)
	require.NoError(t, err)
	second, _, err := f.manager.Process(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, ingest.StateDerived, second.State)
	assert.Equal(t, first.MIMEBrowser, second.MIMEBrowser)
	assert.Equal(t, first.HasDerivatives, second.HasDerivatives)
	assert.Equal(t, first.Metadata, second.Metadata)
}

func TestManager_StoreRequiresDerived(t *testing.T) {
	f := newFixture(t)
	rec := f.create(t, "a.txt", "text/plain", []byte("abc"))

	_, err := f.manager.Store(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)
}

func TestManager_DegradedAnalysis(t *testing.T) {
	f := newFixture(t, ingest.WithAnalyzer(analyzerFunc(func(ctx context.Context, path string) (*ingest.Analysis, error) {
		return nil, errors.New("parser crashed")
	})))
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))

	got, outcome, err := f.manager.Process(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	assert.False(t, outcome.HasMetadata)
	assert.Nil(t, got.Metadata)
	assert.Equal(t, "image/jpeg", got.MIMEBrowser)
	assert.True(t, got.HasDerivatives)
	assert.Equal(t, ingest.StateDerived, got.State)

	md, err := f.manager.Metadata(ctx, rec.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, md.Audio)
	assert.Empty(t, md.Video)
}

func TestManager_UnreadableArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "gone.jpg", "image/jpeg", jpegBytes(t, 8, 8))
	require.NoError(t, os.Remove(filepath.Join(f.staging, "gone.jpg")))

	err := f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID})
	assert.ErrorIs(t, err, ingest.ErrNotReadable)

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateAnalyzed, got.State)
	assert.False(t, got.Stored)
}

func TestManager_ArchiveWithoutExtension(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "photo", "image/jpeg", jpegBytes(t, 16, 16))

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.HasDerivatives)
	assert.True(t, got.Stored)
	assert.Equal(t, []string{"files/photo"}, f.storage.Keys())
}

func TestManager_UnknownFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Get(ctx, 404)
	assert.ErrorIs(t, err, ingest.ErrFileNotFound)
	assert.ErrorIs(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: 404}), ingest.ErrFileNotFound)
	assert.ErrorIs(t, f.manager.Delete(ctx, 404), ingest.ErrFileNotFound)
}

func TestManager_Delete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))
	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	require.Len(t, f.storage.Keys(), 4)

	require.NoError(t, f.manager.Delete(ctx, rec.ID))
	assert.Empty(t, f.storage.Keys())
	assert.Equal(t, []int64{rec.ID}, f.events.deleted)

	_, err := f.manager.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrFileNotFound)
}

func TestManager_DeleteIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))
	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	f.storage.FailOn("fullsize/pic.jpg", errors.New("permission denied"))

	err := f.manager.Delete(ctx, rec.ID)
	require.ErrorIs(t, err, ingest.ErrStorageDelete)
	var sde *ingest.StorageDeleteError
	require.ErrorAs(t, err, &sde)
	assert.Len(t, sde.Failed, 1)

	// the remaining representations and the record are gone
	assert.Equal(t, []string{"fullsize/pic.jpg"}, f.storage.Keys())
	_, err = f.manager.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrFileNotFound)
}

func TestManager_DeleteBeforeStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "a.txt", "text/plain", []byte("abc"))

	require.NoError(t, f.manager.Delete(ctx, rec.ID))
	assert.NoFileExists(t, filepath.Join(f.staging, "a.txt"))

	// a job delivered after deletion finds nothing to do
	assert.ErrorIs(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}), ingest.ErrFileNotFound)
}

func TestManager_EnqueueFailureAndRequeue(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	q := queuememory.New(16)
	dispatcher := &failingDispatcher{fail: true, next: q}
	f := newFixture(t, ingest.WithDispatcher(dispatcher), ingest.WithClock(clock))
	ctx := context.Background()

	rec, err := f.manager.Create(ctx, ingest.CreateFileRequest{
		ItemID:     1,
		StagedPath: f.stage(t, "a.txt", []byte("abc")),
	})
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ingest.StateAnalyzed, rec.State)
	assert.Empty(t, f.events.created)

	persisted, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ArchiveFilename, persisted.ArchiveFilename)

	dispatcher.mu.Lock()
	dispatcher.fail = false
	dispatcher.mu.Unlock()

	n, err := f.manager.RequeueIncomplete(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "recent records are left alone")

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	n, err = f.manager.RequeueIncomplete(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, q.Len(ingest.QueueUploads))

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	n, err = f.manager.RequeueIncomplete(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "stored records are never requeued")
}

func TestManager_Recent(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	f := newFixture(t, ingest.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	ctx := context.Background()

	a := f.create(t, "a.txt", "text/plain", []byte("a"))
	b := f.create(t, "b.txt", "text/plain", []byte("b"))
	c := f.create(t, "c.txt", "text/plain", []byte("c"))

	recent, err := f.manager.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, c.ID, recent[0].ID)
	assert.Equal(t, b.ID, recent[1].ID)

	none, err := f.manager.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	byItem, err := f.manager.List(ctx, ingest.ListFilesParams{ItemID: 1, States: []ingest.State{ingest.StateAnalyzed}})
	require.NoError(t, err)
	assert.Len(t, byItem, 3)
	assert.Equal(t, a.ID, byItem[0].ID)
}

// gatedAnalyzer runs the real analyzer and then parks the first call until
// release is closed, so a second delivery can overtake it.
type gatedAnalyzer struct {
	next    ingest.Analyzer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedAnalyzer() *gatedAnalyzer {
	return &gatedAnalyzer{
		next:    metadata.New(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedAnalyzer) Analyze(ctx context.Context, path string) (*ingest.Analysis, error) {
	analysis, err := g.next.Analyze(ctx, path)
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return analysis, err
}

func TestManager_ConcurrentDeliveryDoesNotRegress(t *testing.T) {
	gate := newGatedAnalyzer()
	f := newFixture(t, ingest.WithAnalyzer(gate))
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 32, 24))

	slow := make(chan error, 1)
	go func() { slow <- f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}) }()
	<-gate.entered

	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	done, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, done.Stored)
	require.True(t, done.HasDerivatives)
	writes := f.storage.Writes()

	close(gate.release)
	require.NoError(t, <-slow)

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateStored, got.State)
	assert.True(t, got.Stored)
	assert.True(t, got.HasDerivatives)
	assert.Equal(t, done.Metadata, got.Metadata)
	assert.Equal(t, writes, f.storage.Writes())
	assert.Len(t, f.events.stored, 1)

	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, f.manager.Delete(ctx, rec.ID))
	assert.Empty(t, f.storage.Keys())
}

func TestManager_DeleteDuringInFlightJob(t *testing.T) {
	gate := newGatedAnalyzer()
	f := newFixture(t, ingest.WithAnalyzer(gate))
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 32, 24))

	job := make(chan error, 1)
	go func() { job <- f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}) }()
	<-gate.entered

	require.NoError(t, f.manager.Delete(ctx, rec.ID))
	close(gate.release)

	assert.ErrorIs(t, <-job, ingest.ErrFileNotFound)
	assert.Empty(t, f.storage.Keys())
	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManager_StoreDiscardsBytesOfDeletedRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.create(t, "pic.jpg", "image/jpeg", jpegBytes(t, 16, 16))
	_, _, err := f.manager.Process(ctx, rec.ID)
	require.NoError(t, err)

	// simulate the record vanishing between load and the stored write
	racing := &deletingRepository{Repository: f.repo}
	m, err := ingest.New(
		ingest.WithRepository(racing),
		ingest.WithStorage(f.storage),
		ingest.WithDispatcher(f.queue),
		ingest.WithHasher(digest.New()),
		ingest.WithAnalyzer(metadata.New()),
		ingest.WithGenerator(derivative.New()),
		ingest.WithStagingDir(f.staging),
	)
	require.NoError(t, err)

	_, err = m.Store(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrFileNotFound)
	assert.Empty(t, f.storage.Keys())
}

// deletingRepository removes the record right before the first update
type deletingRepository struct {
	*repomemory.Repository
}

func (r *deletingRepository) UpdateFile(ctx context.Context, rec *ingest.FileRecord, from ingest.State) error {
	if err := r.Repository.DeleteFile(ctx, rec.ID); err != nil {
		return err
	}
	return r.Repository.UpdateFile(ctx, rec, from)
}

// switchableAnalyzer runs the real analyzer unless degraded is set.
func switchableAnalyzer(degraded *atomic.Bool) ingest.Analyzer {
	analyzer := metadata.New()
	return analyzerFunc(func(ctx context.Context, path string) (*ingest.Analysis, error) {
		if degraded.Load() {
			return &ingest.Analysis{Degraded: true}, nil
		}
		return analyzer.Analyze(ctx, path)
	})
}

func TestManager_ReanalyzeStoredFile(t *testing.T) {
	var degraded atomic.Bool
	degraded.Store(true)
	f := newFixture(t, ingest.WithAnalyzer(switchableAnalyzer(&degraded)))
	ctx := context.Background()

	rec := f.create(t, "scan.jpg", "application/octet-stream", jpegBytes(t, 40, 30))
	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))

	before, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, before.Stored)
	require.Nil(t, before.Metadata)
	require.Equal(t, "application/octet-stream", before.MIMEBrowser)
	writes := f.storage.Writes()

	degraded.Store(false)
	updated, outcome, err := f.manager.Reanalyze(ctx, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, "image/jpeg", updated.MIMEBrowser)
	assert.True(t, outcome.MIMECorrected)
	assert.True(t, outcome.HasMetadata)
	require.NotNil(t, updated.Metadata)
	assert.Equal(t, 40, updated.Metadata.Video["resolution_x"])

	got, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateStored, got.State)
	assert.True(t, got.Stored)
	assert.Equal(t, before.HasDerivatives, got.HasDerivatives)
	assert.Equal(t, "image/jpeg", got.MIMEBrowser)
	assert.Equal(t, 30, got.Metadata.Video["resolution_y"])
	assert.Equal(t, writes, f.storage.Writes(), "reanalysis must not write to storage")

	entries, err := os.ReadDir(f.staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "downloaded archive copy must be removed")

	// a degraded run keeps what is on record
	degraded.Store(true)
	_, outcome, err = f.manager.Reanalyze(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, outcome.Degraded)
	got, err = f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, 40, got.Metadata.Video["resolution_x"])
	assert.Equal(t, "image/jpeg", got.MIMEBrowser)
}

func TestManager_ReanalyzeUsesStagingCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := f.create(t, "page.jpg", "", jpegBytes(t, 12, 9))
	processed, _, err := f.manager.Process(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, ingest.StateDerived, processed.State)

	updated, _, err := f.manager.Reanalyze(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.StateDerived, updated.State)
	assert.False(t, updated.Stored)
	assert.Empty(t, f.storage.Keys())
	assert.Equal(t, 12, updated.Metadata.Video["resolution_x"])
}

func TestManager_ReanalyzeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.create(t, "wait.jpg", "image/jpeg", jpegBytes(t, 8, 8))
	_, _, err := f.manager.Reanalyze(ctx, pending.ID)
	assert.ErrorIs(t, err, ingest.ErrInvalidState)

	_, _, err = f.manager.Reanalyze(ctx, 999)
	assert.ErrorIs(t, err, ingest.ErrFileNotFound)

	rec := f.create(t, "gone.jpg", "image/jpeg", jpegBytes(t, 8, 8))
	require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	key, err := f.storage.PathFor(rec.ArchiveFilename, ingest.RepresentationArchive)
	require.NoError(t, err)
	require.NoError(t, f.storage.Delete(ctx, key))

	_, _, err = f.manager.Reanalyze(ctx, rec.ID)
	assert.ErrorIs(t, err, ingest.ErrRepresentationMissing)
}

func TestManager_ReanalyzeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"one.jpg", "two.jpg"} {
		rec := f.create(t, name, "image/jpeg", jpegBytes(t, 16, 16))
		require.NoError(t, f.manager.HandleJob(ctx, ingest.JobPayload{FileID: rec.ID}))
	}
	f.create(t, "three.jpg", "image/jpeg", jpegBytes(t, 16, 16))

	n, err := f.manager.ReanalyzeAll(ctx, ingest.ListFilesParams{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	key, err := f.storage.PathFor("two.jpg", ingest.RepresentationArchive)
	require.NoError(t, err)
	require.NoError(t, f.storage.Delete(ctx, key))

	n, err = f.manager.ReanalyzeAll(ctx, ingest.ListFilesParams{})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ingest.ErrRepresentationMissing)
}
