package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/pkg/ingest/mime"
)

// Manager orchestrates the file record lifecycle
type Manager struct {
	repository Repository
	storage    Storage
	dispatcher Dispatcher
	hasher     Hasher
	inspector  Inspector
	analyzer   Analyzer
	generator  DerivativeGenerator
	items      ItemLookup
	events     EventSink
	logger     *zap.Logger
	now        Clock
	stagingDir string
}

// New creates a new manager with the given options
func New(options ...Option) (*Manager, error) {
	m := &Manager{}

	for _, option := range options {
		option(m)
	}

	switch {
	case m.repository == nil:
		return nil, fmt.Errorf("repository is required")
	case m.storage == nil:
		return nil, fmt.Errorf("storage is required")
	case m.dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case m.hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case m.analyzer == nil:
		return nil, fmt.Errorf("analyzer is required")
	case m.generator == nil:
		return nil, fmt.Errorf("derivative generator is required")
	case m.stagingDir == "":
		return nil, fmt.Errorf("staging directory is required")
	}

	if m.events == nil {
		m.events = NewNoopEventSink()
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	m.stagingDir = filepath.Clean(m.stagingDir)

	return m, nil
}

// StagingDir returns the local staging directory
func (m *Manager) StagingDir() string {
	return m.stagingDir
}

// Create records a staged upload and hands it to the background pipeline.
//
// The record is persisted in the analyzed state with creation defaults. If
// enqueueing fails the persisted record is returned together with the error;
// RequeueIncomplete picks it up later.
func (m *Manager) Create(ctx context.Context, req CreateFileRequest) (*FileRecord, error) {
	if req.StagedPath == "" {
		return nil, fmt.Errorf("%w: staged path is required", ErrIO)
	}
	staged := filepath.Clean(req.StagedPath)
	if filepath.Dir(staged) != m.stagingDir {
		return nil, fmt.Errorf("staged file %s is outside staging directory %s", staged, m.stagingDir)
	}

	if m.items != nil {
		ok, err := m.items.ItemExists(ctx, req.ItemID)
		if err != nil {
			return nil, fmt.Errorf("lookup item %d: %w", req.ItemID, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrItemNotFound, req.ItemID)
		}
	}

	var (
		digest Digest
		err    error
	)
	if req.Digest != nil {
		digest = *req.Digest
	} else if digest, err = m.hasher.Hash(staged); err != nil {
		return nil, &FileError{Op: "create", Err: err}
	}

	var insp Inspection
	if m.inspector != nil {
		if insp, err = m.inspector.Inspect(ctx, staged); err != nil {
			m.logger.Warn("content inspection unavailable",
				zap.String("path", staged), zap.Error(err))
			insp = Inspection{}
		}
	}

	now := m.now()
	rec := &FileRecord{
		ItemID:           req.ItemID,
		ArchiveFilename:  filepath.Base(staged),
		OriginalFilename: req.OriginalFilename,
		Size:             digest.Size,
		ContentHash:      digest.Hash,
		MIMEBrowser:      mime.Normalize(req.ReportedMIMEType),
		MIMEOS:           insp.MIMEType,
		TypeOS:           insp.Description,
		State:            StateAnalyzed,
		CreatedAt:        now,
		ModifiedAt:       now,
	}

	if err := m.repository.CreateFile(ctx, rec); err != nil {
		return nil, &FileError{Op: "create", Err: err}
	}

	if err := m.dispatcher.Enqueue(ctx, QueueUploads, JobTypeProcessUpload, JobPayload{FileID: rec.ID}); err != nil {
		m.logger.Error("enqueue failed", zap.Int64("file_id", rec.ID), zap.Error(err))
		return rec, &FileError{FileID: rec.ID, Op: "enqueue", Err: err}
	}

	m.fire("created", rec.ID, m.events.FileCreated(ctx, rec))
	return rec, nil
}

// Get returns a file record by id
func (m *Manager) Get(ctx context.Context, id int64) (*FileRecord, error) {
	rec, err := m.repository.GetFile(ctx, id)
	if err != nil {
		return nil, &FileError{FileID: id, Op: "get", Err: err}
	}
	return rec, nil
}

// List returns file records matching params
func (m *Manager) List(ctx context.Context, params ListFilesParams) ([]*FileRecord, error) {
	return m.repository.ListFiles(ctx, params)
}

// Recent returns the n most recently created files
func (m *Manager) Recent(ctx context.Context, n int) ([]*FileRecord, error) {
	if n <= 0 {
		return []*FileRecord{}, nil
	}
	return m.repository.ListFiles(ctx, ListFilesParams{Limit: n, Newest: true})
}

// Metadata returns the technical metadata of a file projected onto fields.
// A file whose metadata is not available yet yields empty sections.
func (m *Manager) Metadata(ctx context.Context, id int64, fields []string) (*TechnicalMetadata, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Metadata.Project(fields), nil
}

// Process runs the analyzed -> derived transition: analysis, MIME
// correction, metadata capture and derivative generation, persisted in one
// update. Only an unreadable archive fails it.
func (m *Manager) Process(ctx context.Context, id int64) (*FileRecord, ProcessOutcome, error) {
	var outcome ProcessOutcome

	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, outcome, err
	}
	if ok, err := canProcess(rec); !ok {
		return rec, outcome, err
	}

	local := filepath.Join(m.stagingDir, rec.ArchiveFilename)
	log := m.logger.With(zap.Int64("file_id", id))

	analysis, err := m.analyzer.Analyze(ctx, local)
	switch {
	case errors.Is(err, ErrNotReadable):
		return rec, outcome, &FileError{FileID: id, Op: "analyze", Err: err}
	case err != nil:
		log.Warn("metadata extraction degraded", zap.Error(err))
		analysis = &Analysis{Degraded: true}
	case analysis == nil:
		analysis = &Analysis{Degraded: true}
	}
	if analysis.Degraded {
		log.Warn("no technical metadata extracted", zap.String("path", local))
	}

	resolved := mime.Resolve(rec.MIMEBrowser, analysis.MIMEType)

	hasDerivatives, err := m.generator.Generate(ctx, local, resolved)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, outcome, &FileError{FileID: id, Op: "derive", Err: ctxErr}
		}
		if errors.Is(err, ErrInvalidFilename) {
			log.Warn("derivatives skipped", zap.String("archive_filename", rec.ArchiveFilename), zap.Error(err))
		} else {
			log.Error("derivative generation failed", zap.Error(err))
		}
		hasDerivatives = false
	}

	updated := rec.Clone()
	updated.MIMEBrowser = resolved
	updated.Metadata = nil
	if !analysis.Metadata.IsEmpty() {
		updated.Metadata = analysis.Metadata.Clone()
	}
	updated.HasDerivatives = hasDerivatives
	updated.State = StateDerived
	updated.ModifiedAt = m.now()

	if err := m.repository.UpdateFile(ctx, updated, rec.State); err != nil {
		if errors.Is(err, ErrConflict) {
			current, lost := m.lostRace(ctx, rec, err)
			if lost {
				return current, outcome, nil
			}
		}
		if errors.Is(err, ErrFileNotFound) {
			m.removeLocal(rec, Derivatives()...)
		}
		return rec, outcome, &FileError{FileID: id, Op: "process", Err: err}
	}

	outcome = ProcessOutcome{
		MIMEType:       resolved,
		MIMECorrected:  resolved != rec.MIMEBrowser,
		HasMetadata:    updated.Metadata != nil,
		Degraded:       analysis.Degraded,
		HasDerivatives: hasDerivatives,
	}
	m.fire("processed", id, m.events.FileProcessed(ctx, updated, outcome))
	return updated, outcome, nil
}

// Reanalyze re-runs media analysis on the archive of a processed file and
// persists the resolved MIME type and metadata in one update. State,
// storage flags and derivatives are left as they are. A degraded analysis
// keeps the metadata already on record.
func (m *Manager) Reanalyze(ctx context.Context, id int64) (*FileRecord, ProcessOutcome, error) {
	var outcome ProcessOutcome

	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, outcome, err
	}
	if ok, err := canReanalyze(rec); !ok {
		return rec, outcome, err
	}

	log := m.logger.With(zap.Int64("file_id", id))

	source, cleanup, err := m.archiveSource(ctx, rec)
	if err != nil {
		return rec, outcome, &FileError{FileID: id, Op: "reanalyze", Err: err}
	}
	defer cleanup()

	analysis, err := m.analyzer.Analyze(ctx, source)
	switch {
	case errors.Is(err, ErrNotReadable):
		return rec, outcome, &FileError{FileID: id, Op: "reanalyze", Err: err}
	case err != nil:
		log.Warn("metadata extraction degraded", zap.Error(err))
		analysis = &Analysis{Degraded: true}
	case analysis == nil:
		analysis = &Analysis{Degraded: true}
	}

	apply := func(current *FileRecord) *FileRecord {
		updated := current.Clone()
		updated.MIMEBrowser = mime.Resolve(current.MIMEBrowser, analysis.MIMEType)
		if !analysis.Degraded {
			updated.Metadata = nil
			if !analysis.Metadata.IsEmpty() {
				updated.Metadata = analysis.Metadata.Clone()
			}
		}
		updated.ModifiedAt = m.now()
		return updated
	}

	updated := apply(rec)
	err = m.repository.UpdateFile(ctx, updated, rec.State)
	if errors.Is(err, ErrConflict) {
		// a pending job moved the record on; the archive bytes are the same
		current, getErr := m.repository.GetFile(ctx, id)
		if getErr != nil {
			return rec, outcome, &FileError{FileID: id, Op: "reanalyze", Err: getErr}
		}
		if ok, stateErr := canReanalyze(current); !ok {
			return current, outcome, stateErr
		}
		rec, updated = current, apply(current)
		err = m.repository.UpdateFile(ctx, updated, current.State)
	}
	if err != nil {
		return rec, outcome, &FileError{FileID: id, Op: "reanalyze", Err: err}
	}

	outcome = ProcessOutcome{
		MIMEType:       updated.MIMEBrowser,
		MIMECorrected:  updated.MIMEBrowser != rec.MIMEBrowser,
		HasMetadata:    updated.Metadata != nil,
		Degraded:       analysis.Degraded,
		HasDerivatives: updated.HasDerivatives,
	}
	log.Info("file reanalyzed",
		zap.String("mime_type", outcome.MIMEType),
		zap.Bool("mime_corrected", outcome.MIMECorrected),
		zap.Bool("degraded", outcome.Degraded))
	return updated, outcome, nil
}

// archiveSource returns a local path holding the archive bytes of rec. The
// staging copy is used while it exists; otherwise the stored archive is
// downloaded into a temporary file inside the staging directory, which
// cleanup removes.
func (m *Manager) archiveSource(ctx context.Context, rec *FileRecord) (string, func(), error) {
	local, err := m.localPath(rec, RepresentationArchive)
	if err != nil {
		return "", nil, err
	}
	if _, err := os.Stat(local); err == nil {
		return local, func() {}, nil
	}

	canonical, err := m.storage.PathFor(rec.ArchiveFilename, RepresentationArchive)
	if err != nil {
		return "", nil, err
	}
	body, err := m.storage.Download(ctx, canonical)
	if err != nil {
		return "", nil, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(m.stagingDir, ".reanalyze-*"+filepath.Ext(rec.ArchiveFilename))
	if err != nil {
		return "", nil, fmt.Errorf("create temp archive copy: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("staging cleanup failed", zap.String("path", tmp.Name()), zap.Error(err))
		}
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("download archive %s: %w", canonical, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), cleanup, nil
}

// Store runs the derived -> stored transition. Every representation the
// record implies must reach storage before the stored flag is persisted;
// otherwise a PartialStoreError is returned and the record is untouched.
func (m *Manager) Store(ctx context.Context, id int64) (*FileRecord, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok, err := canStore(rec); !ok {
		return rec, err
	}

	var stored []Representation
	failed := map[Representation]error{}

	for _, rep := range rec.Representations() {
		local, err := m.localPath(rec, rep)
		if err != nil {
			failed[rep] = err
			continue
		}
		canonical, err := m.storage.PathFor(rec.ArchiveFilename, rep)
		if err != nil {
			failed[rep] = err
			continue
		}
		if err := m.storeOne(ctx, local, canonical); err != nil {
			failed[rep] = err
			continue
		}
		stored = append(stored, rep)
	}

	if len(failed) > 0 {
		m.logger.Warn("partial store",
			zap.Int64("file_id", id),
			zap.Int("stored", len(stored)),
			zap.Int("failed", len(failed)))
		if _, err := m.repository.GetFile(ctx, id); errors.Is(err, ErrFileNotFound) {
			m.discard(ctx, rec, stored)
		}
		return rec, &PartialStoreError{FileID: id, Stored: stored, Failed: failed}
	}

	updated := rec.Clone()
	updated.Stored = true
	updated.State = StateStored
	updated.ModifiedAt = m.now()
	if err := m.repository.UpdateFile(ctx, updated, StateDerived); err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			if current, lost := m.lostRace(ctx, rec, err); lost {
				return current, nil
			}
		case errors.Is(err, ErrFileNotFound):
			// deleted while storing: nothing references these bytes any more
			m.discard(ctx, rec, stored)
			m.removeLocal(rec, rec.Representations()...)
		}
		return rec, &FileError{FileID: id, Op: "store", Err: err}
	}

	m.removeLocal(rec, rec.Representations()...)

	m.fire("stored", id, m.events.FileStored(ctx, updated))
	return updated, nil
}

// storeOne stores a single representation. A staging copy that is already
// gone is accepted when the canonical path exists, which happens when a
// concurrent delivery of the same job stored and cleaned up first.
func (m *Manager) storeOne(ctx context.Context, local, canonical string) error {
	if _, err := os.Stat(local); os.IsNotExist(err) {
		exists, existsErr := m.storage.Exists(ctx, canonical)
		if existsErr != nil {
			return existsErr
		}
		if exists {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrIO, local)
	}
	return m.storage.Store(ctx, local, canonical)
}

// HandleJob is the body of a ProcessUploadJob. It reloads the record by id
// and resumes the pipeline from wherever the record is; a stored record is
// a no-op.
func (m *Manager) HandleJob(ctx context.Context, payload JobPayload) error {
	rec, err := m.Get(ctx, payload.FileID)
	if err != nil {
		return err
	}
	if rec.Stored {
		m.logger.Debug("file already stored, skipping job", zap.Int64("file_id", rec.ID))
		return nil
	}

	if rec.State != StateDerived {
		processed, _, err := m.Process(ctx, rec.ID)
		if err != nil {
			if m.storedMeanwhile(ctx, rec.ID) {
				return nil
			}
			return err
		}
		if processed.Stored {
			return nil
		}
	}

	if _, err := m.Store(ctx, rec.ID); err != nil {
		if errors.Is(err, ErrInvalidState) && m.storedMeanwhile(ctx, rec.ID) {
			return nil
		}
		return err
	}
	return nil
}

// storedMeanwhile reports whether another delivery of the same job has
// completed the record since this one loaded it.
func (m *Manager) storedMeanwhile(ctx context.Context, id int64) bool {
	rec, err := m.repository.GetFile(ctx, id)
	return err == nil && rec.Stored
}

// lostRace handles an ErrConflict from UpdateFile: another worker advanced
// the record first. The current record is returned with lost set when the
// other worker's progress supersedes this one. A stored winner has already
// cleaned staging, so anything this run rendered there is removed.
func (m *Manager) lostRace(ctx context.Context, stale *FileRecord, conflict error) (*FileRecord, bool) {
	current, err := m.repository.GetFile(ctx, stale.ID)
	if err != nil {
		return nil, false
	}
	m.logger.Debug("file advanced by a concurrent job",
		zap.Int64("file_id", stale.ID),
		zap.String("expected", string(stale.State)),
		zap.String("current", string(current.State)),
		zap.NamedError("conflict", conflict))

	switch current.State {
	case StateStored:
		m.removeLocal(current, Derivatives()...)
		return current, true
	case StateDerived:
		return current, true
	default:
		return nil, false
	}
}

// removeLocal deletes the staging copies of reps, ignoring missing files.
func (m *Manager) removeLocal(rec *FileRecord, reps ...Representation) {
	for _, rep := range reps {
		local, err := m.localPath(rec, rep)
		if err != nil {
			continue
		}
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("staging cleanup failed", zap.String("path", local), zap.Error(err))
		}
	}
}

// discard removes representations written to storage for a record that no
// longer exists.
func (m *Manager) discard(ctx context.Context, rec *FileRecord, reps []Representation) {
	for _, rep := range reps {
		canonical, err := m.storage.PathFor(rec.ArchiveFilename, rep)
		if err != nil {
			continue
		}
		if err := m.storage.Delete(ctx, canonical); err != nil {
			m.logger.Error("orphaned representation", zap.Int64("file_id", rec.ID),
				zap.String("path", canonical), zap.Error(err))
		}
	}
}

// Delete removes every representation the record implies from storage,
// along with any staging copies, and then removes the record. Storage
// failures do not stop the record removal; they are returned afterwards as
// a StorageDeleteError.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	failed := map[Representation]error{}
	for _, rep := range rec.Representations() {
		canonical, err := m.storage.PathFor(rec.ArchiveFilename, rep)
		if err != nil {
			failed[rep] = err
			continue
		}
		if err := m.storage.Delete(ctx, canonical); err != nil {
			failed[rep] = err
		}
	}
	m.removeLocal(rec, rec.Representations()...)

	if err := m.repository.DeleteFile(ctx, id); err != nil {
		return &FileError{FileID: id, Op: "delete", Err: err}
	}
	m.fire("deleted", id, m.events.FileDeleted(ctx, id))

	if len(failed) > 0 {
		m.logger.Error("storage delete incomplete", zap.Int64("file_id", id), zap.Int("failed", len(failed)))
		return &StorageDeleteError{FileID: id, Failed: failed}
	}
	return nil
}

// LocalPath returns the staging path of a representation. It fails with
// ErrInvalidState once the record is stored.
func (m *Manager) LocalPath(rec *FileRecord, rep Representation) (string, error) {
	if ok, err := canUseLocalPath(rec); !ok {
		return "", err
	}
	if err := checkRepresentation(rec, rep); err != nil {
		return "", err
	}
	return m.localPath(rec, rep)
}

func (m *Manager) localPath(rec *FileRecord, rep Representation) (string, error) {
	name, err := LocalName(rec.ArchiveFilename, rep)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.stagingDir, name), nil
}

// WebPath returns the public address of a stored representation. It fails
// with ErrInvalidState while the record is not stored.
func (m *Manager) WebPath(rec *FileRecord, rep Representation) (string, error) {
	if ok, err := canUseWebPath(rec); !ok {
		return "", err
	}
	if err := checkRepresentation(rec, rep); err != nil {
		return "", err
	}
	canonical, err := m.storage.PathFor(rec.ArchiveFilename, rep)
	if err != nil {
		return "", err
	}
	return m.storage.PublicURI(canonical)
}

// RequeueIncomplete enqueues a fresh job for every record still below
// stored whose last modification is older than olderThan. It returns how
// many jobs were enqueued.
func (m *Manager) RequeueIncomplete(ctx context.Context, olderThan time.Duration) (int, error) {
	recs, err := m.repository.ListFiles(ctx, ListFilesParams{States: []State{StateAnalyzed, StateDerived}})
	if err != nil {
		return 0, fmt.Errorf("list incomplete files: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	var errs []error
	count := 0
	for _, rec := range recs {
		if rec.Stored || rec.ModifiedAt.After(cutoff) {
			continue
		}
		if err := m.dispatcher.Enqueue(ctx, QueueUploads, JobTypeProcessUpload, JobPayload{FileID: rec.ID}); err != nil {
			errs = append(errs, fmt.Errorf("requeue file %d: %w", rec.ID, err))
			continue
		}
		count++
	}
	if count > 0 {
		m.logger.Info("requeued incomplete files", zap.Int("count", count))
	}
	return count, errors.Join(errs...)
}

// ReanalyzeAll runs Reanalyze over every processed record matching params
// and returns how many were updated. Failures on single files do not stop
// the batch; they are joined into the returned error.
func (m *Manager) ReanalyzeAll(ctx context.Context, params ListFilesParams) (int, error) {
	if len(params.States) == 0 {
		params.States = []State{StateDerived, StateStored}
	}
	recs, err := m.repository.ListFiles(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("list files for reanalysis: %w", err)
	}

	var errs []error
	count := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, _, err := m.Reanalyze(ctx, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("reanalyze file %d: %w", rec.ID, err))
			continue
		}
		count++
	}
	m.logger.Info("reanalysis finished", zap.Int("updated", count), zap.Int("failed", len(errs)))
	return count, errors.Join(errs...)
}

func (m *Manager) fire(event string, id int64, err error) {
	if err != nil {
		m.logger.Warn("event sink failed", zap.String("event", event), zap.Int64("file_id", id), zap.Error(err))
	}
}
