package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

// Repository implements ingest.Repository using in-memory storage
type Repository struct {
	mu     sync.RWMutex
	files  map[int64]*ingest.FileRecord
	nextID int64
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		files: make(map[int64]*ingest.FileRecord),
	}
}

var _ ingest.Repository = (*Repository)(nil)

// CreateFile assigns the next id and stores a copy of rec
func (r *Repository) CreateFile(ctx context.Context, rec *ingest.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rec.ID = r.nextID
	r.files[rec.ID] = rec.Clone()
	return nil
}

// GetFile returns a copy of the record
func (r *Repository) GetFile(ctx context.Context, id int64) (*ingest.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, ingest.ErrFileNotFound
	}
	return rec.Clone(), nil
}

// UpdateFile writes the mutable fields of rec when the stored record is
// still in state from. Fields fixed at creation keep their stored values.
func (r *Repository) UpdateFile(ctx context.Context, rec *ingest.FileRecord, from ingest.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.files[rec.ID]
	if !ok {
		return ingest.ErrFileNotFound
	}
	if existing.State != from {
		return fmt.Errorf("%w: file %d is %s, expected %s", ingest.ErrConflict, rec.ID, existing.State, from)
	}

	updated := existing.Clone()
	updated.MIMEBrowser = rec.MIMEBrowser
	updated.HasDerivatives = rec.HasDerivatives
	updated.Stored = rec.Stored
	updated.State = rec.State
	updated.Metadata = rec.Metadata.Clone()
	updated.ModifiedAt = rec.ModifiedAt
	r.files[rec.ID] = updated
	return nil
}

// DeleteFile removes the record
func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.files[id]; !ok {
		return ingest.ErrFileNotFound
	}
	delete(r.files, id)
	return nil
}

// ListFiles returns copies of the records matching params
func (r *Repository) ListFiles(ctx context.Context, params ingest.ListFilesParams) ([]*ingest.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[ingest.State]bool, len(params.States))
	for _, s := range params.States {
		states[s] = true
	}

	out := make([]*ingest.FileRecord, 0)
	for _, rec := range r.files {
		if params.ItemID != 0 && rec.ItemID != params.ItemID {
			continue
		}
		if len(states) > 0 && !states[rec.State] {
			continue
		}
		out = append(out, rec.Clone())
	}

	if params.Newest {
		sort.Slice(out, func(i, j int) bool {
			if out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].ID > out[j].ID
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

// Items is an ingest.ItemLookup over a fixed set of item ids
type Items struct {
	mu  sync.RWMutex
	ids map[int64]bool
}

// NewItems creates an item lookup that knows the given ids
func NewItems(ids ...int64) *Items {
	items := &Items{ids: make(map[int64]bool, len(ids))}
	for _, id := range ids {
		items.ids[id] = true
	}
	return items
}

// Add registers an item id
func (i *Items) Add(id int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids[id] = true
}

// ItemExists reports whether id was registered
func (i *Items) ItemExists(ctx context.Context, id int64) (bool, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.ids[id], nil
}
