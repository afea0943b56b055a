package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

//go:embed schema.sql
var schema string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements ingest.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

var _ ingest.Repository = (*Repository)(nil)

// Migrate creates the tables the repository needs if they are missing
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return r.handlePostgresError("migrate", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "archive_filename") {
				return fmt.Errorf("archive filename already recorded")
			}
			return fmt.Errorf("duplicate entry")
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: referenced record not found", ingest.ErrItemNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", ingest.ErrInvalidState, pgErr.ConstraintName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.ErrFileNotFound
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

const fileColumns = `id, item_id, archive_filename, original_filename, size, content_hash,
	mime_browser, mime_os, type_os, has_derivatives, stored, state, metadata,
	created_at, modified_at`

func encodeMetadata(m *ingest.TechnicalMetadata) ([]byte, error) {
	if m.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(m)
}

func scanFile(row pgx.Row) (*ingest.FileRecord, error) {
	var rec ingest.FileRecord
	var state string
	var metadata []byte
	if err := row.Scan(
		&rec.ID, &rec.ItemID, &rec.ArchiveFilename, &rec.OriginalFilename,
		&rec.Size, &rec.ContentHash, &rec.MIMEBrowser, &rec.MIMEOS, &rec.TypeOS,
		&rec.HasDerivatives, &rec.Stored, &state, &metadata,
		&rec.CreatedAt, &rec.ModifiedAt); err != nil {
		return nil, err
	}
	rec.State = ingest.State(state)
	if len(metadata) > 0 {
		rec.Metadata = &ingest.TechnicalMetadata{}
		if err := json.Unmarshal(metadata, rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of file %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// File operations

func (r *Repository) CreateFile(ctx context.Context, rec *ingest.FileRecord) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO files (
			item_id, archive_filename, original_filename, size, content_hash,
			mime_browser, mime_os, type_os, has_derivatives, stored, state,
			metadata, created_at, modified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`

	err = r.db.QueryRow(ctx, query,
		rec.ItemID, rec.ArchiveFilename, rec.OriginalFilename, rec.Size, rec.ContentHash,
		rec.MIMEBrowser, rec.MIMEOS, rec.TypeOS, rec.HasDerivatives, rec.Stored,
		string(rec.State), metadata, rec.CreatedAt, rec.ModifiedAt).Scan(&rec.ID)
	if err != nil {
		return r.handlePostgresError("create file", err)
	}
	return nil
}

func (r *Repository) GetFile(ctx context.Context, id int64) (*ingest.FileRecord, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`

	rec, err := scanFile(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ingest.ErrFileNotFound
		}
		return nil, r.handlePostgresError("get file", err)
	}
	return rec, nil
}

// UpdateFile writes only the fields that may change after creation, and
// only while the row is still in state from.
func (r *Repository) UpdateFile(ctx context.Context, rec *ingest.FileRecord, from ingest.State) error {
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	query := `
		UPDATE files SET
			mime_browser = $2, has_derivatives = $3, stored = $4,
			state = $5, metadata = $6, modified_at = $7
		WHERE id = $1 AND state = $8`

	tag, err := r.db.Exec(ctx, query,
		rec.ID, rec.MIMEBrowser, rec.HasDerivatives, rec.Stored,
		string(rec.State), metadata, rec.ModifiedAt, string(from))
	if err != nil {
		return r.handlePostgresError("update file", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT state FROM files WHERE id = $1`, rec.ID).Scan(&current)
	if err != nil {
		return r.handlePostgresError("update file", err)
	}
	return fmt.Errorf("%w: file %d is %s, expected %s", ingest.ErrConflict, rec.ID, current, from)
}

func (r *Repository) DeleteFile(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete file", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrFileNotFound
	}
	return nil
}

func (r *Repository) ListFiles(ctx context.Context, params ingest.ListFilesParams) ([]*ingest.FileRecord, error) {
	var where []string
	var args []interface{}

	if params.ItemID != 0 {
		args = append(args, params.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}
	if len(params.States) > 0 {
		states := make([]string, len(params.States))
		for i, s := range params.States {
			states[i] = string(s)
		}
		args = append(args, states)
		where = append(where, fmt.Sprintf("state = ANY($%d)", len(args)))
	}

	query := `SELECT ` + fileColumns + ` FROM files`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if params.Newest {
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY id`
	}
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("list files", err)
	}
	defer rows.Close()

	files := make([]*ingest.FileRecord, 0)
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list files", err)
	}
	return files, nil
}

// ItemExists implements ingest.ItemLookup against the items table
func (r *Repository) ItemExists(ctx context.Context, itemID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM items WHERE id = $1)`, itemID).Scan(&exists)
	if err != nil {
		return false, r.handlePostgresError("item exists", err)
	}
	return exists, nil
}

// CreateItem inserts a new parent item and returns its id
func (r *Repository) CreateItem(ctx context.Context) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `INSERT INTO items DEFAULT VALUES RETURNING id`).Scan(&id); err != nil {
		return 0, r.handlePostgresError("create item", err)
	}
	return id, nil
}
