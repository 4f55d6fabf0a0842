// Package store persists indexed memories: metadata records in SQLite and
// embedding vectors in chromem-go collections.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/memory"
)

const (
	memoriesCollection    = "memories"
	directoriesCollection = "directories"
)

// ErrNotFound is returned when a memory is not in the store.
var ErrNotFound = errors.New("memory not found")

// StoreError wraps a failed store operation with its name.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// noEmbed is installed as the chromem embedding function. The store always
// supplies vectors explicitly, so it must never be invoked.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("store requires explicit embeddings")
}

// Store is the composite index store keyed by memory ID with a secondary
// key on relative path.
type Store struct {
	db          *db.DB
	vectors     *chromem.DB
	memories    *chromem.Collection
	directories *chromem.Collection
}

// Open creates a store over the metadata database and a persistent chromem
// directory.
func Open(database *db.DB, vectorDir string) (*Store, error) {
	vectors, err := chromem.NewPersistentDB(vectorDir, false)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	return newStore(database, vectors)
}

// OpenMemory creates a fully in-memory store (useful for testing).
func OpenMemory(database *db.DB) (*Store, error) {
	return newStore(database, chromem.NewDB())
}

func newStore(database *db.DB, vectors *chromem.DB) (*Store, error) {
	mems, err := vectors.GetOrCreateCollection(memoriesCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating memories collection: %w", err)
	}
	dirs, err := vectors.GetOrCreateCollection(directoriesCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating directories collection: %w", err)
	}
	return &Store{
		db:          database,
		vectors:     vectors,
		memories:    mems,
		directories: dirs,
	}, nil
}

// Close closes the underlying metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces the record and vectors for a memory. It is
// idempotent on (id, file_hash).
func (s *Store) Upsert(ctx context.Context, m *memory.File, composite, directory []float32, fileHash string) error {
	tags, err := json.Marshal(m.Header.Tags)
	if err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	defer tx.Rollback()

	// A moved file may reuse an ID at a new path; clear any stale row that
	// would violate the path uniqueness constraint.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memories WHERE path = ? AND id != ?`, m.Path, m.Header.ID); err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, path, directory, title, tags, scope, priority, confidence, status, body, token_count, file_hash, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			directory = excluded.directory,
			title = excluded.title,
			tags = excluded.tags,
			scope = excluded.scope,
			priority = excluded.priority,
			confidence = excluded.confidence,
			status = excluded.status,
			body = excluded.body,
			token_count = excluded.token_count,
			file_hash = excluded.file_hash,
			indexed_at = excluded.indexed_at`,
		m.Header.ID, m.Path, m.Directory, m.Title, string(tags),
		string(m.Header.Scope), m.Header.Priority, string(m.Header.Confidence),
		string(m.Header.Status), m.Body, m.TokenCount, fileHash, time.Now().UTC(),
	); err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}

	if err := s.memories.AddDocument(ctx, chromem.Document{
		ID:        m.Header.ID,
		Content:   m.Title,
		Embedding: composite,
		Metadata: map[string]string{
			"path":      m.Path,
			"directory": m.Directory,
			"scope":     string(m.Header.Scope),
		},
	}); err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}

	if m.Directory != "" {
		if err := s.directories.AddDocument(ctx, chromem.Document{
			ID:        m.Directory,
			Content:   m.Directory,
			Embedding: directory,
		}); err != nil {
			return &StoreError{Op: "upsert", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Op: "upsert", Err: err}
	}
	return nil
}

// DeleteByID removes a memory record and its vectors.
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	rec, err := s.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.delete(ctx, rec)
}

// DeleteByPath removes the memory record at a relative path. Missing paths
// are a silent no-op.
func (s *Store) DeleteByPath(ctx context.Context, path string) error {
	rec, err := s.GetByPath(ctx, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return s.delete(ctx, rec)
}

func (s *Store) delete(ctx context.Context, rec *memory.Indexed) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, rec.ID); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if err := s.memories.Delete(ctx, nil, nil, rec.ID); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}

	// Drop the directory vector once nothing lives in that directory.
	var remaining int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE directory = ?`, rec.Directory,
	).Scan(&remaining); err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if remaining == 0 && rec.Directory != "" {
		if err := s.directories.Delete(ctx, nil, nil, rec.Directory); err != nil {
			return &StoreError{Op: "delete", Err: err}
		}
	}
	return nil
}

// GetByID fetches a memory record by ID.
func (s *Store) GetByID(ctx context.Context, id string) (*memory.Indexed, error) {
	return s.getOne(ctx, `WHERE id = ?`, id)
}

// GetByPath fetches a memory record by relative path.
func (s *Store) GetByPath(ctx context.Context, path string) (*memory.Indexed, error) {
	return s.getOne(ctx, `WHERE path = ?`, path)
}

func (s *Store) getOne(ctx context.Context, where string, arg any) (*memory.Indexed, error) {
	row := s.db.QueryRowContext(ctx, selectMemories+where, arg)
	rec, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}
	return rec, nil
}

// GetAll returns every memory record, ordered by path.
func (s *Store) GetAll(ctx context.Context) ([]*memory.Indexed, error) {
	return s.list(ctx, selectMemories+`ORDER BY path`)
}

// GetBaseline returns all active baseline memories.
func (s *Store) GetBaseline(ctx context.Context) ([]*memory.Indexed, error) {
	return s.list(ctx, selectMemories+`WHERE scope = 'baseline' AND status = 'active' ORDER BY path`)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*memory.Indexed, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*memory.Indexed
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetFileHash returns the stored hash for a relative path, or empty when
// the path is not indexed.
func (s *Store) GetFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT file_hash FROM memories WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &StoreError{Op: "get_file_hash", Err: err}
	}
	return hash, nil
}

// GetMemoryCount returns the total number of indexed memories.
func (s *Store) GetMemoryCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&count); err != nil {
		return 0, &StoreError{Op: "count", Err: err}
	}
	return count, nil
}

// CountByScope returns the number of memories per scope.
func (s *Store) CountByScope(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, COUNT(*) FROM memories GROUP BY scope`)
	if err != nil {
		return nil, &StoreError{Op: "count_by_scope", Err: err}
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, &StoreError{Op: "count_by_scope", Err: err}
		}
		counts[scope] = n
	}
	return counts, rows.Err()
}

// SetSystemMeta stores a system metadata key.
func (s *Store) SetSystemMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &StoreError{Op: "set_system_meta", Err: err}
	}
	return nil
}

// GetSystemMeta reads a system metadata key, returning empty when unset.
func (s *Store) GetSystemMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &StoreError{Op: "get_system_meta", Err: err}
	}
	return value, nil
}

const selectMemories = `SELECT id, path, directory, title, tags, scope, priority, confidence, status, body, token_count, file_hash, indexed_at FROM memories `

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(row scanner) (*memory.Indexed, error) {
	var rec memory.Indexed
	var tags string
	var scope, confidence, status string
	if err := row.Scan(&rec.ID, &rec.Path, &rec.Directory, &rec.Title, &tags,
		&scope, &rec.Priority, &confidence, &status, &rec.Body,
		&rec.TokenCount, &rec.FileHash, &rec.IndexedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		rec.Tags = nil
	}
	rec.Scope = memory.Scope(scope)
	rec.Confidence = memory.Confidence(confidence)
	rec.Status = memory.Status(status)
	return &rec, nil
}
