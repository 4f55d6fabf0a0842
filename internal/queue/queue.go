// Package queue is the durable proposal queue backing the write pipeline.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaysteelmind/dmm/internal/db"
)

// ErrNotFound is returned when a proposal does not exist.
var ErrNotFound = errors.New("proposal not found")

// ErrDuplicateID is returned when enqueueing an existing proposal ID.
var ErrDuplicateID = errors.New("duplicate proposal id")

// ErrInvalidTransition is returned for status changes outside the DAG.
var ErrInvalidTransition = errors.New("invalid status transition")

// Queue stores proposals and their audit history in SQLite. Lost work is
// not acceptable, so every mutation is transactional.
type Queue struct {
	db *db.DB
}

// New creates a queue over the shared database.
func New(database *db.DB) *Queue {
	return &Queue{db: database}
}

// NewProposalID generates a fresh proposal identifier.
func NewProposalID() string {
	return "prop_" + uuid.New().String()
}

// Enqueue inserts a new proposal in pending state and writes its first
// audit entry.
func (q *Queue) Enqueue(ctx context.Context, p *Proposal) error {
	if p.ProposalID == "" {
		p.ProposalID = NewProposalID()
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.ProposedBy == "" {
		p.ProposedBy = "agent"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("enqueueing proposal: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals WHERE proposal_id = ?`, p.ProposalID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("checking proposal id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ProposalID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposals (proposal_id, type, target_path, reason, content, memory_id, new_scope, proposed_by, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProposalID, string(p.Type), p.TargetPath, p.Reason,
		nullable(p.Content), nullable(p.MemoryID), nullable(p.NewScope),
		p.ProposedBy, string(p.Status), p.RetryCount, p.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting proposal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_history (proposal_id, from_status, to_status, notes, actor)
		VALUES (?, '', ?, ?, ?)`,
		p.ProposalID, string(p.Status), "enqueued", p.ProposedBy,
	); err != nil {
		return fmt.Errorf("recording enqueue: %w", err)
	}

	return tx.Commit()
}

// Get fetches a proposal by ID.
func (q *Queue) Get(ctx context.Context, id string) (*Proposal, error) {
	row := q.db.QueryRowContext(ctx, selectProposals+`WHERE proposal_id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting proposal: %w", err)
	}
	return p, nil
}

// GetByPath returns proposals targeting the given path, newest first.
func (q *Queue) GetByPath(ctx context.Context, path string) ([]*Proposal, error) {
	return q.list(ctx, selectProposals+`WHERE target_path = ? ORDER BY created_at DESC`, path)
}

// GetPending returns pending proposals in arrival order.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]*Proposal, error) {
	return q.GetByStatus(ctx, StatusPending, limit)
}

// GetByStatus returns proposals with the given status in arrival order.
func (q *Queue) GetByStatus(ctx context.Context, status Status, limit int) ([]*Proposal, error) {
	query := selectProposals + `WHERE status = ? ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.list(ctx, query, args...)
}

// UpdateStatus moves a proposal to a new status, rejecting transitions
// outside the DAG, and records an audit entry. The current-status guard in
// the UPDATE prevents lost updates between concurrent reviewers.
func (q *Queue) UpdateStatus(ctx context.Context, id string, to Status, notes string) error {
	return q.updateStatus(ctx, id, to, notes, "system")
}

func (q *Queue) updateStatus(ctx context.Context, id string, to Status, notes, actor string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT status FROM proposals WHERE proposal_id = ?`, id).Scan(&from)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading status: %w", err)
	}

	if !CanTransition(Status(from), to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	set := `status = ?`
	args := []any{string(to)}
	if notes != "" {
		set += `, reviewer_notes = ?`
		args = append(args, notes)
	}
	switch to {
	case StatusApproved, StatusRejected, StatusModified, StatusDeferred:
		set += `, reviewed_at = ?`
		args = append(args, time.Now().UTC())
	case StatusCommitted:
		set += `, committed_at = ?`
		args = append(args, time.Now().UTC())
	}
	args = append(args, id, from)

	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET `+set+` WHERE proposal_id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: proposal %s changed concurrently", ErrInvalidTransition, id)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposal_history (proposal_id, from_status, to_status, notes, actor)
		VALUES (?, ?, ?, ?, ?)`,
		id, from, string(to), notes, actor,
	); err != nil {
		return fmt.Errorf("recording status change: %w", err)
	}

	return tx.Commit()
}

// Delete removes a proposal and its history.
func (q *Queue) Delete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM proposals WHERE proposal_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasPendingForPath reports whether any pending or in-review proposal
// targets the path.
func (q *Queue) HasPendingForPath(ctx context.Context, path string) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proposals
		WHERE target_path = ? AND status IN ('pending','in_review')`, path,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking pending for path: %w", err)
	}
	return count > 0, nil
}

// IncrementRetry bumps the retry counter.
func (q *Queue) IncrementRetry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE proposals SET retry_count = retry_count + 1 WHERE proposal_id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCommitError records a commit failure and moves the proposal to failed.
func (q *Queue) SetCommitError(ctx context.Context, id, msg string) error {
	if err := q.updateStatus(ctx, id, StatusFailed, msg, "commit"); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx,
		`UPDATE proposals SET commit_error = ? WHERE proposal_id = ?`, msg, id); err != nil {
		return fmt.Errorf("recording commit error: %w", err)
	}
	return nil
}

// GetHistory returns the audit trail for a proposal, oldest first.
func (q *Queue) GetHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT proposal_id, from_status, to_status, COALESCE(notes, ''), actor, created_at
		FROM proposal_history WHERE proposal_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ProposalID, &h.FromStatus, &h.ToStatus, &h.Notes, &h.Actor, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetStats returns proposal counts by status.
func (q *Queue) GetStats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

const selectProposals = `SELECT proposal_id, type, target_path, reason, content, memory_id, new_scope, proposed_by, status, retry_count, reviewer_notes, commit_error, created_at, reviewed_at, committed_at FROM proposals `

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*Proposal, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (*Proposal, error) {
	var p Proposal
	var ptype, status string
	var content, memoryID, newScope, notes, commitErr sql.NullString
	var reviewedAt, committedAt sql.NullTime
	if err := row.Scan(&p.ProposalID, &ptype, &p.TargetPath, &p.Reason,
		&content, &memoryID, &newScope, &p.ProposedBy, &status, &p.RetryCount,
		&notes, &commitErr, &p.CreatedAt, &reviewedAt, &committedAt); err != nil {
		return nil, err
	}
	p.Type = ProposalType(ptype)
	p.Status = Status(status)
	p.Content = content.String
	p.MemoryID = memoryID.String
	p.NewScope = newScope.String
	p.ReviewerNotes = notes.String
	p.CommitError = commitErr.String
	if reviewedAt.Valid {
		p.ReviewedAt = &reviewedAt.Time
	}
	if committedAt.Valid {
		p.CommittedAt = &committedAt.Time
	}
	return &p, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
