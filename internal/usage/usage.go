// Package usage records retrieval activity: a query log and per-memory
// rollups consumed by analytics reports.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jaysteelmind/dmm/internal/db"
)

// QueryLogEntry records a single query.
type QueryLogEntry struct {
	QueryID        string    `json:"query_id"`
	QueryText      string    `json:"query_text"`
	Budget         int       `json:"budget"`
	BaselineBudget int       `json:"baseline_budget"`
	ScopeFilter    string    `json:"scope_filter,omitempty"`
	BaselineFiles  int       `json:"baseline_files"`
	RetrievedFiles int       `json:"retrieved_files"`
	TotalTokens    int       `json:"total_tokens"`
	QueryTimeMS    float64   `json:"query_time_ms"`
	RetrievedIDs   []string  `json:"retrieved_ids"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryRecord is the per-memory usage rollup.
type MemoryRecord struct {
	MemoryID           string         `json:"memory_id"`
	MemoryPath         string         `json:"memory_path"`
	TotalRetrievals    int            `json:"total_retrievals"`
	BaselineRetrievals int            `json:"baseline_retrievals"`
	QueryRetrievals    int            `json:"query_retrievals"`
	FirstUsed          *time.Time     `json:"first_used,omitempty"`
	LastUsed           *time.Time     `json:"last_used,omitempty"`
	CoOccurredWith     map[string]int `json:"co_occurred_with"`
}

// Stats aggregates query log activity.
type Stats struct {
	TotalQueries      int              `json:"total_queries"`
	AvgQueryTimeMS    float64          `json:"avg_query_time_ms"`
	AvgTokensPerQuery float64          `json:"avg_tokens_per_query"`
	MostRetrieved     []RetrievalCount `json:"most_retrieved"`
}

// RetrievalCount pairs a memory with its retrieval count.
type RetrievalCount struct {
	MemoryID   string `json:"memory_id"`
	MemoryPath string `json:"memory_path"`
	Count      int    `json:"count"`
}

// Tracker persists usage records.
type Tracker struct {
	db *db.DB
}

// NewTracker creates a tracker over the shared database.
func NewTracker(database *db.DB) *Tracker {
	return &Tracker{db: database}
}

// RecordQuery logs a query and updates rollups for every retrieved memory.
func (t *Tracker) RecordQuery(ctx context.Context, entry *QueryLogEntry) error {
	if entry.QueryID == "" {
		entry.QueryID = "query_" + uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	ids, err := json.Marshal(entry.RetrievedIDs)
	if err != nil {
		return fmt.Errorf("encoding retrieved ids: %w", err)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording query: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO query_log (query_id, query_text, budget, baseline_budget, scope_filter, baseline_files, retrieved_files, total_tokens, query_time_ms, retrieved_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.QueryID, entry.QueryText, entry.Budget, entry.BaselineBudget,
		entry.ScopeFilter, entry.BaselineFiles, entry.RetrievedFiles,
		entry.TotalTokens, entry.QueryTimeMS, string(ids), entry.CreatedAt,
	); err != nil {
		return fmt.Errorf("inserting query log: %w", err)
	}

	for _, id := range entry.RetrievedIDs {
		if err := t.bumpMemory(ctx, tx, id, entry.RetrievedIDs, entry.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (t *Tracker) bumpMemory(ctx context.Context, tx *sql.Tx, id string, cohort []string, at time.Time) error {
	var coRaw string
	err := tx.QueryRowContext(ctx,
		`SELECT co_occurred_with FROM memory_usage WHERE memory_id = ?`, id).Scan(&coRaw)
	co := map[string]int{}
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("reading usage for %s: %w", id, err)
	default:
		if err := json.Unmarshal([]byte(coRaw), &co); err != nil {
			co = map[string]int{}
		}
	}

	for _, other := range cohort {
		if other != id {
			co[other]++
		}
	}
	coEnc, err := json.Marshal(co)
	if err != nil {
		return fmt.Errorf("encoding co-occurrence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_usage (memory_id, memory_path, total_retrievals, query_retrievals, first_used, last_used, co_occurred_with)
		VALUES (?, (SELECT COALESCE((SELECT path FROM memories WHERE id = ?), '')), 1, 1, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET
			total_retrievals = total_retrievals + 1,
			query_retrievals = query_retrievals + 1,
			last_used = excluded.last_used,
			co_occurred_with = excluded.co_occurred_with`,
		id, id, at, at, string(coEnc),
	); err != nil {
		return fmt.Errorf("updating usage for %s: %w", id, err)
	}
	return nil
}

// GetMemoryRecord returns the rollup for a memory, or nil if unused.
func (t *Tracker) GetMemoryRecord(ctx context.Context, id string) (*MemoryRecord, error) {
	var rec MemoryRecord
	var coRaw string
	var first, last sql.NullTime
	err := t.db.QueryRowContext(ctx, `
		SELECT memory_id, memory_path, total_retrievals, baseline_retrievals, query_retrievals, first_used, last_used, co_occurred_with
		FROM memory_usage WHERE memory_id = ?`, id,
	).Scan(&rec.MemoryID, &rec.MemoryPath, &rec.TotalRetrievals, &rec.BaselineRetrievals,
		&rec.QueryRetrievals, &first, &last, &coRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading usage record: %w", err)
	}
	if first.Valid {
		rec.FirstUsed = &first.Time
	}
	if last.Valid {
		rec.LastUsed = &last.Time
	}
	if err := json.Unmarshal([]byte(coRaw), &rec.CoOccurredWith); err != nil {
		rec.CoOccurredWith = map[string]int{}
	}
	return &rec, nil
}

// GetStats aggregates the query log.
func (t *Tracker) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := t.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(query_time_ms), 0), COALESCE(AVG(total_tokens), 0)
		FROM query_log`,
	).Scan(&stats.TotalQueries, &stats.AvgQueryTimeMS, &stats.AvgTokensPerQuery)
	if err != nil {
		return nil, fmt.Errorf("aggregating query log: %w", err)
	}

	rows, err := t.db.QueryContext(ctx, `
		SELECT memory_id, memory_path, total_retrievals
		FROM memory_usage ORDER BY total_retrievals DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("reading top memories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rc RetrievalCount
		if err := rows.Scan(&rc.MemoryID, &rc.MemoryPath, &rc.Count); err != nil {
			return nil, fmt.Errorf("scanning top memories: %w", err)
		}
		stats.MostRetrieved = append(stats.MostRetrieved, rc)
	}
	return stats, rows.Err()
}

// Report classifies memories by usage pattern for the health report.
type Report struct {
	GeneratedAt           time.Time        `json:"generated_at"`
	StaleThresholdDays    int              `json:"stale_threshold_days"`
	HotThreshold          int              `json:"hot_threshold_retrievals"`
	StaleMemories         []RetrievalCount `json:"stale_memories"`
	HotMemories           []RetrievalCount `json:"hot_memories"`
	PromotionCandidates   []RetrievalCount `json:"promotion_candidates"`
	DeprecationCandidates []RetrievalCount `json:"deprecation_candidates"`
}

// GetReport builds the usage health report: stale memories unused past the
// threshold, hot memories above the retrieval threshold, ephemeral
// memories hot enough to promote, and cold old memories to deprecate.
func (t *Tracker) GetReport(ctx context.Context, staleDays, hotThreshold int) (*Report, error) {
	report := &Report{
		GeneratedAt:        time.Now().UTC(),
		StaleThresholdDays: staleDays,
		HotThreshold:       hotThreshold,
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -staleDays)

	rows, err := t.db.QueryContext(ctx, `
		SELECT u.memory_id, u.memory_path, u.total_retrievals, u.last_used, COALESCE(m.scope, '')
		FROM memory_usage u LEFT JOIN memories m ON m.id = u.memory_id`)
	if err != nil {
		return nil, fmt.Errorf("reading usage for report: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rc RetrievalCount
		var last sql.NullTime
		var scope string
		if err := rows.Scan(&rc.MemoryID, &rc.MemoryPath, &rc.Count, &last, &scope); err != nil {
			return nil, fmt.Errorf("scanning usage for report: %w", err)
		}

		stale := !last.Valid || last.Time.Before(cutoff)
		if stale {
			report.StaleMemories = append(report.StaleMemories, rc)
			if rc.Count <= 1 {
				report.DeprecationCandidates = append(report.DeprecationCandidates, rc)
			}
		}
		if rc.Count >= hotThreshold {
			report.HotMemories = append(report.HotMemories, rc)
			if scope == "ephemeral" {
				report.PromotionCandidates = append(report.PromotionCandidates, rc)
			}
		}
	}
	return report, rows.Err()
}
