// Package reviewer validates write proposals and decides their fate.
package reviewer

import (
	"context"
	"fmt"
	"time"

	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/store"
)

// Reviewer runs the validator pipeline over a proposal and produces a
// ReviewResult via the decision engine.
type Reviewer struct {
	queue    *queue.Queue
	schema   *schemaValidator
	quality  *qualityValidator
	dups     *duplicateDetector
	conflict *conflictChecker
	engine   *decisionEngine
}

// New wires a reviewer from shared components.
func New(q *queue.Queue, s *store.Store, e *embeddings.MemoryEmbedder, p *parser.Parser, cfg *config.Config) *Reviewer {
	return &Reviewer{
		queue:  q,
		schema: &schemaValidator{parser: p},
		quality: &qualityValidator{
			minTokens: cfg.Validation.MinTokens,
			maxTokens: cfg.Validation.MaxTokens,
			maxHard:   cfg.Validation.MaxHardTokens,
		},
		dups: &duplicateDetector{
			store:             s,
			embedder:          e,
			exactThreshold:    cfg.Reviewer.DuplicateExact,
			semanticThreshold: cfg.Reviewer.DuplicateSemantic,
			warningThreshold:  cfg.Reviewer.DuplicateWarning,
		},
		conflict: &conflictChecker{store: s},
		engine:   &decisionEngine{autoApproveThreshold: cfg.Reviewer.AutoApproveConfidence},
	}
}

// Review runs all validators on the proposal and records the decision in
// the queue. The proposal is moved to in_review for the duration.
func (r *Reviewer) Review(ctx context.Context, p *queue.Proposal) (*queue.ReviewResult, error) {
	start := time.Now()

	if p.Status == queue.StatusPending {
		if err := r.queue.UpdateStatus(ctx, p.ProposalID, queue.StatusInReview, ""); err != nil {
			return nil, fmt.Errorf("moving proposal to in_review: %w", err)
		}
	}

	result := r.evaluate(ctx, p)
	result.ReviewDurationMS = float64(time.Since(start)) / float64(time.Millisecond)

	var target queue.Status
	switch result.Decision {
	case queue.DecisionApprove:
		target = queue.StatusApproved
	case queue.DecisionReject:
		target = queue.StatusRejected
	case queue.DecisionModify:
		target = queue.StatusModified
	default:
		target = queue.StatusDeferred
	}
	// Re-reviewing a deferred proposal may land on the same decision;
	// only record an actual change.
	if target != p.Status {
		if err := r.queue.UpdateStatus(ctx, p.ProposalID, target, result.Notes); err != nil {
			return nil, fmt.Errorf("recording review decision: %w", err)
		}
	}

	return result, nil
}

// evaluate runs the validators without touching queue state.
func (r *Reviewer) evaluate(ctx context.Context, p *queue.Proposal) *queue.ReviewResult {
	// Deprecate and promote proposals carry no new content; they go
	// straight to the decision engine, which still enforces the baseline
	// guard.
	if p.Content == "" && (p.Type == queue.TypeDeprecate || p.Type == queue.TypePromote) {
		return r.engine.decide(p, nil, nil, nil, nil, nil)
	}

	schemaIssues, parsed := r.schema.validate(p.Content, p.TargetPath)
	if parsed == nil {
		// Fatal schema failure short-circuits the remaining validators.
		return r.engine.decide(p, schemaIssues, nil, nil, nil, nil)
	}

	qualityIssues := r.quality.validate(parsed)
	duplicateIssues, duplicates := r.dups.check(ctx, parsed, p.MemoryID)
	conflictIssues := r.conflict.check(ctx, parsed, p.MemoryID)

	return r.engine.decide(p, schemaIssues, qualityIssues, duplicateIssues, conflictIssues, duplicates)
}

// CanAutoCommit reports whether a review outcome qualifies for automatic
// commit.
func (r *Reviewer) CanAutoCommit(result *queue.ReviewResult) bool {
	return result.Decision == queue.DecisionApprove &&
		result.Confidence >= r.engine.autoApproveThreshold
}
