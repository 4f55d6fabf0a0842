package queue

import "time"

// ProposalType is the kind of write a proposal requests.
type ProposalType string

const (
	TypeCreate    ProposalType = "create"
	TypeUpdate    ProposalType = "update"
	TypeDeprecate ProposalType = "deprecate"
	TypePromote   ProposalType = "promote"
)

// ValidTypes is the set of recognized proposal types.
var ValidTypes = map[ProposalType]bool{
	TypeCreate:    true,
	TypeUpdate:    true,
	TypeDeprecate: true,
	TypePromote:   true,
}

// Status is a proposal's position in the review pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusCommitted Status = "committed"
	StatusRejected  Status = "rejected"
	StatusModified  Status = "modified"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// transitions is the DAG of allowed status changes.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInReview, StatusApproved, StatusRejected},
	StatusInReview: {StatusApproved, StatusRejected, StatusModified, StatusDeferred},
	StatusApproved: {StatusCommitted, StatusFailed},
	StatusModified: {StatusApproved, StatusCommitted, StatusFailed},
	StatusDeferred: {StatusPending, StatusApproved, StatusRejected},
	StatusFailed:   {StatusPending},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Proposal is a queued write request.
type Proposal struct {
	ProposalID string       `json:"proposal_id"`
	Type       ProposalType `json:"type"`
	TargetPath string       `json:"target_path"`
	Reason     string       `json:"reason"`
	Content    string       `json:"content,omitempty"`
	MemoryID   string       `json:"memory_id,omitempty"`
	NewScope   string       `json:"new_scope,omitempty"`
	ProposedBy string       `json:"proposed_by"`
	Status     Status       `json:"status"`
	RetryCount int          `json:"retry_count"`

	ReviewerNotes string `json:"reviewer_notes,omitempty"`
	CommitError   string `json:"commit_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

// HistoryEntry is one audit record of a proposal status change.
type HistoryEntry struct {
	ProposalID string    `json:"proposal_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Notes      string    `json:"notes,omitempty"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// Severity levels for review issues.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Issue is a single validation finding from review.
type Issue struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Severity   string `json:"severity"`
	Field      string `json:"field,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// DuplicateMatch records a potential duplicate of proposal content.
type DuplicateMatch struct {
	MemoryID   string  `json:"memory_id"`
	MemoryPath string  `json:"memory_path"`
	Similarity float64 `json:"similarity"`
	MatchType  string  `json:"match_type"` // "exact", "semantic", "similar"
}

// Decision is the outcome of a review.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
	DecisionDefer   Decision = "defer"
)

// ReviewResult is the complete outcome of reviewing one proposal.
type ReviewResult struct {
	ProposalID string   `json:"proposal_id"`
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`

	SchemaValid          bool `json:"schema_valid"`
	QualityValid         bool `json:"quality_valid"`
	DuplicateCheckPassed bool `json:"duplicate_check_passed"`

	Issues     []Issue          `json:"issues"`
	Duplicates []DuplicateMatch `json:"duplicates"`

	ModifiedContent string `json:"modified_content,omitempty"`
	Notes           string `json:"notes,omitempty"`

	ReviewDurationMS float64 `json:"review_duration_ms"`
}

// Errors returns only the error-severity issues.
func (r *ReviewResult) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityError {
			out = append(out, i)
		}
	}
	return out
}

// Warnings returns only the warning-severity issues.
func (r *ReviewResult) Warnings() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == SeverityWarning {
			out = append(out, i)
		}
	}
	return out
}

// CommitResult is the outcome of committing an approved proposal.
type CommitResult struct {
	ProposalID string `json:"proposal_id"`
	Success    bool   `json:"success"`
	MemoryID   string `json:"memory_id,omitempty"`
	MemoryPath string `json:"memory_path,omitempty"`

	Error             string `json:"error,omitempty"`
	RollbackPerformed bool   `json:"rollback_performed"`
	RollbackSuccess   *bool  `json:"rollback_success,omitempty"`

	CommitDurationMS  float64 `json:"commit_duration_ms"`
	ReindexDurationMS float64 `json:"reindex_duration_ms"`
}
