package reviewer

import (
	"context"
	"strings"
	"testing"

	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/store"
	"github.com/jaysteelmind/dmm/internal/tokens"
)

type fixture struct {
	reviewer *Reviewer
	queue    *queue.Queue
	store    *store.Store
	embedder *embeddings.MemoryEmbedder
	cfg      *config.Config
}

func setup(t *testing.T) *fixture {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	s, err := store.OpenMemory(database)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Validation.MinTokens = 5
	cfg.Validation.MaxTokens = 200
	cfg.Validation.MaxHardTokens = 500

	e := embeddings.NewMemoryEmbedder(embeddings.NewLocalProvider(128))
	p := parser.New(t.TempDir(), tokens.NewCounter(),
		cfg.Validation.MinTokens, cfg.Validation.MaxTokens, cfg.Validation.MaxHardTokens)
	q := queue.New(database)

	return &fixture{
		reviewer: New(q, s, e, p, cfg),
		queue:    q,
		store:    s,
		embedder: e,
		cfg:      cfg,
	}
}

func content(id, scope string, tags []string, body string) string {
	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("id: " + id + "\n")
	b.WriteString("tags: [" + strings.Join(tags, ", ") + "]\n")
	b.WriteString("scope: " + scope + "\n")
	b.WriteString("priority: 0.6\n")
	b.WriteString("confidence: active\n")
	b.WriteString("status: active\n")
	b.WriteString("---\n\n")
	b.WriteString(body)
	return b.String()
}

func goodBody(title string) string {
	return "# " + title + "\n\nWe chose this approach because the retrieval index depends on stable paths and the daemon restarts cleanly this way.\n"
}

func enqueue(t *testing.T, f *fixture, p *queue.Proposal) *queue.Proposal {
	t.Helper()
	if err := f.queue.Enqueue(context.Background(), p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return p
}

// seedActive indexes an active memory through the real embedder so
// semantic comparisons are meaningful.
func seedActive(t *testing.T, f *fixture, id, path string, tags []string, body string) {
	t.Helper()
	ctx := context.Background()
	m := &memory.File{
		Header: memory.Header{
			ID:         id,
			Tags:       tags,
			Scope:      memory.Scope(memory.PathScope(path)),
			Priority:   0.5,
			Confidence: memory.ConfidenceActive,
			Status:     memory.StatusActive,
		},
		Path:       path,
		Directory:  memory.PathScope(path),
		Title:      parser.ExtractTitle(body),
		Body:       body,
		TokenCount: 50,
	}
	emb, err := f.embedder.EmbedMemory(ctx, m)
	if err != nil {
		t.Fatalf("embedding seed: %v", err)
	}
	if err := f.store.Upsert(ctx, m, emb.Composite, emb.Directory, "h-"+id); err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func TestCleanProposalApproved(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/deploy.md",
		Reason:     "new knowledge",
		Content: content("mem_2026_08_01_001", "project", []string{"deploy", "ci"},
			"# Deploy pipeline\n\nUse the staged deploy pipeline because rollbacks need the previous artifact retained for one release.\n"),
	})

	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if result.Decision != queue.DecisionApprove {
		t.Fatalf("expected approve, got %s (%s)", result.Decision, result.Notes)
	}
	if result.Confidence < f.cfg.Reviewer.AutoApproveConfidence {
		t.Errorf("expected auto-approvable confidence, got %v", result.Confidence)
	}

	got, _ := f.queue.Get(ctx, p.ProposalID)
	if got.Status != queue.StatusApproved {
		t.Errorf("queue status not updated: %s", got.Status)
	}
}

func TestSchemaErrorsReject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		content string
		code    string
	}{
		{"missing frontmatter", "# No header\n\nbody\n", "missing_frontmatter"},
		{"invalid yaml", "---\nid: [broken\n---\n\n# T\n\nbody\n", "invalid_yaml"},
		{"missing fields", "---\nid: mem_2026_08_01_001\n---\n\n# T\n\nbody\n", "missing_required_fields"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := enqueue(t, f, &queue.Proposal{
				Type:       queue.TypeCreate,
				TargetPath: "project/x.md",
				Content:    tc.content,
			})
			result, err := f.reviewer.Review(ctx, p)
			if err != nil {
				t.Fatalf("Review: %v", err)
			}
			if result.Decision != queue.DecisionReject {
				t.Fatalf("expected reject, got %s", result.Decision)
			}
			if result.SchemaValid {
				t.Error("schema_valid must be false")
			}
			if !hasIssue(result.Issues, tc.code) {
				t.Errorf("expected issue %s, got %+v", tc.code, result.Issues)
			}
			if result.Confidence != 1.0 && tc.code != "missing_frontmatter" {
				t.Errorf("critical schema errors reject with confidence 1.0, got %v", result.Confidence)
			}
		})
	}
}

func TestEmptyContentRejectedWithFullConfidence(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for name, body := range map[string]string{"empty": "", "whitespace": "  \n\t\n"} {
		t.Run(name, func(t *testing.T) {
			p := enqueue(t, f, &queue.Proposal{
				Type:       queue.TypeCreate,
				TargetPath: "project/blank.md",
				Content:    body,
			})
			result, err := f.reviewer.Review(ctx, p)
			if err != nil {
				t.Fatalf("Review: %v", err)
			}
			if result.Decision != queue.DecisionReject {
				t.Fatalf("expected reject, got %s", result.Decision)
			}
			if !hasIssue(result.Issues, "empty_content") {
				t.Errorf("expected empty_content, got %+v", result.Issues)
			}
			if result.Confidence != 1.0 {
				t.Errorf("empty_content is critical and must reject at 1.0, got %v", result.Confidence)
			}
		})
	}
}

func TestEmptyBodyIsWarningNotError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/headeronly.md",
		Content:    content("mem_2026_08_01_009", "project", []string{"alpha", "beta"}, ""),
	})
	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !hasIssue(result.Issues, "empty_body") {
		t.Fatalf("expected empty_body finding, got %+v", result.Issues)
	}
	for _, i := range result.Issues {
		if i.Code == "empty_body" && i.Severity != queue.SeverityWarning {
			t.Errorf("empty_body must be a warning, got %s", i.Severity)
		}
	}
	if result.Decision == queue.DecisionReject {
		t.Errorf("a header-only memory defers or approves on warnings, got reject (%s)", result.Notes)
	}
}

func TestDuplicateExactRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	body := "# Shared body\n\nThis exact body already exists in the store because it was committed earlier.\n"
	seedActive(t, f, "mem_2026_08_01_001", "project/original.md", []string{"alpha", "beta"}, body)

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/other.md",
		Content:    content("mem_2026_08_01_002", "project", []string{"gamma", "delta"}, body),
	})

	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if result.Decision != queue.DecisionReject {
		t.Fatalf("expected reject, got %s (%s)", result.Decision, result.Notes)
	}
	if !hasIssue(result.Issues, "duplicate_exact") {
		t.Errorf("expected duplicate_exact, got %+v", result.Issues)
	}
	if result.Confidence != 1.0 {
		t.Errorf("duplicate_exact must reject with confidence 1.0, got %v", result.Confidence)
	}
	if result.DuplicateCheckPassed {
		t.Error("duplicate_check_passed must be false")
	}
	if len(result.Duplicates) == 0 || result.Duplicates[0].MatchType != "exact" {
		t.Errorf("expected an exact duplicate match, got %+v", result.Duplicates)
	}
}

func TestUpdateExcludesOwnMemory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	body := "# Own body\n\nUpdating a memory with its own content must not flag itself as a duplicate at all.\n"
	seedActive(t, f, "mem_2026_08_01_001", "project/self.md", []string{"self", "update"}, body)

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeUpdate,
		TargetPath: "project/self.md",
		MemoryID:   "mem_2026_08_01_001",
		Content:    content("mem_2026_08_01_001", "project", []string{"self", "update"}, body),
	})

	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if hasIssue(result.Issues, "duplicate_exact") || hasIssue(result.Issues, "duplicate_semantic") {
		t.Errorf("self-update must not be a duplicate: %+v", result.Issues)
	}
}

func TestBaselineProposalDeferred(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("baseline path", func(t *testing.T) {
		p := enqueue(t, f, &queue.Proposal{
			Type:       queue.TypeCreate,
			TargetPath: "baseline/new_rule.md",
			Content: content("mem_2026_08_01_003", "baseline", []string{"rule", "core"},
				goodBody("New rule")),
		})
		result, err := f.reviewer.Review(ctx, p)
		if err != nil {
			t.Fatalf("Review: %v", err)
		}
		if result.Decision != queue.DecisionDefer || result.Confidence != 1.0 {
			t.Errorf("expected defer with confidence 1.0, got %s %v", result.Decision, result.Confidence)
		}
		if !strings.Contains(result.Notes, "human review") {
			t.Errorf("unexpected notes %q", result.Notes)
		}
	})

	t.Run("promote to baseline", func(t *testing.T) {
		p := enqueue(t, f, &queue.Proposal{
			Type:       queue.TypePromote,
			TargetPath: "project/promote.md",
			MemoryID:   "mem_2026_08_01_004",
			NewScope:   "baseline",
		})
		result, err := f.reviewer.Review(ctx, p)
		if err != nil {
			t.Fatalf("Review: %v", err)
		}
		if result.Decision != queue.DecisionDefer {
			t.Errorf("expected defer, got %s", result.Decision)
		}
	})
}

func TestConflictWarning(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedActive(t, f, "mem_2026_08_01_001", "project/style.md", []string{"formatting", "style"},
		"# Indentation\n\nAlways use tabs for indentation in this repository because the linter expects them.\n")

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/style2.md",
		Content: content("mem_2026_08_01_002", "project", []string{"formatting", "style"},
			"# Indentation update\n\nNever use tabs here; spaces keep the diff tooling consistent because reviewers rely on it.\n"),
	})

	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if !hasIssue(result.Issues, "conflict_warning") {
		t.Errorf("expected conflict_warning, got %+v", result.Issues)
	}
}

func TestDeprecateProposalApprovedWithoutContent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := enqueue(t, f, &queue.Proposal{
		Type:       queue.TypeDeprecate,
		TargetPath: "project/old.md",
		MemoryID:   "mem_2026_08_01_001",
		Reason:     "superseded",
	})
	result, err := f.reviewer.Review(ctx, p)
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if result.Decision != queue.DecisionApprove {
		t.Errorf("expected approve for contentless deprecate, got %s", result.Decision)
	}
}

func hasIssue(issues []queue.Issue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}
