package commit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/indexer"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/store"
	"github.com/jaysteelmind/dmm/internal/tokens"
)

type fixture struct {
	engine  *Engine
	queue   *queue.Queue
	indexer *indexer.Indexer
	parser  *parser.Parser
	root    string
}

func setup(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	s, err := store.OpenMemory(database)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}

	p := parser.New(root, tokens.NewCounter(), 2, 400, 900)
	ix := indexer.New(root, p, embeddings.NewMemoryEmbedder(embeddings.NewLocalProvider(64)), s)
	q := queue.New(database)

	return &fixture{
		engine:  NewEngine(q, ix, p, root),
		queue:   q,
		indexer: ix,
		parser:  p,
		root:    root,
	}
}

func validContent(id, scope, body string) string {
	return `---
id: ` + id + `
tags: [a, b]
scope: ` + scope + `
priority: 0.5
confidence: active
status: active
---

` + body
}

// approved enqueues a proposal and walks it to approved.
func approved(t *testing.T, f *fixture, p *queue.Proposal) *queue.Proposal {
	t.Helper()
	ctx := context.Background()
	if err := f.queue.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := f.queue.UpdateStatus(ctx, p.ProposalID, queue.StatusInReview, ""); err != nil {
		t.Fatalf("to in_review: %v", err)
	}
	if err := f.queue.UpdateStatus(ctx, p.ProposalID, queue.StatusApproved, ""); err != nil {
		t.Fatalf("to approved: %v", err)
	}
	return p
}

func TestCommitCreate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	content := validContent("mem_2026_08_01_001", "project", "# New memory\n\nfresh knowledge\n")
	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/new.md",
		Reason:     "test",
		Content:    content,
	})

	result := f.engine.Commit(ctx, p)
	if !result.Success {
		t.Fatalf("commit failed: %s", result.Error)
	}
	if result.MemoryID != "mem_2026_08_01_001" || result.MemoryPath != "project/new.md" {
		t.Errorf("unexpected result: %+v", result)
	}

	// The file exists with the exact proposal content.
	raw, err := os.ReadFile(filepath.Join(f.root, "project/new.md"))
	if err != nil {
		t.Fatalf("reading committed file: %v", err)
	}
	if string(raw) != content {
		t.Error("committed content differs from proposal content")
	}

	// The store has the new memory.
	rec, err := f.indexer.Store().GetByID(ctx, "mem_2026_08_01_001")
	if err != nil {
		t.Fatalf("memory not indexed after commit: %v", err)
	}
	if rec.Path != "project/new.md" {
		t.Errorf("unexpected indexed path %q", rec.Path)
	}

	// The queue closed the proposal.
	got, _ := f.queue.Get(ctx, p.ProposalID)
	if got.Status != queue.StatusCommitted {
		t.Errorf("expected committed, got %s", got.Status)
	}
	if got.CommittedAt == nil {
		t.Error("committed_at not recorded")
	}
}

func TestCommitCreateExistingFileFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	abs := filepath.Join(f.root, "project/taken.md")
	os.MkdirAll(filepath.Dir(abs), 0o755)
	os.WriteFile(abs, []byte("occupied"), 0o644)

	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/taken.md",
		Content:    validContent("mem_2026_08_01_001", "project", "# X\n\nbody\n"),
	})

	result := f.engine.Commit(ctx, p)
	if result.Success {
		t.Fatal("commit over an existing file must fail")
	}

	// The original file is untouched and the proposal is failed.
	raw, _ := os.ReadFile(abs)
	if string(raw) != "occupied" {
		t.Error("existing file was modified")
	}
	got, _ := f.queue.Get(ctx, p.ProposalID)
	if got.Status != queue.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.CommitError == "" {
		t.Error("commit_error not recorded")
	}
}

func TestCommitPreflightSchemaFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/bad.md",
		Content:    "no frontmatter at all",
	})

	result := f.engine.Commit(ctx, p)
	if result.Success {
		t.Fatal("schema preflight must fail the commit")
	}
	if _, err := os.Stat(filepath.Join(f.root, "project/bad.md")); !os.IsNotExist(err) {
		t.Error("no file may exist after a failed preflight")
	}
	got, _ := f.queue.Get(ctx, p.ProposalID)
	if got.Status != queue.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
}

func TestCommitRequiresApprovedStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	p := &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "project/x.md",
		Content:    validContent("mem_2026_08_01_001", "project", "# X\n\nbody\n"),
	}
	if err := f.queue.Enqueue(ctx, p); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := f.engine.Commit(ctx, p)
	if result.Success {
		t.Fatal("committing a pending proposal must fail")
	}
	if !strings.Contains(result.Error, "pending") {
		t.Errorf("error should cite the status: %q", result.Error)
	}
}

func seedCommitted(t *testing.T, f *fixture, id, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	os.MkdirAll(filepath.Dir(abs), 0o755)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	if _, err := f.indexer.IndexFile(context.Background(), abs); err != nil {
		t.Fatalf("seed index: %v", err)
	}
}

func TestCommitUpdate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedCommitted(t, f, "mem_2026_08_01_001", "project/u.md",
		validContent("mem_2026_08_01_001", "project", "# U\n\noriginal body\n"))

	updated := validContent("mem_2026_08_01_001", "project", "# U\n\nupdated body\n")
	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeUpdate,
		TargetPath: "project/u.md",
		MemoryID:   "mem_2026_08_01_001",
		Content:    updated,
	})

	result := f.engine.Commit(ctx, p)
	if !result.Success {
		t.Fatalf("commit failed: %s", result.Error)
	}

	raw, _ := os.ReadFile(filepath.Join(f.root, "project/u.md"))
	if string(raw) != updated {
		t.Error("file not updated")
	}
	rec, _ := f.indexer.Store().GetByID(ctx, "mem_2026_08_01_001")
	if !strings.Contains(rec.Body, "updated body") {
		t.Error("index not refreshed after update")
	}
}

func TestCommitDeprecate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedCommitted(t, f, "mem_2026_08_01_001", "project/old.md",
		validContent("mem_2026_08_01_001", "project", "# Old\n\nold body\n"))

	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeDeprecate,
		TargetPath: "project/old.md",
		MemoryID:   "mem_2026_08_01_001",
		Reason:     "superseded by the new deployment memory",
	})

	result := f.engine.Commit(ctx, p)
	if !result.Success {
		t.Fatalf("commit failed: %s", result.Error)
	}
	if result.MemoryPath != "deprecated/project/old.md" {
		t.Errorf("unexpected destination %q", result.MemoryPath)
	}

	// Original is gone, deprecated copy carries the rewritten header.
	if _, err := os.Stat(filepath.Join(f.root, "project/old.md")); !os.IsNotExist(err) {
		t.Error("original file must be removed")
	}
	raw, err := os.ReadFile(filepath.Join(f.root, "deprecated/project/old.md"))
	if err != nil {
		t.Fatalf("deprecated copy missing: %v", err)
	}
	content := string(raw)
	if !strings.Contains(content, "status: deprecated") {
		t.Error("status not rewritten")
	}
	if !strings.Contains(content, "deprecated_at:") || !strings.Contains(content, "deprecation_reason:") {
		t.Error("deprecation metadata missing")
	}

	// The index no longer serves the memory.
	if _, err := f.indexer.Store().GetByPath(ctx, "project/old.md"); err == nil {
		t.Error("deprecated memory still indexed at the old path")
	}
}

func TestCommitPromote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	seedCommitted(t, f, "mem_2026_08_01_001", "project/p.md",
		validContent("mem_2026_08_01_001", "project", "# P\n\npromotable body\n"))

	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypePromote,
		TargetPath: "project/p.md",
		MemoryID:   "mem_2026_08_01_001",
		NewScope:   "global",
	})

	result := f.engine.Commit(ctx, p)
	if !result.Success {
		t.Fatalf("commit failed: %s", result.Error)
	}
	if result.MemoryPath != "global/p.md" {
		t.Errorf("unexpected destination %q", result.MemoryPath)
	}

	raw, err := os.ReadFile(filepath.Join(f.root, "global/p.md"))
	if err != nil {
		t.Fatalf("promoted file missing: %v", err)
	}
	if !strings.Contains(string(raw), "scope: global") {
		t.Error("scope not rewritten in header")
	}
	if _, err := os.Stat(filepath.Join(f.root, "project/p.md")); !os.IsNotExist(err) {
		t.Error("original file must be removed after promotion")
	}

	rec, err := f.indexer.Store().GetByPath(ctx, "global/p.md")
	if err != nil {
		t.Fatalf("promoted memory not indexed: %v", err)
	}
	if rec.Scope != memory.ScopeGlobal {
		t.Errorf("indexed scope not updated: %s", rec.Scope)
	}
}

func TestBaselineChangeHook(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	invalidated := false
	f.engine.OnBaselineChange(func() { invalidated = true })

	p := approved(t, f, &queue.Proposal{
		Type:       queue.TypeCreate,
		TargetPath: "baseline/rule.md",
		Content:    validContent("mem_2026_08_01_001", "baseline", "# Rule\n\ncore rule body\n"),
	})

	result := f.engine.Commit(ctx, p)
	if !result.Success {
		t.Fatalf("commit failed: %s", result.Error)
	}
	if !invalidated {
		t.Error("baseline commits must trigger the invalidation hook")
	}
}
