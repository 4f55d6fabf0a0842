package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/store"
	"github.com/jaysteelmind/dmm/internal/tokens"
	"github.com/jaysteelmind/dmm/internal/watcher"
)

// recordingProvider counts Embed calls, delegating to the local embedder.
type recordingProvider struct {
	inner embeddings.Provider
	calls atomic.Int64
}

func (p *recordingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	return p.inner.Embed(ctx, texts)
}

func (p *recordingProvider) Dimensions() int { return p.inner.Dimensions() }
func (p *recordingProvider) Name() string    { return p.inner.Name() }

func setup(t *testing.T) (*Indexer, *recordingProvider, string) {
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

	provider := &recordingProvider{inner: embeddings.NewLocalProvider(64)}
	p := parser.New(root, tokens.NewCounter(), 2, 400, 900)
	ix := New(root, p, embeddings.NewMemoryEmbedder(provider), s)
	return ix, provider, root
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return abs
}

func validMemory(id, scope, body string) string {
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

func TestReindexAll(t *testing.T) {
	ix, _, root := setup(t)
	ctx := context.Background()

	writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))
	writeFile(t, root, "global/b.md", validMemory("mem_2026_08_01_002", "global", "# B\n\nbody b\n"))
	writeFile(t, root, "deprecated/project/c.md", validMemory("mem_2026_08_01_003", "project", "# C\n\nbody c\n"))
	writeFile(t, root, "project/notes.txt", "not a memory")
	writeFile(t, root, "project/broken.md", "# no frontmatter\n")

	result, err := ix.ReindexAll(ctx)
	if err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}

	if result.Indexed != 2 {
		t.Errorf("expected 2 indexed, got %d", result.Indexed)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected 1 error for the broken file, got %+v", result.Errors)
	}

	count, _ := ix.Store().GetMemoryCount(ctx)
	if count != 2 {
		t.Errorf("expected 2 memories in store, got %d", count)
	}

	// Deprecated subtree is never indexed.
	if _, err := ix.Store().GetByID(ctx, "mem_2026_08_01_003"); err == nil {
		t.Error("deprecated memory must not be indexed")
	}

	meta, _ := ix.Store().GetSystemMeta(ctx, MetaLastFullReindex)
	if meta == "" {
		t.Error("last_full_reindex not recorded")
	}
	if _, err := time.Parse(time.RFC3339, meta); err != nil {
		t.Errorf("last_full_reindex not RFC3339: %q", meta)
	}
}

func TestReindexAllBatchesEmbedding(t *testing.T) {
	ix, provider, root := setup(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rel := "project/" + string(rune('a'+i)) + ".md"
		id := "mem_2026_08_01_00" + string(rune('1'+i))
		writeFile(t, root, rel, validMemory(id, "project", "# M\n\nbody\n"))
	}

	ix.SetBatchSize(2)
	result, err := ix.ReindexAll(ctx)
	if err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}
	if result.Indexed != 5 {
		t.Fatalf("expected 5 indexed, got %d", result.Indexed)
	}
	// 5 memories at batch size 2 means three embedding round trips.
	if got := provider.calls.Load(); got != 3 {
		t.Errorf("expected 3 batched embed calls, got %d", got)
	}
}

func TestIndexFileSkipsUnchanged(t *testing.T) {
	ix, provider, root := setup(t)
	ctx := context.Background()

	abs := writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))

	reindexed, err := ix.IndexFile(ctx, abs)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if !reindexed {
		t.Fatal("first index must report reindexed")
	}
	callsAfterFirst := provider.calls.Load()
	if callsAfterFirst == 0 {
		t.Fatal("expected an embedding call on first index")
	}

	// Same bytes: the hash short-circuit must skip parse and embed.
	reindexed, err = ix.IndexFile(ctx, abs)
	if err != nil {
		t.Fatalf("IndexFile second call: %v", err)
	}
	if reindexed {
		t.Error("unchanged file must not reindex")
	}
	if provider.calls.Load() != callsAfterFirst {
		t.Error("unchanged file must not trigger an embedding call")
	}

	// Changed bytes index again.
	writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a changed\n"))
	reindexed, err = ix.IndexFile(ctx, abs)
	if err != nil {
		t.Fatalf("IndexFile after change: %v", err)
	}
	if !reindexed {
		t.Error("changed file must reindex")
	}
	if provider.calls.Load() == callsAfterFirst {
		t.Error("changed file must embed again")
	}
}

func TestIndexFileParseFailureKeepsOldRecord(t *testing.T) {
	ix, _, root := setup(t)
	ctx := context.Background()

	abs := writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))
	if _, err := ix.IndexFile(ctx, abs); err != nil {
		t.Fatalf("IndexFile: %v", err)
	}

	writeFile(t, root, "project/a.md", "broken, no frontmatter\n")
	if _, err := ix.IndexFile(ctx, abs); err == nil {
		t.Fatal("expected parse error")
	}

	// The previously indexed record is untouched.
	rec, err := ix.Store().GetByPath(ctx, "project/a.md")
	if err != nil {
		t.Fatalf("record lost after failed reindex: %v", err)
	}
	if rec.ID != "mem_2026_08_01_001" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestDeleteFile(t *testing.T) {
	ix, _, root := setup(t)
	ctx := context.Background()

	abs := writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))
	ix.IndexFile(ctx, abs)

	if err := ix.DeleteFile(ctx, abs); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := ix.Store().GetByPath(ctx, "project/a.md"); err == nil {
		t.Error("record must be deleted")
	}

	// Deleting an unknown path is a silent no-op.
	if err := ix.DeleteFile(ctx, filepath.Join(root, "project/none.md")); err != nil {
		t.Errorf("delete of unknown path: %v", err)
	}
}

func TestReindexChanged(t *testing.T) {
	ix, _, root := setup(t)
	ctx := context.Background()

	writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))
	writeFile(t, root, "project/b.md", validMemory("mem_2026_08_01_002", "project", "# B\n\nbody b\n"))

	if _, err := ix.ReindexAll(ctx); err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}

	// One file changes, one vanishes, one appears.
	writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nnew body\n"))
	os.Remove(filepath.Join(root, "project/b.md"))
	writeFile(t, root, "project/c.md", validMemory("mem_2026_08_01_004", "project", "# C\n\nbody c\n"))

	result, err := ix.ReindexChanged(ctx)
	if err != nil {
		t.Fatalf("ReindexChanged: %v", err)
	}
	if result.Indexed != 2 {
		t.Errorf("expected 2 indexed (changed + new), got %d", result.Indexed)
	}
	if result.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", result.Deleted)
	}

	if _, err := ix.Store().GetByPath(ctx, "project/b.md"); err == nil {
		t.Error("vanished file must leave the store")
	}
}

func TestRunConsumesWatchEvents(t *testing.T) {
	ix, _, root := setup(t)

	abs := writeFile(t, root, "project/a.md", validMemory("mem_2026_08_01_001", "project", "# A\n\nbody a\n"))

	events := make(chan watcher.Event, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ix.Run(ctx, events)
		close(done)
	}()

	events <- watcher.Event{Type: watcher.Created, Path: abs, Timestamp: time.Now()}

	deadline := time.After(2 * time.Second)
	for {
		if _, err := ix.Store().GetByPath(context.Background(), "project/a.md"); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watch event was not indexed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
