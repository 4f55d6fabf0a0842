package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/memory"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	s, err := OpenMemory(database)
	if err != nil {
		t.Fatalf("store.OpenMemory: %v", err)
	}
	return s
}

// unit returns a unit vector with a 1 at the given axis.
func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func testFile(id, path string, scope memory.Scope) *memory.File {
	return &memory.File{
		Header: memory.Header{
			ID:         id,
			Tags:       []string{"one", "two"},
			Scope:      scope,
			Priority:   0.5,
			Confidence: memory.ConfidenceActive,
			Status:     memory.StatusActive,
		},
		Path:       path,
		Directory:  memory.PathScope(path),
		Title:      "Title " + id,
		Body:       "body of " + id,
		TokenCount: 100,
	}
}

func TestUpsertAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	if err := s.Upsert(ctx, m, unit(4, 0), unit(4, 1), "hash1"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rec, err := s.GetByID(ctx, "mem_2026_08_01_001")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if rec.Path != "project/a.md" || rec.FileHash != "hash1" || rec.TokenCount != 100 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Tags) != 2 || rec.Tags[0] != "one" {
		t.Errorf("tags not round-tripped: %v", rec.Tags)
	}

	byPath, err := s.GetByPath(ctx, "project/a.md")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if byPath.ID != rec.ID {
		t.Errorf("path lookup mismatch")
	}
}

func TestUpsertIdempotentOnRepeat(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	for i := 0; i < 2; i++ {
		if err := s.Upsert(ctx, m, unit(4, 0), unit(4, 1), "hash1"); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}

	count, err := s.GetMemoryCount(ctx)
	if err != nil {
		t.Fatalf("GetMemoryCount: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 memory after repeated upsert, got %d", count)
	}
}

func TestGetNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetByID(context.Background(), "mem_none"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteByPath(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	if err := s.Upsert(ctx, m, unit(4, 0), unit(4, 1), "h"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	if err := s.DeleteByPath(ctx, "project/a.md"); err != nil {
		t.Fatalf("DeleteByPath: %v", err)
	}
	if _, err := s.GetByID(ctx, "mem_2026_08_01_001"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record should be gone, got %v", err)
	}

	// Deleting a missing path is a silent no-op.
	if err := s.DeleteByPath(ctx, "project/missing.md"); err != nil {
		t.Errorf("delete of absent path must not fail: %v", err)
	}
}

func TestGetBaseline(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := testFile("mem_2026_08_01_001", "baseline/identity.md", memory.ScopeBaseline)
	proj := testFile("mem_2026_08_01_002", "project/a.md", memory.ScopeProject)
	deprecated := testFile("mem_2026_08_01_003", "baseline/old.md", memory.ScopeBaseline)
	deprecated.Header.Status = memory.StatusDeprecated

	for i, m := range []*memory.File{base, proj, deprecated} {
		if err := s.Upsert(ctx, m, unit(4, i), unit(4, 3), "h"); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	baseline, err := s.GetBaseline(ctx)
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if len(baseline) != 1 || baseline[0].Path != "baseline/identity.md" {
		t.Errorf("expected only the active baseline memory, got %+v", baseline)
	}
}

func TestGetFileHash(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	m := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	s.Upsert(ctx, m, unit(4, 0), unit(4, 1), "stored-hash")

	hash, err := s.GetFileHash(ctx, "project/a.md")
	if err != nil {
		t.Fatalf("GetFileHash: %v", err)
	}
	if hash != "stored-hash" {
		t.Errorf("unexpected hash %q", hash)
	}

	missing, err := s.GetFileHash(ctx, "project/none.md")
	if err != nil || missing != "" {
		t.Errorf("expected empty hash for unknown path, got %q, %v", missing, err)
	}
}

func TestSystemMeta(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SetSystemMeta(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetSystemMeta: %v", err)
	}
	if err := s.SetSystemMeta(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetSystemMeta overwrite: %v", err)
	}
	v, err := s.GetSystemMeta(ctx, "k")
	if err != nil || v != "v2" {
		t.Errorf("expected v2, got %q, %v", v, err)
	}
}

func TestSearchByDirectory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// project points along axis 0, global along axis 1.
	pa := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	ga := testFile("mem_2026_08_01_002", "global/b.md", memory.ScopeGlobal)
	s.Upsert(ctx, pa, unit(4, 2), unit(4, 0), "h")
	s.Upsert(ctx, ga, unit(4, 3), unit(4, 1), "h")

	matches, err := s.SearchByDirectory(ctx, unit(4, 0), 2)
	if err != nil {
		t.Fatalf("SearchByDirectory: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 directories, got %d", len(matches))
	}
	if matches[0].Directory != "project" {
		t.Errorf("expected project first, got %q", matches[0].Directory)
	}
	if matches[0].Similarity <= matches[1].Similarity {
		t.Errorf("expected descending similarity: %+v", matches)
	}
}

func TestSearchByContentFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	active := testFile("mem_2026_08_01_001", "project/a.md", memory.ScopeProject)
	deprecated := testFile("mem_2026_08_01_002", "project/b.md", memory.ScopeProject)
	deprecated.Header.Status = memory.StatusDeprecated
	ephemeral := testFile("mem_2026_08_01_003", "ephemeral/c.md", memory.ScopeEphemeral)
	baselineMem := testFile("mem_2026_08_01_004", "baseline/d.md", memory.ScopeBaseline)
	lowPriority := testFile("mem_2026_08_01_005", "project/e.md", memory.ScopeProject)
	lowPriority.Header.Priority = 0.1

	for i, m := range []*memory.File{active, deprecated, ephemeral, baselineMem, lowPriority} {
		if err := s.Upsert(ctx, m, unit(8, i), unit(8, 7), "h"); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	t.Run("default excludes deprecated and baseline", func(t *testing.T) {
		matches, err := s.SearchByContent(ctx, unit(8, 0), nil, memory.DefaultSearchFilters(), 10)
		if err != nil {
			t.Fatalf("SearchByContent: %v", err)
		}
		for _, m := range matches {
			if m.Memory.Status == memory.StatusDeprecated || m.Memory.Scope == memory.ScopeBaseline {
				t.Errorf("filter leaked %s", m.Memory.Path)
			}
		}
		if len(matches) != 3 {
			t.Errorf("expected 3 matches, got %d", len(matches))
		}
	})

	t.Run("exclude ephemeral", func(t *testing.T) {
		f := memory.DefaultSearchFilters()
		f.ExcludeEphemeral = true
		matches, _ := s.SearchByContent(ctx, unit(8, 0), nil, f, 10)
		for _, m := range matches {
			if m.Memory.Scope == memory.ScopeEphemeral {
				t.Errorf("ephemeral leaked: %s", m.Memory.Path)
			}
		}
	})

	t.Run("directory restriction", func(t *testing.T) {
		matches, _ := s.SearchByContent(ctx, unit(8, 0), []string{"ephemeral"}, memory.SearchFilters{}, 10)
		if len(matches) != 1 || matches[0].Memory.Path != "ephemeral/c.md" {
			t.Errorf("expected only the ephemeral memory, got %+v", matches)
		}
	})

	t.Run("min priority", func(t *testing.T) {
		f := memory.DefaultSearchFilters()
		f.MinPriority = 0.3
		matches, _ := s.SearchByContent(ctx, unit(8, 0), nil, f, 10)
		for _, m := range matches {
			if m.Memory.Priority < 0.3 {
				t.Errorf("low priority leaked: %s", m.Memory.Path)
			}
		}
	})

	t.Run("similarity ordering", func(t *testing.T) {
		matches, _ := s.SearchByContent(ctx, unit(8, 0), nil, memory.DefaultSearchFilters(), 10)
		if len(matches) == 0 || matches[0].Memory.ID != "mem_2026_08_01_001" {
			t.Errorf("expected the aligned memory first, got %+v", matches)
		}
	})
}
