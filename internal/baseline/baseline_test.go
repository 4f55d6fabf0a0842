package baseline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/store"
)

func testSetup(t *testing.T) (*Manager, *store.Store, string) {
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
	packsDir := t.TempDir()
	return New(s, packsDir, 800), s, packsDir
}

func unit(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func seedBaseline(t *testing.T, s *store.Store, id, path string, tokenCount int, priority float64, hash string) {
	t.Helper()
	m := &memory.File{
		Header: memory.Header{
			ID:         id,
			Tags:       []string{"baseline"},
			Scope:      memory.ScopeBaseline,
			Priority:   priority,
			Confidence: memory.ConfidenceStable,
			Status:     memory.StatusActive,
		},
		Path:       path,
		Directory:  "baseline",
		Title:      "Title " + id,
		Body:       "body of " + id,
		TokenCount: tokenCount,
	}
	if err := s.Upsert(context.Background(), m, unit(4, 0), unit(4, 1), hash); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestPackOrdering(t *testing.T) {
	m, s, _ := testSetup(t)
	ctx := context.Background()

	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/zz_extras.md", 50, 0.5, "h1")
	seedBaseline(t, s, "mem_2026_08_01_002", "baseline/hard_constraints.md", 150, 0.9, "h2")
	seedBaseline(t, s, "mem_2026_08_01_003", "baseline/aa_conventions.md", 50, 0.5, "h3")
	seedBaseline(t, s, "mem_2026_08_01_004", "baseline/identity.md", 200, 1.0, "h4")

	pack, err := m.GetPack(ctx)
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}

	want := []string{
		"baseline/identity.md",
		"baseline/hard_constraints.md",
		"baseline/aa_conventions.md",
		"baseline/zz_extras.md",
	}
	if len(pack.Entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(pack.Entries))
	}
	for i, w := range want {
		if pack.Entries[i].Path != w {
			t.Errorf("position %d: expected %q, got %q", i, w, pack.Entries[i].Path)
		}
	}
	if pack.TotalTokens != 450 {
		t.Errorf("expected 450 total tokens, got %d", pack.TotalTokens)
	}
	for _, e := range pack.Entries {
		if e.Source != "baseline" || e.Relevance != 1.0 {
			t.Errorf("entry %s: source=%q relevance=%v", e.Path, e.Source, e.Relevance)
		}
	}
}

func TestTwoFilePack(t *testing.T) {
	m, s, _ := testSetup(t)

	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 200, 1.0, "h1")
	seedBaseline(t, s, "mem_2026_08_01_002", "baseline/hard_constraints.md", 150, 0.9, "h2")

	pack, err := m.GetPack(context.Background())
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if len(pack.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(pack.Entries))
	}
	if pack.Entries[0].Path != "baseline/identity.md" || pack.Entries[1].Path != "baseline/hard_constraints.md" {
		t.Errorf("wrong order: %+v", pack.Entries)
	}
	if pack.TotalTokens != 350 {
		t.Errorf("expected 350 tokens, got %d", pack.TotalTokens)
	}
}

func TestCacheReusedUntilHashesChange(t *testing.T) {
	m, s, packsDir := testSetup(t)
	ctx := context.Background()

	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 200, 1.0, "h1")

	first, err := m.GetPack(ctx)
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if _, err := os.Stat(filepath.Join(packsDir, CacheFileName)); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	second, err := m.GetPack(ctx)
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if second != first {
		t.Error("expected the cached pack instance to be reused")
	}

	// A hash change invalidates the cache.
	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 220, 1.0, "h1-changed")
	third, err := m.GetPack(ctx)
	if err != nil {
		t.Fatalf("GetPack: %v", err)
	}
	if third == first {
		t.Error("expected regeneration after hash change")
	}
	if third.TotalTokens != 220 {
		t.Errorf("regenerated pack stale: %d tokens", third.TotalTokens)
	}
}

func TestDiskCacheSurvivesNewManager(t *testing.T) {
	m, s, packsDir := testSetup(t)
	ctx := context.Background()

	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 200, 1.0, "h1")
	if _, err := m.GetPack(ctx); err != nil {
		t.Fatalf("GetPack: %v", err)
	}

	fresh := New(s, packsDir, 800)
	pack, err := fresh.GetPack(ctx)
	if err != nil {
		t.Fatalf("GetPack on fresh manager: %v", err)
	}
	if pack.TotalTokens != 200 {
		t.Errorf("disk cache not loaded: %+v", pack)
	}
}

func TestInvalidateCache(t *testing.T) {
	m, s, packsDir := testSetup(t)
	ctx := context.Background()

	seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 200, 1.0, "h1")
	if _, err := m.GetPack(ctx); err != nil {
		t.Fatalf("GetPack: %v", err)
	}

	m.InvalidateCache()
	if _, err := os.Stat(filepath.Join(packsDir, CacheFileName)); !os.IsNotExist(err) {
		t.Error("expected cache file removed")
	}
}

func TestValidateBudget(t *testing.T) {
	m, s, _ := testSetup(t)
	ctx := context.Background()

	t.Run("within budget", func(t *testing.T) {
		seedBaseline(t, s, "mem_2026_08_01_001", "baseline/identity.md", 300, 1.0, "h1")
		v, err := m.ValidateBudget(ctx)
		if err != nil {
			t.Fatalf("ValidateBudget: %v", err)
		}
		if !v.IsValid || v.TotalTokens != 300 || len(v.OverflowFiles) != 0 {
			t.Errorf("unexpected validation: %+v", v)
		}
	})

	t.Run("overflow flagged but not truncated", func(t *testing.T) {
		seedBaseline(t, s, "mem_2026_08_01_002", "baseline/big.md", 700, 0.3, "h2")
		v, err := m.ValidateBudget(ctx)
		if err != nil {
			t.Fatalf("ValidateBudget: %v", err)
		}
		if v.IsValid {
			t.Error("1000 tokens must exceed an 800 budget")
		}
		if len(v.OverflowFiles) != 1 || v.OverflowFiles[0] != "baseline/big.md" {
			t.Errorf("expected the low-priority file flagged, got %v", v.OverflowFiles)
		}
		if v.OverflowTokens != 700 {
			t.Errorf("expected 700 overflow tokens, got %d", v.OverflowTokens)
		}

		// The pack itself still contains every baseline entry.
		pack, _ := m.GetPack(ctx)
		if len(pack.Entries) != 2 {
			t.Errorf("overbudget baseline must not truncate the pack")
		}
	})
}
