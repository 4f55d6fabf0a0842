// Package baseline manages the always-included memory pack with hash-keyed
// caching.
package baseline

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/store"
)

// CacheFileName is the on-disk cache file under .dmm/packs/.
const CacheFileName = "baseline_pack.json"

// priorityFiles are placed first in the pack, in this order, when present.
var priorityFiles = []string{"identity.md", "hard_constraints.md"}

// Manager builds and caches the baseline pack.
type Manager struct {
	store     *store.Store
	cachePath string
	budget    int

	mu    sync.Mutex
	cache *memory.BaselinePack
}

// New creates a baseline manager. packsDir is the .dmm/packs directory;
// budget is the baseline token budget.
func New(s *store.Store, packsDir string, budget int) *Manager {
	return &Manager{
		store:     s,
		cachePath: filepath.Join(packsDir, CacheFileName),
		budget:    budget,
	}
}

// Budget returns the baseline token budget.
func (m *Manager) Budget() int { return m.budget }

// GetPack returns the current baseline pack, regenerating it only when the
// set of baseline file hashes has changed since the cache was written.
func (m *Manager) GetPack(ctx context.Context) (*memory.BaselinePack, error) {
	memories, err := m.store.GetBaseline(ctx)
	if err != nil {
		return nil, err
	}
	current := make(map[string]string, len(memories))
	for _, rec := range memories {
		current[rec.Path] = rec.FileHash
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache != nil && m.cache.IsValid(current) {
		return m.cache, nil
	}

	if disk := m.loadCache(); disk != nil && disk.IsValid(current) {
		m.cache = disk
		return m.cache, nil
	}

	m.cache = build(memories)
	m.saveCache(m.cache)
	return m.cache, nil
}

// Tokens returns the total token count of the current baseline pack.
func (m *Manager) Tokens(ctx context.Context) (int, error) {
	pack, err := m.GetPack(ctx)
	if err != nil {
		return 0, err
	}
	return pack.TotalTokens, nil
}

// InvalidateCache clears the in-memory and on-disk cache. Called whenever a
// baseline file is committed or a full reindex completes.
func (m *Manager) InvalidateCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
	if err := os.Remove(m.cachePath); err != nil && !os.IsNotExist(err) {
		log.Printf("baseline: removing cache: %v", err)
	}
}

// ValidateBudget checks whether the baseline fits its token budget. The
// pack is never truncated; overflow is a signaled condition. Overflow files
// are identified by sorting members by priority descending and flagging
// those past the cumulative budget.
func (m *Manager) ValidateBudget(ctx context.Context) (*memory.BaselineValidation, error) {
	memories, err := m.store.GetBaseline(ctx)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, rec := range memories {
		total += rec.TokenCount
	}

	v := &memory.BaselineValidation{
		TotalTokens: total,
		Budget:      m.budget,
		IsValid:     total <= m.budget,
	}
	if v.IsValid {
		return v, nil
	}

	byPriority := make([]*memory.Indexed, len(memories))
	copy(byPriority, memories)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return byPriority[i].Priority > byPriority[j].Priority
	})

	running := 0
	for _, rec := range byPriority {
		running += rec.TokenCount
		if running > m.budget {
			v.OverflowFiles = append(v.OverflowFiles, rec.Path)
			v.OverflowTokens += rec.TokenCount
		}
	}
	return v, nil
}

// build assembles the pack in deterministic order: identity.md first,
// hard_constraints.md second, then remaining files alphabetically.
func build(memories []*memory.Indexed) *memory.BaselinePack {
	named := make(map[string]*memory.Indexed)
	var others []*memory.Indexed
	for _, rec := range memories {
		name := filepath.Base(rec.Path)
		if name == priorityFiles[0] || name == priorityFiles[1] {
			named[name] = rec
		} else {
			others = append(others, rec)
		}
	}
	sort.SliceStable(others, func(i, j int) bool {
		return filepath.Base(others[i].Path) < filepath.Base(others[j].Path)
	})

	var ordered []*memory.Indexed
	for _, name := range priorityFiles {
		if rec, ok := named[name]; ok {
			ordered = append(ordered, rec)
		}
	}
	ordered = append(ordered, others...)

	pack := &memory.BaselinePack{
		GeneratedAt: time.Now(),
		FileHashes:  make(map[string]string, len(ordered)),
	}
	for _, rec := range ordered {
		pack.Entries = append(pack.Entries, memory.PackEntry{
			Path:       rec.Path,
			Title:      rec.Title,
			Content:    rec.Body,
			TokenCount: rec.TokenCount,
			Relevance:  1.0,
			Source:     "baseline",
		})
		pack.TotalTokens += rec.TokenCount
		pack.FileHashes[rec.Path] = rec.FileHash
	}
	return pack
}

func (m *Manager) loadCache() *memory.BaselinePack {
	raw, err := os.ReadFile(m.cachePath)
	if err != nil {
		return nil
	}
	var pack memory.BaselinePack
	if err := json.Unmarshal(raw, &pack); err != nil {
		return nil
	}
	if pack.FileHashes == nil {
		pack.FileHashes = map[string]string{}
	}
	return &pack
}

func (m *Manager) saveCache(pack *memory.BaselinePack) {
	if err := os.MkdirAll(filepath.Dir(m.cachePath), 0o755); err != nil {
		log.Printf("baseline: creating cache dir: %v", err)
		return
	}
	raw, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		log.Printf("baseline: encoding cache: %v", err)
		return
	}
	if err := os.WriteFile(m.cachePath, raw, 0o644); err != nil {
		log.Printf("baseline: writing cache: %v", err)
	}
}
