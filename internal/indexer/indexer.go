// Package indexer orchestrates parsing, embedding, and storage of memory
// files, both in bulk and incrementally from watch events.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/store"
	"github.com/jaysteelmind/dmm/internal/watcher"
)

// System metadata keys maintained by the indexer.
const (
	// MetaLastFullReindex records the last full reindex timestamp.
	MetaLastFullReindex = "last_full_reindex"

	// MetaEmbeddingModel records which model produced the stored vectors.
	// A different model at startup forces a full reindex.
	MetaEmbeddingModel = "embedding_model"
)

// defaultIgnores are relative-path glob patterns never indexed.
var defaultIgnores = []string{
	"deprecated/**",
	"**/deprecated/**",
	".*/**",
	"**/.*",
}

// FileError records a per-file indexing failure.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Result summarizes an indexing run.
type Result struct {
	Indexed    int              `json:"indexed"`
	Deleted    int              `json:"deleted"`
	Skipped    int              `json:"skipped"`
	Errors     []FileError      `json:"errors"`
	Warnings   []parser.Warning `json:"-"`
	DurationMS float64          `json:"duration_ms"`
}

// defaultBatchSize bounds how many memories go into one embedding round
// trip during a full reindex.
const defaultBatchSize = 50

// Indexer drives parse -> embed -> upsert for the memory root.
type Indexer struct {
	root      string
	parser    *parser.Parser
	embedder  *embeddings.MemoryEmbedder
	store     *store.Store
	ignores   []string
	batchSize int

	mu          sync.Mutex
	lastReindex time.Time

	// OnProgress, when set, is called after each file during a full
	// reindex with (done, total).
	OnProgress func(done, total int)
}

// New creates an indexer over the memory root.
func New(root string, p *parser.Parser, e *embeddings.MemoryEmbedder, s *store.Store) *Indexer {
	return &Indexer{
		root:      root,
		parser:    p,
		embedder:  e,
		store:     s,
		ignores:   defaultIgnores,
		batchSize: defaultBatchSize,
	}
}

// SetBatchSize overrides the embedding batch size for full reindexes.
func (ix *Indexer) SetBatchSize(n int) {
	if n > 0 {
		ix.batchSize = n
	}
}

// Store returns the index store.
func (ix *Indexer) Store() *store.Store { return ix.store }

// Embedder returns the memory embedder.
func (ix *Indexer) Embedder() *embeddings.MemoryEmbedder { return ix.embedder }

// LastReindex returns the time of the last completed full reindex in this
// process, zero if none.
func (ix *Indexer) LastReindex() time.Time {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastReindex
}

// ReindexAll enumerates every memory file, parses and embeds them in
// batch, and upserts the results. One bad file never aborts the run.
func (ix *Indexer) ReindexAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	paths, err := ix.enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerating memory files: %w", err)
	}

	var parsed []*memory.File
	var hashes []string
	for _, path := range paths {
		res := ix.parser.Parse(path)
		if res.Err != nil {
			result.Errors = append(result.Errors, FileError{Path: res.Err.Path, Error: res.Err.Error()})
			continue
		}
		result.Warnings = append(result.Warnings, res.Warnings...)
		parsed = append(parsed, res.Memory)
		hashes = append(hashes, res.Memory.FileHash)
	}

	// Embed in bounded batches; one failed batch skips only its members.
	for start := 0; start < len(parsed); start += ix.batchSize {
		end := start + ix.batchSize
		if end > len(parsed) {
			end = len(parsed)
		}
		batch := parsed[start:end]

		embs, err := ix.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			for _, m := range batch {
				result.Errors = append(result.Errors, FileError{Path: m.Path, Error: err.Error()})
			}
			continue
		}
		for i, m := range batch {
			if err := ix.store.Upsert(ctx, m, embs[i].Composite, embs[i].Directory, hashes[start+i]); err != nil {
				result.Errors = append(result.Errors, FileError{Path: m.Path, Error: err.Error()})
				continue
			}
			result.Indexed++
			if ix.OnProgress != nil {
				ix.OnProgress(result.Indexed, len(parsed))
			}
		}
	}

	now := time.Now()
	ix.mu.Lock()
	ix.lastReindex = now
	ix.mu.Unlock()
	if err := ix.store.SetSystemMeta(ctx, MetaLastFullReindex, now.UTC().Format(time.RFC3339)); err != nil {
		log.Printf("indexer: recording reindex timestamp: %v", err)
	}

	result.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
	return result, nil
}

// IndexFile indexes a single file. If the on-disk hash matches the stored
// hash the call is a successful no-op and reports reindexed=false.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (reindexed bool, err error) {
	rel := ix.parser.RelPath(path)

	currentHash, err := parser.HashFile(path)
	if err != nil {
		return false, fmt.Errorf("hashing %s: %w", rel, err)
	}
	storedHash, err := ix.store.GetFileHash(ctx, rel)
	if err != nil {
		return false, err
	}
	if storedHash == currentHash {
		return false, nil
	}

	res := ix.parser.Parse(path)
	if res.Err != nil {
		return false, res.Err
	}

	emb, err := ix.embedder.EmbedMemory(ctx, res.Memory)
	if err != nil {
		return false, err
	}

	if err := ix.store.Upsert(ctx, res.Memory, emb.Composite, emb.Directory, currentHash); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteFile removes any record at the path. Missing records are a no-op.
func (ix *Indexer) DeleteFile(ctx context.Context, path string) error {
	return ix.store.DeleteByPath(ctx, ix.parser.RelPath(path))
}

// ReindexChanged walks the tree and reindexes only files whose hash
// differs from the stored hash, plus removes records whose files are gone.
// This is the opportunistic pass the daemon runs at startup.
func (ix *Indexer) ReindexChanged(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{}

	paths, err := ix.enumerate()
	if err != nil {
		return nil, fmt.Errorf("enumerating memory files: %w", err)
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		rel := ix.parser.RelPath(path)
		seen[rel] = true
		reindexed, err := ix.IndexFile(ctx, path)
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Error: err.Error()})
			continue
		}
		if reindexed {
			result.Indexed++
		} else {
			result.Skipped++
		}
	}

	// Records whose files vanished while the daemon was down.
	all, err := ix.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if !seen[rec.Path] {
			if err := ix.store.DeleteByPath(ctx, rec.Path); err != nil {
				result.Errors = append(result.Errors, FileError{Path: rec.Path, Error: err.Error()})
				continue
			}
			result.Deleted++
		}
	}

	result.DurationMS = float64(time.Since(start)) / float64(time.Millisecond)
	return result, nil
}

// Run consumes watcher events until the context is cancelled. Per-file
// errors are logged, never fatal.
func (ix *Indexer) Run(ctx context.Context, events <-chan watcher.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ix.handleEvent(ctx, ev)
		}
	}
}

func (ix *Indexer) handleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Type {
	case watcher.Deleted:
		if err := ix.DeleteFile(ctx, ev.Path); err != nil {
			log.Printf("indexer: deleting %s: %v", ev.Path, err)
		}
	case watcher.Created, watcher.Modified:
		if _, err := os.Stat(ev.Path); err != nil {
			return
		}
		if _, err := ix.IndexFile(ctx, ev.Path); err != nil {
			log.Printf("indexer: indexing %s: %v", ev.Path, err)
		}
	}
}

// enumerate lists every indexable .md file under the memory root.
func (ix *Indexer) enumerate() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel := ix.parser.RelPath(path)
		if d.IsDir() {
			if rel != "." && ix.ignored(rel+"/x") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".md") || ix.ignored(rel) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return paths, nil
}

func (ix *Indexer) ignored(rel string) bool {
	for _, pattern := range ix.ignores {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
