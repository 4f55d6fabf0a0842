// Package commit materializes approved proposals onto disk atomically and
// triggers reindexing.
package commit

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jaysteelmind/dmm/internal/indexer"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
)

// Engine commits approved proposals. A commit either succeeds or the
// target file is restored to its pre-commit state.
type Engine struct {
	queue      *queue.Queue
	indexer    *indexer.Indexer
	parser     *parser.Parser
	memoryRoot string

	// onBaselineChange, when set, runs after a commit touches a baseline
	// path. The daemon hooks cache invalidation here.
	onBaselineChange func()
}

// NewEngine creates a commit engine over the memory root.
func NewEngine(q *queue.Queue, ix *indexer.Indexer, p *parser.Parser, memoryRoot string) *Engine {
	return &Engine{queue: q, indexer: ix, parser: p, memoryRoot: memoryRoot}
}

// OnBaselineChange registers a hook invoked when a commit touches the
// baseline scope.
func (e *Engine) OnBaselineChange(fn func()) { e.onBaselineChange = fn }

// Commit materializes an approved proposal.
func (e *Engine) Commit(ctx context.Context, p *queue.Proposal) *queue.CommitResult {
	start := time.Now()
	result := &queue.CommitResult{ProposalID: p.ProposalID}

	// Preflight: the queue remains the authority on status.
	current, err := e.queue.Get(ctx, p.ProposalID)
	if err != nil {
		return e.fail(ctx, result, fmt.Sprintf("loading proposal: %v", err))
	}
	if current.Status != queue.StatusApproved && current.Status != queue.StatusModified {
		result.Error = fmt.Sprintf("proposal status is %s, not approved", current.Status)
		return result
	}
	p = current

	var memoryID, relPath string
	switch p.Type {
	case queue.TypeCreate:
		memoryID, relPath, err = e.commitCreate(ctx, p)
	case queue.TypeUpdate:
		memoryID, relPath, err = e.commitUpdate(ctx, p, result)
	case queue.TypeDeprecate:
		memoryID, relPath, err = e.commitDeprecate(ctx, p, result)
	case queue.TypePromote:
		memoryID, relPath, err = e.commitPromote(ctx, p, result)
	default:
		err = fmt.Errorf("unknown proposal type %q", p.Type)
	}
	if err != nil {
		return e.fail(ctx, result, err.Error())
	}

	result.MemoryID = memoryID
	result.MemoryPath = relPath
	result.CommitDurationMS = float64(time.Since(start)) / float64(time.Millisecond)

	// Reindex the affected path. A reindex failure does not roll back the
	// file change; it is reported on the result.
	reindexStart := time.Now()
	if p.Type == queue.TypeDeprecate {
		if err := e.indexer.DeleteFile(ctx, filepath.Join(e.memoryRoot, filepath.FromSlash(p.TargetPath))); err != nil {
			result.Error = fmt.Sprintf("removing deprecated memory from index: %v", err)
		}
	} else {
		if _, err := e.indexer.IndexFile(ctx, filepath.Join(e.memoryRoot, filepath.FromSlash(relPath))); err != nil {
			result.Error = fmt.Sprintf("reindexing %s: %v", relPath, err)
		}
		if p.Type == queue.TypePromote && p.TargetPath != relPath {
			if err := e.indexer.DeleteFile(ctx, filepath.Join(e.memoryRoot, filepath.FromSlash(p.TargetPath))); err != nil {
				log.Printf("commit: clearing old path %s: %v", p.TargetPath, err)
			}
		}
	}
	result.ReindexDurationMS = float64(time.Since(reindexStart)) / float64(time.Millisecond)

	if err := e.queue.UpdateStatus(ctx, p.ProposalID, queue.StatusCommitted, ""); err != nil {
		return e.fail(ctx, result, fmt.Sprintf("marking proposal committed: %v", err))
	}

	if e.onBaselineChange != nil && touchesBaseline(p, relPath) {
		e.onBaselineChange()
	}

	result.Success = true
	return result
}

func (e *Engine) commitCreate(ctx context.Context, p *queue.Proposal) (string, string, error) {
	m, err := e.preflightContent(p.Content, p.TargetPath)
	if err != nil {
		return "", "", err
	}

	abs := filepath.Join(e.memoryRoot, filepath.FromSlash(p.TargetPath))
	if _, err := os.Stat(abs); err == nil {
		return "", "", fmt.Errorf("file already exists: %s", p.TargetPath)
	}

	if err := atomicWrite(abs, []byte(p.Content)); err != nil {
		return "", "", err
	}
	return m.Header.ID, p.TargetPath, nil
}

func (e *Engine) commitUpdate(ctx context.Context, p *queue.Proposal, result *queue.CommitResult) (string, string, error) {
	rec, err := e.indexer.Store().GetByID(ctx, p.MemoryID)
	if err != nil {
		return "", "", fmt.Errorf("memory %s: %w", p.MemoryID, err)
	}

	m, err := e.preflightContent(p.Content, rec.Path)
	if err != nil {
		return "", "", err
	}

	abs := filepath.Join(e.memoryRoot, filepath.FromSlash(rec.Path))
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("reading current content: %w", err)
	}

	if err := atomicWrite(abs, []byte(p.Content)); err != nil {
		// atomicWrite failing leaves the original file intact, but report
		// the rollback state explicitly on catastrophic rename errors.
		restoreErr := os.WriteFile(abs, snapshot, 0o644)
		result.RollbackPerformed = true
		ok := restoreErr == nil
		result.RollbackSuccess = &ok
		if restoreErr != nil {
			return "", "", fmt.Errorf("writing update failed (%v) and rollback failed: %w", err, restoreErr)
		}
		return "", "", err
	}
	return m.Header.ID, rec.Path, nil
}

func (e *Engine) commitDeprecate(ctx context.Context, p *queue.Proposal, result *queue.CommitResult) (string, string, error) {
	rec, err := e.indexer.Store().GetByID(ctx, p.MemoryID)
	if err != nil {
		return "", "", fmt.Errorf("memory %s: %w", p.MemoryID, err)
	}

	abs := filepath.Join(e.memoryRoot, filepath.FromSlash(rec.Path))
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("reading current content: %w", err)
	}

	res := e.parser.ParseContent(string(snapshot), rec.Path)
	if res.Err != nil {
		return "", "", fmt.Errorf("parsing current content: %v", res.Err)
	}

	hdr := res.Memory.Header
	hdr.Status = memory.StatusDeprecated
	if hdr.Extra == nil {
		hdr.Extra = map[string]any{}
	}
	hdr.Extra["deprecated_at"] = time.Now().UTC().Format(time.RFC3339)
	hdr.Extra["deprecation_reason"] = p.Reason

	content, err := parser.Serialize(hdr, res.Memory.Body)
	if err != nil {
		return "", "", fmt.Errorf("rewriting header: %w", err)
	}

	// deprecated/<original scope>/<rest of path>.
	destRel := "deprecated/" + rec.Path
	destAbs := filepath.Join(e.memoryRoot, filepath.FromSlash(destRel))
	if _, err := os.Stat(destAbs); err == nil {
		ext := filepath.Ext(destRel)
		destRel = strings.TrimSuffix(destRel, ext) + "_" + time.Now().UTC().Format("20060102T150405") + ext
		destAbs = filepath.Join(e.memoryRoot, filepath.FromSlash(destRel))
	}

	if err := atomicWrite(destAbs, []byte(content)); err != nil {
		return "", "", err
	}
	if err := os.Remove(abs); err != nil {
		// Restore by removing the new copy so the move stays all-or-nothing.
		result.RollbackPerformed = true
		ok := os.Remove(destAbs) == nil
		result.RollbackSuccess = &ok
		return "", "", fmt.Errorf("removing original after deprecation copy: %w", err)
	}

	p.TargetPath = rec.Path
	return rec.ID, destRel, nil
}

func (e *Engine) commitPromote(ctx context.Context, p *queue.Proposal, result *queue.CommitResult) (string, string, error) {
	if !memory.ValidScopes[memory.Scope(p.NewScope)] {
		return "", "", fmt.Errorf("invalid new scope %q", p.NewScope)
	}

	rec, err := e.indexer.Store().GetByID(ctx, p.MemoryID)
	if err != nil {
		return "", "", fmt.Errorf("memory %s: %w", p.MemoryID, err)
	}

	abs := filepath.Join(e.memoryRoot, filepath.FromSlash(rec.Path))
	snapshot, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fmt.Errorf("reading current content: %w", err)
	}

	res := e.parser.ParseContent(string(snapshot), rec.Path)
	if res.Err != nil {
		return "", "", fmt.Errorf("parsing current content: %v", res.Err)
	}

	hdr := res.Memory.Header
	hdr.Scope = memory.Scope(p.NewScope)
	content, err := parser.Serialize(hdr, res.Memory.Body)
	if err != nil {
		return "", "", fmt.Errorf("rewriting header: %w", err)
	}

	rest := rec.Path
	if i := strings.IndexByte(rest, '/'); i > 0 {
		rest = rest[i+1:]
	}
	destRel := p.NewScope + "/" + rest
	destAbs := filepath.Join(e.memoryRoot, filepath.FromSlash(destRel))

	if err := atomicWrite(destAbs, []byte(content)); err != nil {
		return "", "", err
	}
	if destAbs != abs {
		if err := os.Remove(abs); err != nil {
			result.RollbackPerformed = true
			ok := os.Remove(destAbs) == nil
			result.RollbackSuccess = &ok
			return "", "", fmt.Errorf("removing original after promotion copy: %w", err)
		}
	}

	p.TargetPath = rec.Path
	return rec.ID, destRel, nil
}

// preflightContent re-parses proposal content; content that no longer
// passes schema fails the commit.
func (e *Engine) preflightContent(content, relPath string) (*memory.File, error) {
	if content == "" {
		return nil, fmt.Errorf("proposal has no content")
	}
	res := e.parser.ParseContent(content, relPath)
	if res.Err != nil {
		return nil, fmt.Errorf("content failed schema preflight: %v", res.Err)
	}
	return res.Memory, nil
}

// fail records the failure on the queue and the result.
func (e *Engine) fail(ctx context.Context, result *queue.CommitResult, msg string) *queue.CommitResult {
	result.Success = false
	result.Error = msg
	if err := e.queue.SetCommitError(ctx, result.ProposalID, msg); err != nil {
		log.Printf("commit: recording failure for %s: %v", result.ProposalID, err)
	}
	return result
}

// atomicWrite writes via a temp file in the destination directory, fsyncs,
// and renames into place. A failure removes the temp file.
func atomicWrite(dest string, data []byte) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".dmm-commit-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func touchesBaseline(p *queue.Proposal, relPath string) bool {
	return memory.PathScope(p.TargetPath) == string(memory.ScopeBaseline) ||
		memory.PathScope(relPath) == string(memory.ScopeBaseline) ||
		p.NewScope == string(memory.ScopeBaseline)
}
