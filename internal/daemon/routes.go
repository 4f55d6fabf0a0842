package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jaysteelmind/dmm/internal/indexer"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/retrieval"
	"github.com/jaysteelmind/dmm/internal/usage"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query             string `json:"query"`
	Budget            int    `json:"budget"`
	BaselineBudget    int    `json:"baseline_budget"`
	ScopeFilter       string `json:"scope_filter,omitempty"`
	ExcludeEphemeral  bool   `json:"exclude_ephemeral"`
	IncludeDeprecated bool   `json:"include_deprecated"`
	Verbose           bool   `json:"verbose"`
}

// QueryStats carries per-query timing and counts.
type QueryStats struct {
	QueryTimeMS          float64  `json:"query_time_ms"`
	RetrievalTimeMS      float64  `json:"retrieval_time_ms"`
	AssemblyTimeMS       float64  `json:"assembly_time_ms"`
	DirectoriesSearched  []string `json:"directories_searched"`
	CandidatesConsidered int      `json:"candidates_considered"`
	BaselineFiles        int      `json:"baseline_files"`
	RetrievedFiles       int      `json:"retrieved_files"`
	ExcludedFiles        int      `json:"excluded_files"`
}

// QueryResponse is the body returned from POST /query.
type QueryResponse struct {
	Success      bool         `json:"success"`
	Pack         *memory.Pack `json:"pack"`
	PackMarkdown string       `json:"pack_markdown"`
	Stats        QueryStats   `json:"stats"`
}

// ProposeRequest is the body of POST /write/propose.
type ProposeRequest struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	Reason     string `json:"reason"`
	Content    string `json:"content,omitempty"`
	MemoryID   string `json:"memory_id,omitempty"`
	NewScope   string `json:"new_scope,omitempty"`
	ProposedBy string `json:"proposed_by,omitempty"`
}

// ProposeResponse reports the outcome of a proposal submission.
type ProposeResponse struct {
	Success          bool     `json:"success"`
	ProposalID       string   `json:"proposal_id,omitempty"`
	PrecheckPassed   bool     `json:"precheck_passed"`
	PrecheckWarnings []string `json:"precheck_warnings"`
	PrecheckErrors   []string `json:"precheck_errors"`
	Message          string   `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.store.GetMemoryCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	baselineTokens, err := s.baseline.Tokens(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastReindex, _ := s.store.GetSystemMeta(ctx, indexer.MetaLastFullReindex)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"uptime_seconds":  time.Since(s.startTime).Seconds(),
		"indexed_count":   count,
		"baseline_tokens": baselineTokens,
		"last_reindex":    lastReindex,
		"watcher_active":  s.watcher.Running(),
		"version":         Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	count, err := s.store.GetMemoryCount(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byScope, err := s.store.CountByScope(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pack, err := s.baseline.GetPack(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastReindex, _ := s.store.GetSystemMeta(ctx, indexer.MetaLastFullReindex)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"uptime_seconds":   time.Since(s.startTime).Seconds(),
		"indexed_count":    count,
		"memories_by_scope": byScope,
		"baseline_files":   len(pack.Entries),
		"baseline_tokens":  pack.TotalTokens,
		"last_reindex":     lastReindex,
		"watcher_active":   s.watcher.Running(),
		"memory_root":      MemoryRoot(s.basePath),
		"version":          Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"router":    s.router.Stats(),
		"proposals": stats,
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Budget <= 0 {
		req.Budget = s.cfg.Retrieval.DefaultBudget
	}

	filters := memory.SearchFilters{
		ExcludeDeprecated: !req.IncludeDeprecated,
		ExcludeEphemeral:  req.ExcludeEphemeral,
	}
	if req.ScopeFilter != "" {
		scope := memory.Scope(req.ScopeFilter)
		if !memory.ValidScopes[scope] {
			writeError(w, http.StatusBadRequest, "invalid scope: "+req.ScopeFilter)
			return
		}
		filters.Scopes = []memory.Scope{scope}
	}

	ctx := r.Context()
	start := time.Now()

	pack, err := s.baseline.GetPack(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	retrieveStart := time.Now()
	result, err := s.router.Retrieve(ctx, req.Query,
		retrieval.RetrievalBudget(req.Budget, pack.TotalTokens), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	retrieveMS := float64(time.Since(retrieveStart)) / float64(time.Millisecond)

	assembleStart := time.Now()
	assembled := s.assembler.Assemble(req.Query, pack, result, req.Budget)
	markdown := assembled.ToMarkdown(req.Verbose)
	assembleMS := float64(time.Since(assembleStart)) / float64(time.Millisecond)

	totalMS := float64(time.Since(start)) / float64(time.Millisecond)

	resp := QueryResponse{
		Success:      true,
		Pack:         assembled,
		PackMarkdown: markdown,
		Stats: QueryStats{
			QueryTimeMS:          totalMS,
			RetrievalTimeMS:      retrieveMS,
			AssemblyTimeMS:       assembleMS,
			DirectoriesSearched:  result.DirectoriesSearched,
			CandidatesConsidered: result.CandidatesConsidered,
			BaselineFiles:        len(pack.Entries),
			RetrievedFiles:       len(result.Entries),
			ExcludedFiles:        len(result.ExcludedForBudget),
		},
	}

	// Usage recording is off the request path; a failed record never
	// fails the query.
	entry := &usage.QueryLogEntry{
		QueryText:      req.Query,
		Budget:         req.Budget,
		BaselineBudget: s.baseline.Budget(),
		ScopeFilter:    req.ScopeFilter,
		BaselineFiles:  len(pack.Entries),
		RetrievedFiles: len(result.Entries),
		TotalTokens:    assembled.TotalTokens,
		QueryTimeMS:    totalMS,
		RetrievedIDs:   result.RetrievedIDs,
	}
	go func() {
		if err := s.usage.RecordQuery(context.Background(), entry); err != nil {
			log.Printf("daemon: recording query usage: %v", err)
		}
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Full bool `json:"full"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	ctx := r.Context()
	var result *indexer.Result
	var err error
	if req.Full {
		result, err = s.indexer.ReindexAll(ctx)
	} else {
		result, err = s.indexer.ReindexChanged(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.baseline.InvalidateCache()

	writeJSON(w, http.StatusOK, map[string]any{
		"reindexed":     result.Indexed,
		"deleted":       result.Deleted,
		"skipped":       result.Skipped,
		"errors":        len(result.Errors),
		"error_details": result.Errors,
		"duration_ms":   result.DurationMS,
	})
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ptype := queue.ProposalType(req.Type)
	resp := ProposeResponse{PrecheckWarnings: []string{}, PrecheckErrors: []string{}}

	if !queue.ValidTypes[ptype] {
		resp.PrecheckErrors = append(resp.PrecheckErrors, "invalid proposal type: "+req.Type)
	}
	switch ptype {
	case queue.TypeCreate:
		if req.Content == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "content is required for create proposals")
		}
		if req.Path == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "path is required for create proposals")
		}
	case queue.TypeUpdate:
		if req.MemoryID == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "memory_id is required for update proposals")
		}
		if req.Content == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "content is required for update proposals")
		}
	case queue.TypeDeprecate:
		if req.MemoryID == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "memory_id is required for deprecate proposals")
		}
	case queue.TypePromote:
		if req.MemoryID == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "memory_id is required for promote proposals")
		}
		if req.NewScope == "" {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "new_scope is required for promote proposals")
		}
	}

	ctx := r.Context()

	// Resolve the target path for proposals addressed by memory ID.
	targetPath := req.Path
	if req.MemoryID != "" && targetPath == "" {
		rec, err := s.store.GetByID(ctx, req.MemoryID)
		if err != nil {
			resp.PrecheckErrors = append(resp.PrecheckErrors, "memory not found: "+req.MemoryID)
		} else {
			targetPath = rec.Path
		}
	}

	if len(resp.PrecheckErrors) > 0 {
		resp.Message = "precheck failed"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	if pending, err := s.queue.HasPendingForPath(ctx, targetPath); err == nil && pending {
		resp.PrecheckWarnings = append(resp.PrecheckWarnings, "another proposal is already pending for this path")
	}

	p := &queue.Proposal{
		Type:       ptype,
		TargetPath: targetPath,
		Reason:     req.Reason,
		Content:    req.Content,
		MemoryID:   req.MemoryID,
		NewScope:   req.NewScope,
		ProposedBy: req.ProposedBy,
	}
	if err := s.queue.Enqueue(ctx, p); err != nil {
		if errors.Is(err, queue.ErrDuplicateID) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp.Success = true
	resp.ProposalID = p.ProposalID
	resp.PrecheckPassed = true
	resp.Message = "proposal " + p.ProposalID + " created"
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	var proposals []*queue.Proposal
	var err error
	if status := r.URL.Query().Get("status"); status != "" {
		proposals, err = s.queue.GetByStatus(ctx, queue.Status(status), limit)
	} else {
		proposals, err = s.queue.GetPending(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if proposals == nil {
		proposals = []*queue.Proposal{}
	}

	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"total":     len(proposals),
		"stats":     stats,
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelProposal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := s.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if p.Status != queue.StatusPending && p.Status != queue.StatusDeferred {
		writeError(w, http.StatusConflict, "only pending or deferred proposals can be cancelled")
		return
	}
	if err := s.queue.Delete(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "proposal " + id + " cancelled"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	p, err := s.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := s.reviewer.Review(ctx, p)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"proposal_id":            id,
		"decision":               result.Decision,
		"confidence":             result.Confidence,
		"schema_valid":           result.SchemaValid,
		"quality_valid":          result.QualityValid,
		"duplicate_check_passed": result.DuplicateCheckPassed,
		"issues":                 result.Issues,
		"duplicates":             result.Duplicates,
		"notes":                  result.Notes,
		"committed":              false,
	}

	if s.reviewer.CanAutoCommit(result) {
		if fresh, err := s.queue.Get(ctx, id); err == nil {
			commitResult := s.commits.Commit(ctx, fresh)
			resp["committed"] = commitResult.Success
			resp["commit_result"] = commitResult
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	ctx := r.Context()
	pending, err := s.queue.GetPending(ctx, req.Limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		result, err := s.reviewer.Review(ctx, p)
		if err != nil {
			results = append(results, map[string]any{
				"proposal_id": p.ProposalID,
				"decision":    "error",
				"error":       err.Error(),
			})
			continue
		}
		entry := map[string]any{
			"proposal_id": p.ProposalID,
			"decision":    result.Decision,
			"confidence":  result.Confidence,
			"committed":   false,
		}
		if s.reviewer.CanAutoCommit(result) {
			if fresh, err := s.queue.Get(ctx, p.ProposalID); err == nil {
				entry["committed"] = s.commits.Commit(ctx, fresh).Success
			}
		}
		results = append(results, entry)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"processed": len(results),
		"results":   results,
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "Manually approved"
	}

	if err := s.queue.UpdateStatus(ctx, id, queue.StatusApproved, req.Reason); err != nil {
		writeTransitionError(w, err)
		return
	}

	fresh, err := s.queue.Get(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	commitResult := s.commits.Commit(ctx, fresh)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"proposal_id":   id,
		"committed":     commitResult.Success,
		"commit_result": commitResult,
	})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := s.queue.UpdateStatus(ctx, id, queue.StatusRejected, req.Reason); err != nil {
		writeTransitionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"proposal_id": id,
		"message":     "proposal rejected: " + req.Reason,
	})
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := s.queue.GetPending(ctx, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []*queue.Proposal{}
	}
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"stats":   stats,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := s.queue.Get(ctx, id); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "proposal not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := s.queue.GetHistory(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []queue.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id": id,
		"history":     history,
	})
}

func (s *Server) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.usage.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUsageReport(w http.ResponseWriter, r *http.Request) {
	staleDays := 30
	hotThreshold := 10
	if v := r.URL.Query().Get("stale_days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			staleDays = n
		}
	}
	if v := r.URL.Query().Get("hot_threshold"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hotThreshold = n
		}
	}

	report, err := s.usage.GetReport(r.Context(), staleDays, hotThreshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("daemon: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "proposal not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
