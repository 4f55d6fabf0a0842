// Package daemon hosts the DMM server: component wiring, HTTP surface,
// and single-instance lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jaysteelmind/dmm/internal/baseline"
	"github.com/jaysteelmind/dmm/internal/commit"
	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/db"
	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/indexer"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/retrieval"
	"github.com/jaysteelmind/dmm/internal/reviewer"
	"github.com/jaysteelmind/dmm/internal/store"
	"github.com/jaysteelmind/dmm/internal/tokens"
	"github.com/jaysteelmind/dmm/internal/usage"
	"github.com/jaysteelmind/dmm/internal/watcher"
)

// Version is the daemon version reported by health checks.
const Version = "1.0.0"

// Server is the DMM daemon for one memory root.
type Server struct {
	cfg      *config.Config
	basePath string // project root containing .dmm/

	db        *db.DB
	store     *store.Store
	embedder  *embeddings.MemoryEmbedder
	parser    *parser.Parser
	indexer   *indexer.Indexer
	watcher   *watcher.Watcher
	baseline  *baseline.Manager
	router    *retrieval.Router
	assembler *retrieval.Assembler
	queue     *queue.Queue
	reviewer  *reviewer.Reviewer
	commits   *commit.Engine
	usage     *usage.Tracker

	httpServer *http.Server
	cancel     context.CancelFunc
	startTime  time.Time
}

// DMMRoot returns the .dmm directory under a project root.
func DMMRoot(basePath string) string {
	return filepath.Join(basePath, ".dmm")
}

// MemoryRoot returns the memory directory under a project root.
func MemoryRoot(basePath string) string {
	return filepath.Join(DMMRoot(basePath), "memory")
}

// New wires a server from configuration. provider supplies embeddings; a
// nil provider falls back to the local hashing embedder.
func New(cfg *config.Config, basePath string, provider embeddings.Provider) (*Server, error) {
	dmmRoot := DMMRoot(basePath)
	memoryRoot := MemoryRoot(basePath)

	if err := os.MkdirAll(memoryRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating memory root: %w", err)
	}

	database, err := db.Open(filepath.Join(dmmRoot, filepath.FromSlash(cfg.Storage.MetadataDB)))
	if err != nil {
		return nil, err
	}

	st, err := store.Open(database, filepath.Join(dmmRoot, filepath.FromSlash(cfg.Storage.EmbeddingsDir)))
	if err != nil {
		database.Close()
		return nil, err
	}

	if provider == nil {
		provider = embeddings.NewLocalProvider(0)
	}
	embedder := embeddings.NewMemoryEmbedder(provider)

	counter := tokens.NewCounter()
	p := parser.New(memoryRoot, counter,
		cfg.Validation.MinTokens, cfg.Validation.MaxTokens, cfg.Validation.MaxHardTokens)

	ix := indexer.New(memoryRoot, p, embedder, st)
	ix.SetBatchSize(cfg.Indexer.BatchSize)
	q := queue.New(database)
	ce := commit.NewEngine(q, ix, p, memoryRoot)
	bm := baseline.New(st, filepath.Join(dmmRoot, "packs"), cfg.Retrieval.BaselineBudget)
	ce.OnBaselineChange(bm.InvalidateCache)

	s := &Server{
		cfg:      cfg,
		basePath: basePath,
		db:       database,
		store:    st,
		embedder: embedder,
		parser:   p,
		indexer:  ix,
		watcher:  watcher.New(memoryRoot, time.Duration(cfg.Indexer.DebounceMS)*time.Millisecond),
		baseline: bm,
		router: retrieval.NewRouter(st, embedder, retrieval.Config{
			TopKDirectories:    cfg.Retrieval.TopKDirectories,
			MaxCandidates:      cfg.Retrieval.MaxCandidates,
			DiversityThreshold: cfg.Retrieval.DiversityThreshold,
		}),
		assembler: retrieval.NewAssembler(),
		queue:     q,
		reviewer:  reviewer.New(q, st, embedder, p, cfg),
		commits:   ce,
		usage:     usage.NewTracker(database),
	}
	return s, nil
}

// Indexer exposes the indexer, used by the CLI's local reindex mode.
func (s *Server) Indexer() *indexer.Indexer { return s.indexer }

// Handler returns the HTTP surface without binding a listener.
func (s *Server) Handler() http.Handler { return s.buildRouter() }

// Start brings the daemon up: opportunistic incremental reindex, watcher,
// baseline precompute, then the HTTP listener. It blocks until the
// listener stops.
func (s *Server) Start() error {
	s.startTime = time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Stored vectors are only comparable to vectors from the same model; a
	// model switch invalidates all of them at once.
	modelName := s.embedder.Provider().Name()
	prevModel, err := s.store.GetSystemMeta(ctx, indexer.MetaEmbeddingModel)
	if err != nil {
		return fmt.Errorf("reading embedding model metadata: %w", err)
	}

	var result *indexer.Result
	if prevModel != "" && prevModel != modelName {
		log.Printf("daemon: embedding model changed (%s -> %s), full reindex", prevModel, modelName)
		result, err = s.indexer.ReindexAll(ctx)
	} else {
		result, err = s.indexer.ReindexChanged(ctx)
	}
	if err != nil {
		return fmt.Errorf("startup reindex: %w", err)
	}
	if err := s.store.SetSystemMeta(ctx, indexer.MetaEmbeddingModel, modelName); err != nil {
		return fmt.Errorf("recording embedding model: %w", err)
	}
	log.Printf("daemon: startup reindex: %d indexed, %d skipped, %d deleted, %d errors",
		result.Indexed, result.Skipped, result.Deleted, len(result.Errors))

	if err := s.watcher.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	go s.indexer.Run(ctx, s.watcher.Events())

	if _, err := s.baseline.GetPack(ctx); err != nil {
		log.Printf("daemon: precomputing baseline pack: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Daemon.Host, s.cfg.Daemon.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("dmm daemon listening on %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the watcher, cancels indexing, drains the HTTP server
// within the graceful timeout, and closes the store.
func (s *Server) Shutdown() error {
	timeout := time.Duration(s.cfg.Daemon.GracefulShutdownMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.watcher.Stop()
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if closeErr := s.store.Close(); err == nil {
		err = closeErr
	}
	return err
}

// buildRouter creates the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Post("/query", s.handleQuery)
	r.Post("/reindex", s.handleReindex)

	r.Route("/write", func(r chi.Router) {
		r.Post("/propose", s.handlePropose)
		r.Get("/proposals", s.handleListProposals)
		r.Get("/proposal/{id}", s.handleGetProposal)
		r.Delete("/proposal/{id}", s.handleCancelProposal)
	})

	r.Route("/review", func(r chi.Router) {
		r.Post("/process/{id}", s.handleProcess)
		r.Post("/process-batch", s.handleProcessBatch)
		r.Post("/approve/{id}", s.handleApprove)
		r.Post("/reject/{id}", s.handleReject)
		r.Get("/queue", s.handleReviewQueue)
		r.Get("/history/{id}", s.handleHistory)
	})

	r.Route("/usage", func(r chi.Router) {
		r.Get("/stats", s.handleUsageStats)
		r.Get("/report", s.handleUsageReport)
	})

	return r
}
