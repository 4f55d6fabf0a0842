package config

// DaemonConfig holds daemon server settings.
type DaemonConfig struct {
	Host               string `json:"host" koanf:"host"`
	Port               int    `json:"port" koanf:"port"`
	GracefulShutdownMS int    `json:"graceful_shutdown_ms" koanf:"graceful_shutdown_ms"`
	AutoStart          bool   `json:"auto_start" koanf:"auto_start"`
}

// IndexerConfig holds indexing and watcher settings.
type IndexerConfig struct {
	WatchIntervalMS int    `json:"watch_interval_ms" koanf:"watch_interval_ms"`
	DebounceMS      int    `json:"debounce_ms" koanf:"debounce_ms"`
	EmbeddingModel  string `json:"embedding_model" koanf:"embedding_model"`
	BatchSize       int    `json:"batch_size" koanf:"batch_size"`
}

// RetrievalConfig holds retrieval pipeline settings.
type RetrievalConfig struct {
	TopKDirectories    int     `json:"top_k_directories" koanf:"top_k_directories"`
	MaxCandidates      int     `json:"max_candidates" koanf:"max_candidates"`
	DiversityThreshold float64 `json:"diversity_threshold" koanf:"diversity_threshold"`
	DefaultBudget      int     `json:"default_budget" koanf:"default_budget"`
	BaselineBudget     int     `json:"baseline_budget" koanf:"baseline_budget"`
}

// StorageConfig holds store file locations relative to the .dmm root.
type StorageConfig struct {
	EmbeddingsDir string `json:"embeddings_dir" koanf:"embeddings_dir"`
	MetadataDB    string `json:"metadata_db" koanf:"metadata_db"`
}

// ValidationConfig holds memory size limits.
type ValidationConfig struct {
	MinTokens     int `json:"min_tokens" koanf:"min_tokens"`
	MaxTokens     int `json:"max_tokens" koanf:"max_tokens"`
	MaxHardTokens int `json:"max_hard_tokens" koanf:"max_hard_tokens"`
}

// ReviewerConfig holds review thresholds.
type ReviewerConfig struct {
	DuplicateExact        float64 `json:"duplicate_exact" koanf:"duplicate_exact"`
	DuplicateSemantic     float64 `json:"duplicate_semantic" koanf:"duplicate_semantic"`
	DuplicateWarning      float64 `json:"duplicate_warning" koanf:"duplicate_warning"`
	AutoApproveConfidence float64 `json:"auto_approve_confidence" koanf:"auto_approve_confidence"`
}

// Config is the complete immutable daemon configuration, corresponding to
// .dmm/daemon.config.json. It is constructed once at startup and passed by
// reference to every component.
type Config struct {
	Version    string           `json:"version" koanf:"version"`
	Daemon     DaemonConfig     `json:"daemon" koanf:"daemon"`
	Indexer    IndexerConfig    `json:"indexer" koanf:"indexer"`
	Retrieval  RetrievalConfig  `json:"retrieval" koanf:"retrieval"`
	Storage    StorageConfig    `json:"storage" koanf:"storage"`
	Validation ValidationConfig `json:"validation" koanf:"validation"`
	Reviewer   ReviewerConfig   `json:"reviewer" koanf:"reviewer"`
}
