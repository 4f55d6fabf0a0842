package config

// Default limits for memory body sizes, in estimated tokens.
const (
	DefaultMinTokens     = 300
	DefaultMaxTokens     = 800
	DefaultMaxHardTokens = 2000
)

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Daemon: DaemonConfig{
			Host:               "127.0.0.1",
			Port:               7437,
			GracefulShutdownMS: 5000,
			AutoStart:          true,
		},
		Indexer: IndexerConfig{
			WatchIntervalMS: 1000,
			DebounceMS:      100,
			EmbeddingModel:  "text-embedding-3-small",
			BatchSize:       50,
		},
		Retrieval: RetrievalConfig{
			TopKDirectories:    3,
			MaxCandidates:      50,
			DiversityThreshold: 0.92,
			DefaultBudget:      2000,
			BaselineBudget:     800,
		},
		Storage: StorageConfig{
			EmbeddingsDir: "index/embeddings",
			MetadataDB:    "index/dmm.db",
		},
		Validation: ValidationConfig{
			MinTokens:     DefaultMinTokens,
			MaxTokens:     DefaultMaxTokens,
			MaxHardTokens: DefaultMaxHardTokens,
		},
		Reviewer: ReviewerConfig{
			DuplicateExact:        0.99,
			DuplicateSemantic:     0.85,
			DuplicateWarning:      0.70,
			AutoApproveConfidence: 0.95,
		},
	}
}
