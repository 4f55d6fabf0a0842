// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// FileName is the conventional config file name under the .dmm root.
const FileName = "daemon.config.json"

// knownKeys are the recognized top-level config keys. Unknown keys are
// ignored with a warning rather than rejected.
var knownKeys = map[string]bool{
	"version":    true,
	"daemon":     true,
	"indexer":    true,
	"retrieval":  true,
	"storage":    true,
	"validation": true,
	"reviewer":   true,
}

// Error reports an invalid configuration value, naming the offending field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Message)
}

// Load reads configuration from the JSON file at the given .dmm root, then
// overlays environment variable overrides (DMM_*). A missing file yields
// the defaults.
func Load(dmmRoot string) (*Config, error) {
	return LoadFile(filepath.Join(dmmRoot, FileName))
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, &Error{Field: path, Message: fmt.Sprintf("reading config: %v", err)}
		}
		for key := range k.Raw() {
			if !knownKeys[key] {
				log.Printf("config: ignoring unknown key %q in %s", key, path)
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	// Overlay environment variables with double-underscore nesting:
	// DMM_DAEMON__PORT -> daemon.port.
	if err := k.Load(env.Provider("DMM_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DMM_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &Error{Field: path, Message: fmt.Sprintf("unmarshalling config: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all configuration values are in range. It returns an
// *Error naming the first offending field.
func (c *Config) Validate() error {
	if c.Daemon.Port < 1 || c.Daemon.Port > 65535 {
		return &Error{Field: "daemon.port", Message: fmt.Sprintf("port %d out of range", c.Daemon.Port)}
	}
	if c.Daemon.GracefulShutdownMS < 0 {
		return &Error{Field: "daemon.graceful_shutdown_ms", Message: "must be non-negative"}
	}
	if c.Indexer.DebounceMS < 0 {
		return &Error{Field: "indexer.debounce_ms", Message: "must be non-negative"}
	}
	if c.Indexer.BatchSize < 1 {
		return &Error{Field: "indexer.batch_size", Message: "must be at least 1"}
	}
	if c.Retrieval.TopKDirectories < 1 {
		return &Error{Field: "retrieval.top_k_directories", Message: "must be at least 1"}
	}
	if c.Retrieval.MaxCandidates < 1 {
		return &Error{Field: "retrieval.max_candidates", Message: "must be at least 1"}
	}
	if c.Retrieval.DiversityThreshold <= 0 || c.Retrieval.DiversityThreshold > 1 {
		return &Error{Field: "retrieval.diversity_threshold", Message: "must be in (0, 1]"}
	}
	if c.Retrieval.DefaultBudget < 1 {
		return &Error{Field: "retrieval.default_budget", Message: "must be positive"}
	}
	if c.Retrieval.BaselineBudget < 0 {
		return &Error{Field: "retrieval.baseline_budget", Message: "must be non-negative"}
	}
	if c.Validation.MinTokens < 0 {
		return &Error{Field: "validation.min_tokens", Message: "must be non-negative"}
	}
	if c.Validation.MaxTokens < c.Validation.MinTokens {
		return &Error{Field: "validation.max_tokens", Message: "must be >= min_tokens"}
	}
	if c.Validation.MaxHardTokens < c.Validation.MaxTokens {
		return &Error{Field: "validation.max_hard_tokens", Message: "must be >= max_tokens"}
	}
	for field, v := range map[string]float64{
		"reviewer.duplicate_exact":         c.Reviewer.DuplicateExact,
		"reviewer.duplicate_semantic":      c.Reviewer.DuplicateSemantic,
		"reviewer.duplicate_warning":       c.Reviewer.DuplicateWarning,
		"reviewer.auto_approve_confidence": c.Reviewer.AutoApproveConfidence,
	} {
		if v < 0 || v > 1 {
			return &Error{Field: field, Message: "must be in [0, 1]"}
		}
	}
	return nil
}
