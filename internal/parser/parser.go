// Package parser reads memory files: YAML frontmatter, markdown body,
// token metrics, and content hashing.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/tokens"
)

// Error codes produced by the parser.
const (
	CodeIO                  = "io"
	CodeMissingFrontmatter  = "missing_frontmatter"
	CodeInvalidYAML         = "invalid_yaml"
	CodeMissingFields       = "missing_required_fields"
	CodeInvalidType         = "invalid_type"
	CodeInvalidEnum         = "invalid_enum"
	CodeOutOfRange          = "out_of_range"
	CodeTokenCountHardLimit = "token_count_hard_limit"
)

// Warning codes produced by the parser.
const (
	WarnLowTokenCount    = "low_token_count"
	WarnHighTokenCount   = "high_token_count"
	WarnMissingTitle     = "missing_title"
	WarnEmptyBody        = "empty_body"
	WarnInvalidIDFormat  = "invalid_format"
	WarnDeprecatedHeader = "deprecated_header_key"
)

// ParseError is a structured, per-file parse failure.
type ParseError struct {
	Code    string
	Message string
	Path    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Path)
}

// Warning is a non-fatal finding about a memory file.
type Warning struct {
	Code    string
	Message string
	Field   string
}

// Result carries the outcome of parsing one file. Exactly one of Memory and
// Err is set; Warnings may accompany either.
type Result struct {
	Memory   *memory.File
	Err      *ParseError
	Warnings []Warning
}

// requiredFields are the header fields every memory must carry.
var requiredFields = []string{"id", "tags", "scope", "priority", "confidence", "status"}

// Parser parses memory files relative to a memory root.
type Parser struct {
	root      string
	counter   *tokens.Counter
	minTokens int
	maxTokens int
	maxHard   int
}

// New creates a parser rooted at the memory directory.
func New(root string, counter *tokens.Counter, minTokens, maxTokens, maxHard int) *Parser {
	return &Parser{
		root:      root,
		counter:   counter,
		minTokens: minTokens,
		maxTokens: maxTokens,
		maxHard:   maxHard,
	}
}

// Parse reads and parses the memory file at the given absolute path.
func (p *Parser) Parse(path string) Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{Err: &ParseError{Code: CodeIO, Message: err.Error(), Path: path}}
	}

	rel := p.RelPath(path)
	result := p.ParseContent(string(raw), rel)
	if result.Memory != nil {
		result.Memory.FileHash = HashBytes(raw)
	}
	return result
}

// ParseContent parses raw memory content addressed by its relative path.
// The file hash is left empty; callers hashing raw bytes set it themselves.
func (p *Parser) ParseContent(content, relPath string) Result {
	header, body, ok := SplitFrontmatter(content)
	if !ok {
		return Result{Err: &ParseError{
			Code:    CodeMissingFrontmatter,
			Message: "no leading --- frontmatter block",
			Path:    relPath,
		}}
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return Result{Err: &ParseError{
			Code:    CodeInvalidYAML,
			Message: err.Error(),
			Path:    relPath,
		}}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	var warnings []Warning

	// The legacy memory_context key is an alias for memory; memory wins on
	// collision and alias use is reported as deprecated.
	if v, ok := raw["memory_context"]; ok {
		if _, hasNew := raw["memory"]; !hasNew {
			raw["memory"] = v
		}
		delete(raw, "memory_context")
		warnings = append(warnings, Warning{
			Code:    WarnDeprecatedHeader,
			Message: "header key memory_context is deprecated; use memory",
			Field:   "memory_context",
		})
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := raw[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Result{Err: &ParseError{
			Code:    CodeMissingFields,
			Message: "missing required fields: " + strings.Join(missing, ", "),
			Path:    relPath,
		}, Warnings: warnings}
	}

	hdr, hdrErr := decodeHeader(raw)
	if hdrErr != nil {
		hdrErr.Path = relPath
		return Result{Err: hdrErr, Warnings: warnings}
	}

	if !memory.ValidID(hdr.ID) {
		warnings = append(warnings, Warning{
			Code:    WarnInvalidIDFormat,
			Message: fmt.Sprintf("id %q does not match mem_YYYY_MM_DD_NNN", hdr.ID),
			Field:   "id",
		})
	}

	body = strings.TrimLeft(body, "\n")
	tokenCount := p.counter.Count(body)

	if strings.TrimSpace(body) == "" {
		warnings = append(warnings, Warning{
			Code:    WarnEmptyBody,
			Message: "memory body is empty",
		})
		return Result{
			Memory: &memory.File{
				Header:     *hdr,
				Path:       relPath,
				Directory:  firstSegment(relPath),
				Body:       body,
				TokenCount: tokenCount,
			},
			Warnings: warnings,
		}
	}
	if tokenCount > p.maxHard {
		return Result{Err: &ParseError{
			Code:    CodeTokenCountHardLimit,
			Message: fmt.Sprintf("body is %d tokens, hard limit is %d", tokenCount, p.maxHard),
			Path:    relPath,
		}, Warnings: warnings}
	}
	if tokenCount < p.minTokens {
		warnings = append(warnings, Warning{
			Code:    WarnLowTokenCount,
			Message: fmt.Sprintf("body is %d tokens, below soft minimum %d", tokenCount, p.minTokens),
		})
	}
	if tokenCount > p.maxTokens {
		warnings = append(warnings, Warning{
			Code:    WarnHighTokenCount,
			Message: fmt.Sprintf("body is %d tokens, above soft maximum %d", tokenCount, p.maxTokens),
		})
	}

	title := ExtractTitle(body)
	if title == "" {
		warnings = append(warnings, Warning{
			Code:    WarnMissingTitle,
			Message: "body has no # title heading",
		})
	}

	return Result{
		Memory: &memory.File{
			Header:     *hdr,
			Path:       relPath,
			Directory:  firstSegment(relPath),
			Title:      title,
			Body:       body,
			TokenCount: tokenCount,
		},
		Warnings: warnings,
	}
}

// decodeHeader validates types and enum values of the raw header mapping.
func decodeHeader(raw map[string]any) (*memory.Header, *ParseError) {
	hdr := &memory.Header{Extra: map[string]any{}}

	id, ok := raw["id"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "id must be a string"}
	}
	hdr.ID = id

	tagsRaw, ok := raw["tags"].([]any)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "tags must be a sequence"}
	}
	for _, t := range tagsRaw {
		s, ok := t.(string)
		if !ok {
			return nil, &ParseError{Code: CodeInvalidType, Message: "tags must contain only strings"}
		}
		hdr.Tags = append(hdr.Tags, s)
	}

	scope, ok := raw["scope"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "scope must be a string"}
	}
	if !memory.ValidScopes[memory.Scope(scope)] {
		return nil, &ParseError{Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid scope %q", scope)}
	}
	hdr.Scope = memory.Scope(scope)

	priority, ok := toFloat(raw["priority"])
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "priority must be a number"}
	}
	if priority < 0 || priority > 1 {
		return nil, &ParseError{Code: CodeOutOfRange, Message: fmt.Sprintf("priority %v outside [0, 1]", priority)}
	}
	hdr.Priority = priority

	confidence, ok := raw["confidence"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "confidence must be a string"}
	}
	if !memory.ValidConfidences[memory.Confidence(confidence)] {
		return nil, &ParseError{Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid confidence %q", confidence)}
	}
	hdr.Confidence = memory.Confidence(confidence)

	status, ok := raw["status"].(string)
	if !ok {
		return nil, &ParseError{Code: CodeInvalidType, Message: "status must be a string"}
	}
	if !memory.ValidStatuses[memory.Status(status)] {
		return nil, &ParseError{Code: CodeInvalidEnum, Message: fmt.Sprintf("invalid status %q", status)}
	}
	hdr.Status = memory.Status(status)

	if v, ok := raw["created"].(string); ok {
		hdr.Created = v
	}
	if v, ok := raw["last_used"].(string); ok {
		hdr.LastUsed = v
	}
	if v, ok := toFloat(raw["usage_count"]); ok {
		hdr.UsageCount = int(v)
	}
	if v, ok := raw["supersedes"].(string); ok {
		hdr.Supersedes = v
	}
	if v, ok := raw["related"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				hdr.Related = append(hdr.Related, s)
			}
		}
	}
	if v, ok := raw["expires"].(string); ok {
		hdr.Expires = v
	}

	known := map[string]bool{
		"id": true, "tags": true, "scope": true, "priority": true,
		"confidence": true, "status": true, "created": true, "last_used": true,
		"usage_count": true, "supersedes": true, "related": true, "expires": true,
	}
	for k, v := range raw {
		if !known[k] {
			hdr.Extra[k] = v
		}
	}

	return hdr, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// SplitFrontmatter separates a leading ----fenced header block from the body.
func SplitFrontmatter(content string) (header, body string, ok bool) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", "", false
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		if strings.HasSuffix(rest, "\n---") {
			return rest[:len(rest)-len("\n---")], "", true
		}
		return "", "", false
	}
	return rest[:idx], rest[idx+len("\n---\n"):], true
}

// HashBytes returns the hex SHA-256 of raw file bytes.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes the raw bytes of the file at path.
func HashFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBytes(raw), nil
}

// RelPath converts an absolute path under the memory root into the
// forward-slashed relative form used as the store key.
func (p *Parser) RelPath(path string) string {
	rel, err := filepath.Rel(p.root, path)
	if err != nil {
		return filepath.ToSlash(filepath.Base(path))
	}
	return filepath.ToSlash(rel)
}

// Root returns the memory root this parser resolves paths against.
func (p *Parser) Root() string { return p.root }

func firstSegment(rel string) string {
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return rel[:i]
	}
	return ""
}
