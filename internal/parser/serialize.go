package parser

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jaysteelmind/dmm/internal/memory"
)

// Serialize renders a header and body back into on-disk memory file form.
// Known fields keep their canonical order; preserved unknown keys follow in
// sorted order.
func Serialize(hdr memory.Header, body string) (string, error) {
	known, err := yaml.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("marshalling header: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(known)

	if len(hdr.Extra) > 0 {
		keys := make([]string, 0, len(hdr.Extra))
		for k := range hdr.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		extra := make(map[string]any, len(hdr.Extra))
		for _, k := range keys {
			extra[k] = hdr.Extra[k]
		}
		raw, err := yaml.Marshal(extra)
		if err != nil {
			return "", fmt.Errorf("marshalling extra header keys: %w", err)
		}
		b.Write(raw)
	}

	b.WriteString("---\n\n")
	b.WriteString(strings.TrimLeft(body, "\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\n")
	}
	return b.String(), nil
}
