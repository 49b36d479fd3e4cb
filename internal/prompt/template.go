package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
)

// Template keys. Overrides are registered under the same keys.
const (
	SystemKey = "system"
	UserKey   = "user"
	RepairKey = "repair"
)

// variables each template may reference.
var allowedVariables = map[string][]string{
	SystemKey: nil,
	UserKey:   {"Instructions", "KeySummary", "PageList", "Pages", "PerPage", "Schema"},
	RepairKey: {"Attempt", "Fragment", "Kind", "Location", "Message"},
}

// variablePattern matches template references like {{.Name}}, {{ .Name }}
// and the field in {{if .Name}}.
var variablePattern = regexp.MustCompile(`\{\{-?\s*(?:if\s+|with\s+|range\s+)?\.([a-zA-Z_][a-zA-Z0-9_.]*)`)

// ExtractVariables returns the sorted, de-duplicated template variables
// referenced in text. "Extract {{.Pages}} {{if .Instructions}}" returns
// ["Instructions", "Pages"].
func ExtractVariables(text string) []string {
	matches := variablePattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool)
	var vars []string

	for _, match := range matches {
		if len(match) > 1 {
			name := match[1]
			if !seen[name] {
				seen[name] = true
				vars = append(vars, name)
			}
		}
	}

	sort.Strings(vars)
	return vars
}

// HashText returns the SHA256 of text, for tracing which prompt produced a
// completion.
func HashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// parseTemplate parses text for key after checking it only references the
// variables that key is rendered with.
func parseTemplate(key, text string) (*template.Template, error) {
	allowed, ok := allowedVariables[key]
	if !ok {
		return nil, fmt.Errorf("unknown prompt template %q", key)
	}
	known := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		known[v] = true
	}

	var unknown []string
	for _, v := range ExtractVariables(text) {
		root := strings.SplitN(v, ".", 2)[0]
		if !known[root] {
			unknown = append(unknown, v)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("prompt template %q references unknown variables: %s", key, strings.Join(unknown, ", "))
	}

	t, err := template.New(key).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template %q: %w", key, err)
	}
	return t, nil
}
