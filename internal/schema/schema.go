// Package schema loads, checks and compiles the JSON Schema documents that
// describe an extraction target.
//
// A loaded Schema carries two representations:
//   - Root: a constraint tree (object/array/oneOf/required/type leaves) built
//     once at load time and walked by structural recursion to produce
//     deterministic, repair-friendly violations
//   - the compiled jsonschema.Schema, used as a conformance backstop for
//     keywords the tree does not model (minimum, pattern, format, ...)
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Mode distinguishes single-object targets from per-page targets.
type Mode string

const (
	// ModeSingle extracts one object from the whole document.
	ModeSingle Mode = "single"
	// ModePages extracts one object per page, aggregated into an ordered array.
	ModePages Mode = "pages"
)

// Kind tags a Node variant.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
	KindAny     Kind = "any"
	KindOneOf   Kind = "oneOf"
	KindAnyOf   Kind = "anyOf"
)

var knownTypes = map[string]bool{
	"object":  true,
	"array":   true,
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"null":    true,
}

// Node is one constraint in the schema tree.
type Node struct {
	Kind Kind

	// Types lists the accepted JSON types; empty means any type.
	// Multi-type leaves such as ["string","null"] keep every entry.
	Types []string

	Properties    map[string]*Node
	PropertyOrder []string
	Required      []string

	Items *Node

	OneOf []*Node
	AnyOf []*Node

	Enum []any

	Description string
}

// Schema is an immutable, compiled extraction schema.
type Schema struct {
	// ID is the sha256 of the canonical JSON form.
	ID string
	// Name is informational (file name, builtin name or "inline").
	Name string
	// Raw is the canonical JSON of the schema as given to the model.
	Raw json.RawMessage

	Mode Mode
	Root *Node
	// Page is the per-page item constraint when Mode == ModePages.
	Page *Node

	compiled     *jsonschema.Schema
	pageCompiled *jsonschema.Schema
	pageRaw      json.RawMessage
}

// Pretty returns the schema as indented JSON for prompt embedding.
func (s *Schema) Pretty() string {
	return prettyJSON(s.Raw)
}

// PageSchema returns the raw per-page item schema. For single-object schemas
// it returns the full schema.
func (s *Schema) PageSchema() json.RawMessage {
	if s.Mode == ModePages && len(s.pageRaw) > 0 {
		return s.pageRaw
	}
	return s.Raw
}

// PrettyPage returns the per-page item schema as indented JSON.
func (s *Schema) PrettyPage() string {
	return prettyJSON(s.PageSchema())
}

// KeySummary lists the top-level keys of the extraction target with their
// expected types, one "key (type, required)" entry per line. For page schemas
// the per-page item is summarised.
func (s *Schema) KeySummary() string {
	node := s.Root
	if s.Mode == ModePages && s.Page != nil {
		node = s.Page
	}
	if node == nil || len(node.PropertyOrder) == 0 {
		return ""
	}

	required := make(map[string]bool, len(node.Required))
	for _, r := range node.Required {
		required[r] = true
	}

	var b strings.Builder
	for _, key := range node.PropertyOrder {
		child := node.Properties[key]
		fmt.Fprintf(&b, "- %s (%s", key, describe(child))
		if required[key] {
			b.WriteString(", required")
		}
		b.WriteString(")\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func describe(n *Node) string {
	if n == nil {
		return "any"
	}
	switch n.Kind {
	case KindOneOf, KindAnyOf:
		branches := n.OneOf
		if n.Kind == KindAnyOf {
			branches = n.AnyOf
		}
		parts := make([]string, 0, len(branches))
		for _, b := range branches {
			parts = append(parts, describe(b))
		}
		return strings.Join(parts, " | ")
	case KindArray:
		if n.Items != nil {
			return "array of " + describe(n.Items)
		}
		return "array"
	}
	if len(n.Types) == 0 {
		return "any"
	}
	return strings.Join(n.Types, " or ")
}

func prettyJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// builder turns a decoded schema document into a Node tree, resolving local
// $ref pointers. Recursive references share the same Node.
type builder struct {
	doc  map[string]any
	refs map[string]*Node
}

func buildTree(doc map[string]any) (*Node, error) {
	b := &builder{doc: doc, refs: make(map[string]*Node)}
	return b.build(doc, "#")
}

func (b *builder) build(raw any, path string) (*Node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		// Boolean schemas: true accepts anything.
		if t, isBool := raw.(bool); isBool && t {
			return &Node{Kind: KindAny}, nil
		}
		return nil, &SchemaError{Path: path, Reason: "schema must be an object"}
	}

	if ref, ok := m["$ref"].(string); ok {
		return b.resolve(ref, path)
	}

	n := &Node{}
	if d, ok := m["description"].(string); ok {
		n.Description = d
	}

	types, err := parseTypes(m["type"], path)
	if err != nil {
		return nil, err
	}
	n.Types = types

	if enum, ok := m["enum"].([]any); ok {
		n.Enum = enum
	}
	if c, ok := m["const"]; ok {
		n.Enum = []any{c}
	}

	if props, ok := m["properties"].(map[string]any); ok {
		n.Properties = make(map[string]*Node, len(props))
		n.PropertyOrder = propertyOrder(props)
		for _, key := range n.PropertyOrder {
			child, err := b.build(props[key], path+"/properties/"+key)
			if err != nil {
				return nil, err
			}
			n.Properties[key] = child
		}
	}
	if req, ok := m["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				n.Required = append(n.Required, s)
			}
		}
	}
	if items, ok := m["items"]; ok {
		child, err := b.build(items, path+"/items")
		if err != nil {
			return nil, err
		}
		n.Items = child
	}

	for _, key := range []string{"oneOf", "anyOf"} {
		list, ok := m[key].([]any)
		if !ok {
			continue
		}
		branches := make([]*Node, 0, len(list))
		for i, item := range list {
			child, err := b.build(item, fmt.Sprintf("%s/%s/%d", path, key, i))
			if err != nil {
				return nil, err
			}
			branches = append(branches, child)
		}
		if key == "oneOf" {
			n.OneOf = branches
		} else {
			n.AnyOf = branches
		}
	}

	n.Kind = inferKind(n)
	return n, nil
}

func (b *builder) resolve(ref, path string) (*Node, error) {
	if n, ok := b.refs[ref]; ok {
		return n, nil
	}
	if !strings.HasPrefix(ref, "#") {
		return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unresolved $ref %q: only local references are supported", ref)}
	}

	target := any(b.doc)
	pointer := strings.TrimPrefix(ref, "#")
	if pointer != "" {
		for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
			tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
			m, ok := target.(map[string]any)
			if !ok {
				return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unresolved $ref %q", ref)}
			}
			next, ok := m[tok]
			if !ok {
				return nil, &SchemaError{Path: path, Reason: fmt.Sprintf("unresolved $ref %q", ref)}
			}
			target = next
		}
	}

	// Register a placeholder first so recursive references terminate.
	placeholder := &Node{}
	b.refs[ref] = placeholder
	built, err := b.build(target, ref)
	if err != nil {
		delete(b.refs, ref)
		return nil, err
	}
	*placeholder = *built
	return placeholder, nil
}

func parseTypes(raw any, path string) ([]string, error) {
	switch t := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if !knownTypes[t] {
			return nil, &SchemaError{Path: path + "/type", Reason: fmt.Sprintf("unknown type %q", t)}
		}
		return []string{t}, nil
	case []any:
		if len(t) == 0 {
			return nil, &SchemaError{Path: path + "/type", Reason: "type array must not be empty"}
		}
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok || !knownTypes[s] {
				return nil, &SchemaError{Path: path + "/type", Reason: fmt.Sprintf("unknown type %v", item)}
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, &SchemaError{Path: path + "/type", Reason: fmt.Sprintf("type must be a string or array, got %T", raw)}
	}
}

func inferKind(n *Node) Kind {
	switch {
	case len(n.OneOf) > 0 && len(n.Types) == 0 && n.Properties == nil:
		return KindOneOf
	case len(n.AnyOf) > 0 && len(n.Types) == 0 && n.Properties == nil:
		return KindAnyOf
	case len(n.Types) == 1:
		return Kind(n.Types[0])
	case len(n.Types) > 1:
		// Nullable leaves report their non-null kind.
		for _, t := range n.Types {
			if t != "null" {
				return Kind(t)
			}
		}
		return KindNull
	case n.Properties != nil || len(n.Required) > 0:
		return KindObject
	case n.Items != nil:
		return KindArray
	}
	return KindAny
}

// propertyOrder returns property names sorted alphabetically. encoding/json
// does not keep source order, so a stable order is the best deterministic
// choice for violation reporting.
func propertyOrder(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
