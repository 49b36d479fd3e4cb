package schema

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var builtinFS embed.FS

// ErrInvalidSchema is matched by every SchemaError via errors.Is.
var ErrInvalidSchema = errors.New("invalid schema")

// SchemaError reports a schema that cannot be used for extraction.
type SchemaError struct {
	Path   string // JSON pointer into the schema document ("#" is the root)
	Reason string
	Err    error
}

func (e *SchemaError) Error() string {
	msg := "invalid schema"
	if e.Path != "" {
		msg += " at " + e.Path
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

func (e *SchemaError) Is(target error) bool { return target == ErrInvalidSchema }

type sourceKind int

const (
	sourceFile sourceKind = iota
	sourceJSON
	sourceBuiltin
	sourceValue
)

// Source identifies where a schema comes from.
type Source struct {
	kind  sourceKind
	name  string
	path  string
	data  []byte
	value any
}

// FromFile loads a schema from a JSON file on disk.
func FromFile(path string) Source {
	return Source{kind: sourceFile, name: DisplayName(path), path: path}
}

// FromJSON uses an inline JSON document.
func FromJSON(data []byte) Source {
	return Source{kind: sourceJSON, name: "inline", data: data}
}

// FromBuiltin uses one of the embedded sample schemas (see Builtins).
func FromBuiltin(name string) Source {
	return Source{kind: sourceBuiltin, name: name}
}

// FromValue uses a Go value (typically a map[string]any model description)
// that marshals to a JSON Schema document.
func FromValue(v any) Source {
	return Source{kind: sourceValue, name: "value", value: v}
}

// ParseSource interprets a CLI-style reference: "builtin:<name>" selects an
// embedded schema, a leading "{" is inline JSON, anything else is a path.
func ParseSource(ref string) Source {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, "builtin:"):
		return FromBuiltin(strings.TrimPrefix(ref, "builtin:"))
	case strings.HasPrefix(ref, "{"):
		return FromJSON([]byte(ref))
	default:
		return FromFile(ref)
	}
}

// Builtins returns the names of the embedded sample schemas.
func Builtins() []string {
	entries, err := builtinFS.ReadDir("schemas")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names
}

// Registry loads schemas and caches compiled results by content hash, so
// identical schemas are checked and compiled once per process.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	cache  map[string]*Schema
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cache:  make(map[string]*Schema),
		logger: logger.With("component", "schema"),
	}
}

// Load reads, checks and compiles a schema. Cached schemas are returned
// without recompilation.
func (r *Registry) Load(src Source) (*Schema, error) {
	raw, err := src.read()
	if err != nil {
		return nil, err
	}

	canonical, doc, err := canonicalize(raw)
	if err != nil {
		return nil, err
	}
	id := hashBytes(canonical)

	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s, err := compileSchema(id, src.name, canonical, doc)
	if err != nil {
		r.logger.Warn("schema rejected", "name", src.name, "error", err)
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.cache[id]; ok {
		s = existing
	} else {
		r.cache[id] = s
	}
	r.mu.Unlock()

	r.logger.Debug("schema loaded", "name", src.name, "id", id[:12], "mode", s.Mode)
	return s, nil
}

// ValidateSchema checks a raw schema document without caching it.
func (r *Registry) ValidateSchema(raw []byte) error {
	canonical, doc, err := canonicalize(raw)
	if err != nil {
		return err
	}
	_, err = compileSchema(hashBytes(canonical), "inline", canonical, doc)
	return err
}

// Len returns the number of cached schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (s Source) read() ([]byte, error) {
	switch s.kind {
	case sourceFile:
		data, err := os.ReadFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file %s: %w", s.path, err)
		}
		return data, nil
	case sourceJSON:
		return s.data, nil
	case sourceBuiltin:
		data, err := builtinFS.ReadFile("schemas/" + s.name + ".json")
		if err != nil {
			return nil, fmt.Errorf("builtin schema not found: %s", s.name)
		}
		return data, nil
	case sourceValue:
		data, err := json.Marshal(s.value)
		if err != nil {
			return nil, &SchemaError{Reason: "schema value is not JSON-serializable", Err: err}
		}
		return data, nil
	}
	return nil, fmt.Errorf("unknown schema source")
}

// canonicalize decodes a schema, strips known wrappers and re-encodes it with
// sorted keys.
func canonicalize(raw []byte) ([]byte, map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, &SchemaError{Reason: "empty schema document"}
	}
	doc, err := decodeJSON(raw)
	if err != nil {
		return nil, nil, &SchemaError{Reason: "schema is not valid JSON", Err: err}
	}
	m, ok := doc.(map[string]any)
	if !ok {
		return nil, nil, &SchemaError{Path: "#", Reason: "schema must be a JSON object"}
	}
	m = unwrap(m)

	canonical, err := json.Marshal(m)
	if err != nil {
		return nil, nil, &SchemaError{Reason: "failed to encode schema", Err: err}
	}
	return canonical, m, nil
}

// unwrap removes the envelopes models and SDKs put around a schema:
// {"output_schema": {...}}, {"name","strict","schema": {...}} and
// {"type":"json_schema","json_schema":{"schema": {...}}}.
func unwrap(m map[string]any) map[string]any {
	if inner, ok := m["output_schema"].(map[string]any); ok {
		return inner
	}
	if inner, ok := m["schema"].(map[string]any); ok {
		if _, hasType := m["type"]; !hasType {
			return inner
		}
	}
	if js, ok := m["json_schema"].(map[string]any); ok {
		if inner, ok := js["schema"].(map[string]any); ok {
			return inner
		}
	}
	return m
}

func compileSchema(id, name string, canonical []byte, doc map[string]any) (*Schema, error) {
	if err := checkDocument(doc, "#"); err != nil {
		return nil, err
	}

	compiled, err := compileRaw(id, canonical)
	if err != nil {
		return nil, &SchemaError{Path: "#", Reason: "meta-schema validation failed", Err: err}
	}

	root, err := buildTree(doc)
	if err != nil {
		return nil, err
	}

	s := &Schema{
		ID:       id,
		Name:     name,
		Raw:      canonical,
		Mode:     ModeSingle,
		Root:     root,
		compiled: compiled,
	}

	switch {
	case root.Kind == KindArray && root.Items != nil && isObjectLike(root.Items):
		s.Mode = ModePages
		s.Page = root.Items
		pageRaw, err := pageDocument(doc)
		if err != nil {
			return nil, err
		}
		s.pageRaw = pageRaw
		s.pageCompiled, err = compileRaw(id+"-page", pageRaw)
		if err != nil {
			return nil, &SchemaError{Path: "#/items", Reason: "per-page schema failed to compile", Err: err}
		}
	case isObjectLike(root):
	default:
		return nil, &SchemaError{Path: "#", Reason: "extraction target must be an object or an array of objects"}
	}

	return s, nil
}

func compileRaw(id string, raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.LoadURL = func(s string) (io.ReadCloser, error) {
		return nil, fmt.Errorf("external reference %q is not allowed", s)
	}
	url := id + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	return compiler.Compile(url)
}

// pageDocument builds a standalone schema for the items of an array-of-pages
// schema, carrying the root definitions so local $refs still resolve.
func pageDocument(doc map[string]any) ([]byte, error) {
	items, ok := doc["items"].(map[string]any)
	if !ok {
		return nil, &SchemaError{Path: "#/items", Reason: "items must be an object schema"}
	}
	page := make(map[string]any, len(items)+2)
	for k, v := range items {
		page[k] = v
	}
	for _, key := range []string{"$defs", "definitions"} {
		if defs, ok := doc[key]; ok {
			if _, exists := page[key]; !exists {
				page[key] = defs
			}
		}
	}
	return json.Marshal(page)
}

func isObjectLike(n *Node) bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case KindObject:
		return true
	case KindOneOf:
		for _, b := range n.OneOf {
			if !isObjectLike(b) {
				return false
			}
		}
		return true
	case KindAnyOf:
		for _, b := range n.AnyOf {
			if !isObjectLike(b) {
				return false
			}
		}
		return true
	}
	return false
}

// checkDocument performs the structural checks the meta-schema cannot
// express: required keys must be declared properties, and oneOf/anyOf must
// list at least one alternative.
func checkDocument(raw any, path string) error {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	if _, err := parseTypes(m["type"], path); err != nil {
		return err
	}

	if req, ok := m["required"]; ok {
		list, ok := req.([]any)
		if !ok {
			return &SchemaError{Path: path + "/required", Reason: "required must be an array of property names"}
		}
		props, hasProps := m["properties"].(map[string]any)
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return &SchemaError{Path: path + "/required", Reason: fmt.Sprintf("required entry %v is not a string", item)}
			}
			if hasProps {
				if _, declared := props[name]; !declared {
					return &SchemaError{
						Path:   path + "/required",
						Reason: fmt.Sprintf("required property %q is not declared in properties", name),
					}
				}
			}
		}
	}

	for _, key := range []string{"oneOf", "anyOf", "allOf"} {
		v, ok := m[key]
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok || len(list) == 0 {
			return &SchemaError{Path: path + "/" + key, Reason: key + " must be a non-empty array"}
		}
		for i, item := range list {
			if err := checkDocument(item, fmt.Sprintf("%s/%s/%d", path, key, i)); err != nil {
				return err
			}
		}
	}

	for _, key := range []string{"properties", "$defs", "definitions"} {
		children, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		names := make([]string, 0, len(children))
		for name := range children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := checkDocument(children[name], path+"/"+key+"/"+name); err != nil {
				return err
			}
		}
	}

	for _, key := range []string{"items", "additionalProperties", "not"} {
		if child, ok := m[key]; ok {
			if err := checkDocument(child, path+"/"+key); err != nil {
				return err
			}
		}
	}

	return nil
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}
	return v, nil
}

func hashBytes(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// DisplayName returns a short human name for a schema source path.
func DisplayName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
