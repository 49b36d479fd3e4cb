package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ViolationKind classifies a schema violation.
type ViolationKind string

const (
	ViolationNoJSON          ViolationKind = "no_json"
	ViolationMissingRequired ViolationKind = "missing_required"
	ViolationTypeMismatch    ViolationKind = "type_mismatch"
	ViolationEnum            ViolationKind = "enum"
	ViolationOneOf           ViolationKind = "one_of"
	ViolationAnyOf           ViolationKind = "any_of"
	ViolationConstraint      ViolationKind = "constraint"
)

// rank orders violation kinds for reporting: missing keys first, then type
// mismatches, then composition ambiguity, then everything else.
var rank = map[ViolationKind]int{
	ViolationNoJSON:          0,
	ViolationMissingRequired: 1,
	ViolationTypeMismatch:    2,
	ViolationEnum:            3,
	ViolationOneOf:           4,
	ViolationAnyOf:           5,
	ViolationConstraint:      6,
}

// Violation describes the first way a value fails its schema.
type Violation struct {
	Kind ViolationKind `json:"kind"`
	// Path is a JSON pointer to the offending value ("" is the root).
	Path    string `json:"path"`
	Message string `json:"message"`
	// Fragment is the offending JSON sub-value (the parent object for
	// missing keys).
	Fragment json.RawMessage `json:"fragment,omitempty"`
}

func (v *Violation) Error() string {
	path := v.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s at %s: %s", v.Kind, path, v.Message)
}

// Validate checks v against the whole schema. v must be a value decoded from
// JSON (map[string]any, []any, string, float64 or json.Number, bool, nil).
// It returns nil when v conforms.
func (s *Schema) Validate(v any) *Violation {
	return s.check(s.Root, s.compiled, v)
}

// ValidatePage checks v against the per-page item schema. For single-object
// schemas it is identical to Validate.
func (s *Schema) ValidatePage(v any) *Violation {
	if s.Mode != ModePages {
		return s.Validate(v)
	}
	return s.check(s.Page, s.pageCompiled, v)
}

// Violations returns every tree violation of v in traversal order.
func (s *Schema) Violations(v any) []Violation {
	var out []Violation
	walk(s.Root, v, "", &out)
	return out
}

func (s *Schema) check(root *Node, compiled *jsonschema.Schema, v any) *Violation {
	var found []Violation
	walk(root, v, "", &found)

	var backstop error
	if compiled != nil {
		backstop = compiled.Validate(v)
	}
	if backstop == nil {
		// Tree branch matching skips unmodelled keywords such as
		// additionalProperties and bounds; the compiled schema decides.
		found = withoutComposition(found)
	}
	if first := pickFirst(found); first != nil {
		return first
	}
	if backstop != nil {
		return fromValidationError(backstop, v)
	}
	return nil
}

func withoutComposition(found []Violation) []Violation {
	kept := found[:0]
	for _, v := range found {
		if v.Kind != ViolationOneOf && v.Kind != ViolationAnyOf {
			kept = append(kept, v)
		}
	}
	return kept
}

// pickFirst returns the lowest-ranked violation, keeping traversal order
// within a rank.
func pickFirst(found []Violation) *Violation {
	if len(found) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(found); i++ {
		if rank[found[i].Kind] < rank[found[best].Kind] {
			best = i
		}
	}
	v := found[best]
	return &v
}

func walk(n *Node, v any, path string, out *[]Violation) {
	if n == nil {
		return
	}

	if len(n.Types) > 0 && !matchesAny(n.Types, v) {
		*out = append(*out, Violation{
			Kind:     ViolationTypeMismatch,
			Path:     path,
			Message:  fmt.Sprintf("expected %s, got %s", strings.Join(n.Types, " or "), jsonType(v)),
			Fragment: fragment(v),
		})
		return
	}

	if len(n.Enum) > 0 && !inEnum(n.Enum, v) {
		allowed, _ := json.Marshal(n.Enum)
		*out = append(*out, Violation{
			Kind:     ViolationEnum,
			Path:     path,
			Message:  fmt.Sprintf("value must be one of %s", allowed),
			Fragment: fragment(v),
		})
	}

	if obj, ok := v.(map[string]any); ok {
		for _, key := range n.Required {
			if _, present := obj[key]; !present {
				*out = append(*out, Violation{
					Kind:     ViolationMissingRequired,
					Path:     path,
					Message:  fmt.Sprintf("missing required property %q", key),
					Fragment: fragment(v),
				})
			}
		}
		for _, key := range n.PropertyOrder {
			child, present := obj[key]
			if !present {
				continue
			}
			walk(n.Properties[key], child, path+"/"+escapePointer(key), out)
		}
	}

	if arr, ok := v.([]any); ok && n.Items != nil {
		for i, item := range arr {
			walk(n.Items, item, path+"/"+strconv.Itoa(i), out)
		}
	}

	if len(n.OneOf) > 0 {
		matched := 0
		for _, branch := range n.OneOf {
			var sub []Violation
			walk(branch, v, path, &sub)
			if len(sub) == 0 {
				matched++
			}
		}
		if matched != 1 {
			msg := "value matches none of the oneOf alternatives"
			if matched > 1 {
				msg = fmt.Sprintf("value matches %d oneOf alternatives, expected exactly one", matched)
			}
			*out = append(*out, Violation{
				Kind:     ViolationOneOf,
				Path:     path,
				Message:  msg,
				Fragment: fragment(v),
			})
		}
	}

	if len(n.AnyOf) > 0 {
		for _, branch := range n.AnyOf {
			var sub []Violation
			walk(branch, v, path, &sub)
			if len(sub) == 0 {
				return
			}
		}
		*out = append(*out, Violation{
			Kind:     ViolationAnyOf,
			Path:     path,
			Message:  "value matches none of the anyOf alternatives",
			Fragment: fragment(v),
		})
	}
}

func matchesAny(types []string, v any) bool {
	for _, t := range types {
		if matchesType(t, v) {
			return true
		}
	}
	return false
}

func matchesType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := toFloat(v)
		return ok
	case "integer":
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f) && !math.IsInf(f, 0)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number, int, int64:
		if matchesType("integer", v) {
			return "integer"
		}
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func inEnum(enum []any, v any) bool {
	got, err := json.Marshal(v)
	if err != nil {
		return false
	}
	for _, e := range enum {
		want, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if string(got) == string(want) {
			return true
		}
		// 1 and 1.0 are the same JSON number.
		gf, gok := toFloat(v)
		wf, wok := toFloat(e)
		if gok && wok && gf == wf {
			return true
		}
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func fragment(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func escapePointer(key string) string {
	return strings.ReplaceAll(strings.ReplaceAll(key, "~", "~0"), "/", "~1")
}

// fromValidationError converts the backstop validator's error into a
// Violation, descending to the deepest cause for a precise location.
func fromValidationError(err error, root any) *Violation {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Violation{Kind: ViolationConstraint, Message: err.Error(), Fragment: fragment(root)}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &Violation{
		Kind:     ViolationConstraint,
		Path:     ve.InstanceLocation,
		Message:  ve.Message,
		Fragment: fragment(lookupPointer(root, ve.InstanceLocation)),
	}
}

func lookupPointer(root any, pointer string) any {
	if pointer == "" || pointer == "/" {
		return root
	}
	cur := root
	for _, tok := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		tok = strings.ReplaceAll(strings.ReplaceAll(tok, "~1", "/"), "~0", "~")
		switch c := cur.(type) {
		case map[string]any:
			cur = c[tok]
		case []any:
			i, err := strconv.Atoi(tok)
			if err != nil || i < 0 || i >= len(c) {
				return nil
			}
			cur = c[i]
		default:
			return nil
		}
	}
	return cur
}
