// Package response turns model text into schema-checked values.
//
// Extraction is lenient about where the JSON sits in the text; validation is
// strict. A Result carries either a conformant value or the first violation,
// which the pipeline feeds back into a repair prompt.
package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackzampolin/folio/internal/providers"
	"github.com/jackzampolin/folio/internal/schema"
)

// ErrNoJSONFound is returned when no candidate in the text decodes as a JSON
// object or array.
var ErrNoJSONFound = errors.New("no JSON found in model output")

// NoJSONFoundError carries the text that yielded no JSON.
type NoJSONFoundError struct {
	Text string
}

func (e *NoJSONFoundError) Error() string {
	return fmt.Sprintf("%s (%d chars)", ErrNoJSONFound, len(e.Text))
}

func (e *NoJSONFoundError) Unwrap() error { return ErrNoJSONFound }

// Violation is the schema package's violation report.
type Violation = schema.Violation

var (
	jsonFence = regexp.MustCompile("(?s)```[ \\t]*(?i:json)[ \\t]*\\r?\\n(.*?)```")
	anyFence  = regexp.MustCompile("(?s)```[^\\n`]*\\r?\\n(.*?)```")
)

// ExtractJSON finds the JSON value in model output. Candidates are tried in
// order: the whole text, ```json fenced blocks, any fenced block, then the
// first balanced object or array in the text. The first candidate that
// decodes wins and is returned compacted.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, &NoJSONFoundError{Text: text}
	}

	if raw, ok := decodeCandidate(trimmed); ok {
		return raw, nil
	}
	for _, re := range []*regexp.Regexp{jsonFence, anyFence} {
		for _, m := range re.FindAllStringSubmatch(trimmed, -1) {
			if raw, ok := decodeCandidate(m[1]); ok {
				return raw, nil
			}
		}
	}
	if raw, ok := scanBalanced(trimmed); ok {
		return raw, nil
	}
	return nil, &NoJSONFoundError{Text: text}
}

// decodeCandidate accepts s only if it holds exactly one JSON object or
// array.
func decodeCandidate(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') || !json.Valid([]byte(s)) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// scanBalanced tries a decode at each '{' or '[' in order and returns the
// first complete value. Quotes in surrounding prose are not tracked.
func scanBalanced(s string) (json.RawMessage, bool) {
	for i := strings.IndexAny(s, "{["); i >= 0 && i < len(s); {
		dec := json.NewDecoder(strings.NewReader(s[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err == nil {
			if out, ok := decodeCandidate(string(raw)); ok {
				return out, true
			}
		}
		next := strings.IndexAny(s[i+1:], "{[")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// Result is the outcome of parsing one completion: either Value is set and
// Violation is nil, or Violation describes the first problem.
type Result struct {
	Value     any
	Raw       json.RawMessage
	Violation *Violation
	// Err is set when no JSON was found.
	Err        error
	Completion *providers.Completion
}

// OK reports whether the completion produced a conformant value.
func (r Result) OK() bool {
	return r.Violation == nil
}

// Parse extracts JSON from the completion and validates it against the whole
// schema.
func Parse(c *providers.Completion, s *schema.Schema) Result {
	return parse(c, s.Validate)
}

// ParsePage extracts JSON from the completion and validates it against the
// per-page item schema.
func ParsePage(c *providers.Completion, s *schema.Schema) Result {
	return parse(c, s.ValidatePage)
}

func parse(c *providers.Completion, validate func(any) *Violation) Result {
	res := Result{Completion: c}

	raw, err := ExtractJSON(c.Text)
	if err != nil {
		res.Err = err
		res.Violation = &Violation{
			Kind:    schema.ViolationNoJSON,
			Message: "the response did not contain a JSON value",
		}
		return res
	}
	res.Raw = raw

	value, err := Decode(raw)
	if err != nil {
		res.Err = err
		res.Violation = &Violation{Kind: schema.ViolationNoJSON, Message: err.Error()}
		return res
	}

	if v := validate(value); v != nil {
		res.Violation = v
		return res
	}
	res.Value = value
	return res
}

// Decode unmarshals raw JSON keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	return v, nil
}
