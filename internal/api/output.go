// Package api formats command results for the CLI.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the output format for CLI commands.
type OutputFormat string

const (
	OutputFormatYAML OutputFormat = "yaml"
	OutputFormatJSON OutputFormat = "json"
)

// DefaultOutput is the default output format.
var DefaultOutput OutputFormat = OutputFormatYAML

// globalOutputFormat is set by the root command's --output flag.
var globalOutputFormat OutputFormat = OutputFormatYAML

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(format string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(format)) {
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	case OutputFormatYAML, "yml":
		return OutputFormatYAML, nil
	case "":
		return DefaultOutput, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want yaml or json)", format)
	}
}

// SetOutputFormat sets the global output format. Unknown values select
// DefaultOutput.
func SetOutputFormat(format string) {
	f, err := ParseOutputFormat(format)
	if err != nil {
		f = DefaultOutput
	}
	globalOutputFormat = f
}

// GetOutputFormat returns the current global output format.
func GetOutputFormat() OutputFormat {
	return globalOutputFormat
}

// Output writes data to stdout in the configured format.
func Output(data any) error {
	return OutputTo(os.Stdout, globalOutputFormat, data)
}

// OutputAs writes data to stdout in the specified format.
func OutputAs(format OutputFormat, data any) error {
	return OutputTo(os.Stdout, format, data)
}

// OutputTo writes data to the given writer in the specified format.
// YAML output uses the same field names as JSON output.
func OutputTo(w io.Writer, format OutputFormat, data any) error {
	switch format {
	case OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case OutputFormatYAML:
		generic, err := toGeneric(data)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// toGeneric round-trips data through JSON so json tags and MarshalJSON
// methods apply, then turns json.Number into int64 or float64 so YAML
// emits numbers rather than quoted strings.
func toGeneric(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return numbers(v), nil
}

func numbers(v any) any {
	switch n := v.(type) {
	case map[string]any:
		for k, val := range n {
			n[k] = numbers(val)
		}
		return n
	case []any:
		for i, val := range n {
			n[i] = numbers(val)
		}
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

// IsStructuredOutput returns true if the output format is structured (JSON/YAML).
// This can be used by commands that want to provide human-friendly messages
// only when not in structured output mode.
func IsStructuredOutput() bool {
	return globalOutputFormat == OutputFormatJSON || globalOutputFormat == OutputFormatYAML
}
