package main

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and validate extraction schemas",
}

// schemaInfo summarises a loaded schema.
type schemaInfo struct {
	Name string      `json:"name"`
	ID   string      `json:"id"`
	Mode schema.Mode `json:"mode"`
	Keys []string    `json:"keys,omitempty"`
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <schema>",
	Short: "Check that a schema is a usable draft 2020-12 extraction schema",
	Long: `Validate a schema against the draft 2020-12 meta-schema and the
extraction rules (resolvable $refs, known types, object or array-of-pages
target).

Examples:
  folio schema validate invoice.json
  folio schema validate builtin:resume
  folio schema validate '{"type":"object","properties":{"total":{"type":"number"}}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.NewRegistry(slog.Default()).Load(resolveSchema(args[0]))
		if err != nil {
			return err
		}
		info := schemaInfo{Name: s.Name, ID: s.ID, Mode: s.Mode}
		if summary := s.KeySummary(); summary != "" {
			info.Keys = strings.Split(summary, "\n")
		}
		return output(cmd, info)
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <schema>",
	Short: "Print a schema in canonical form",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := schema.NewRegistry(slog.Default()).Load(resolveSchema(args[0]))
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(s.Raw, &doc); err != nil {
			return err
		}
		return output(cmd, doc)
	},
}

var schemaBuiltinsCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"builtins"},
	Short:   "List builtin and user schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		listing := struct {
			Builtin []string `json:"builtin"`
			User    []string `json:"user,omitempty"`
		}{}
		for _, name := range schema.Builtins() {
			listing.Builtin = append(listing.Builtin, "builtin:"+name)
		}

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		listing.User, err = h.UserSchemas()
		if err != nil {
			return err
		}
		return output(cmd, listing)
	},
}

func init() {
	schemaCmd.AddCommand(schemaValidateCmd)
	schemaCmd.AddCommand(schemaShowCmd)
	schemaCmd.AddCommand(schemaBuiltinsCmd)
	rootCmd.AddCommand(schemaCmd)
}
