package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/extract"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/llmcall"
	"github.com/jackzampolin/folio/internal/metrics"
	"github.com/jackzampolin/folio/internal/schema"
)

var (
	extractSchema       string
	extractPages        string
	extractK            int
	extractRepairs      int
	extractConcurrency  int
	extractInstructions string
	extractProvider     string
	extractModel        string
	extractTemperature  float64
	extractVoteKey      string
	extractStructured   bool
	extractDetails      bool
	extractCalls        bool
)

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract structured data from a document",
	Long: `Extract structured data from a PDF, TIFF, PNG or JPEG file.

The schema decides the shape of the result: an object schema yields one
object for the whole document, an array schema yields one entry per page.

Schemas can be given as a file path, inline JSON, builtin:<name>, or the
name of a file in ~/.folio/schemas.

Examples:
  folio extract resume.pdf --schema builtin:resume
  folio extract scan.tiff --schema invoice.json --pages 1,3-4
  folio extract resume.png --schema builtin:resume --k 3 --details`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		logger := slog.Default()

		pages, err := parsePages(extractPages)
		if err != nil {
			return err
		}

		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		s, err := schema.NewRegistry(logger).Load(resolveSchema(extractSchema))
		if err != nil {
			return err
		}

		p, err := buildPipeline(mgr.Get(), extractProvider, logger)
		if err != nil {
			return err
		}

		doc, err := p.loader.LoadFile(ctx, args[0], document.Options{Pages: pages})
		if err != nil {
			return err
		}

		opts := extract.Options{
			ConsistencyK:      extractK,
			MaxRepairAttempts: extractRepairs,
			Concurrency:       extractConcurrency,
			VoteKeyPath:       extractVoteKey,
			StructuredOutput:  extractStructured,
		}
		opts.Sampling.Model = extractModel
		opts.Sampling.Temperature = extractTemperature

		res, err := p.extractor.Extract(ctx, &extract.Request{
			Document:     doc,
			Schema:       s,
			Instructions: extractInstructions,
			Options:      opts,
		})
		if err != nil {
			return err
		}

		if !extractDetails {
			return output(cmd, res.Value)
		}
		return output(cmd, newExtractReport(p, doc, s, res, extractCalls))
	},
}

func init() {
	extractCmd.Flags().StringVarP(&extractSchema, "schema", "s", "", "schema: path, inline JSON, builtin:<name> or a name in ~/.folio/schemas")
	extractCmd.Flags().StringVar(&extractPages, "pages", "", "1-based pages to extract, e.g. 1,3-5 (default: first max_pages)")
	extractCmd.Flags().IntVar(&extractK, "k", 0, "samples per attempt for consistency voting (default from config)")
	extractCmd.Flags().IntVar(&extractRepairs, "repairs", 0, "total attempts per page including the first (default from config)")
	extractCmd.Flags().IntVar(&extractConcurrency, "concurrency", 0, "pages extracted in parallel (default from config)")
	extractCmd.Flags().StringVar(&extractInstructions, "instructions", "", "additional instructions for the model")
	extractCmd.Flags().StringVar(&extractProvider, "provider", "", "provider name from config (default: defaults.llm_provider)")
	extractCmd.Flags().StringVar(&extractModel, "model", "", "model override for the provider")
	extractCmd.Flags().Float64Var(&extractTemperature, "temperature", 0, "sampling temperature (default from config)")
	extractCmd.Flags().StringVar(&extractVoteKey, "vote-key", "", "dot path compared when voting, e.g. email")
	extractCmd.Flags().BoolVar(&extractStructured, "structured", false, "send the schema for provider-side constrained output")
	extractCmd.Flags().BoolVar(&extractDetails, "details", false, "print attempts, usage and timing alongside the value")
	extractCmd.Flags().BoolVar(&extractCalls, "calls", false, "with --details, include every model call")
	_ = extractCmd.MarkFlagRequired("schema")

	rootCmd.AddCommand(extractCmd)
}

// extractReport is the --details output.
type extractReport struct {
	Value    any                               `json:"value"`
	Schema   string                            `json:"schema"`
	Mode     schema.Mode                       `json:"mode"`
	Pages    []int                             `json:"pages"`
	Provider string                            `json:"provider"`
	Model    string                            `json:"model"`
	Attempts []extract.PageAttempts            `json:"attempts"`
	Usage    llmcall.Usage                     `json:"usage"`
	Stats    map[string]*metrics.DetailedStats `json:"stats,omitempty"`
	Cost     map[string]float64                `json:"cost_by_model,omitempty"`
	Duration string                            `json:"duration"`
	Calls    []llmcall.Call                    `json:"calls,omitempty"`
}

func newExtractReport(p *pipeline, doc *document.Document, s *schema.Schema, res *extract.Result, withCalls bool) extractReport {
	r := extractReport{
		Value:    res.Value,
		Schema:   s.Name,
		Mode:     res.Mode,
		Pages:    doc.PageIndexes(),
		Provider: p.provider,
		Model:    p.client.Model(),
		Attempts: res.Attempts,
		Usage:    res.Usage,
		Stats:    p.metrics.StageStats(),
		Cost:     p.metrics.CostByModel(),
		Duration: res.Duration.Round(time.Millisecond).String(),
	}
	if withCalls {
		r.Calls = res.Calls
	}
	return r
}

// resolveSchema maps a --schema value to a source. Bare names that are not
// files are looked up in the home schemas directory.
func resolveSchema(ref string) schema.Source {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" || strings.HasPrefix(trimmed, "builtin:") || strings.HasPrefix(trimmed, "{") {
		return schema.ParseSource(trimmed)
	}
	if _, err := os.Stat(trimmed); err == nil {
		return schema.FromFile(trimmed)
	}
	if h, err := home.New(homeDir); err == nil {
		if path := h.SchemaPath(trimmed); fileExists(path) {
			return schema.FromFile(path)
		}
	}
	return schema.ParseSource(trimmed)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

const maxPageRange = 10000

// parsePages parses "1,3-5" into sorted, de-duplicated 1-based page numbers.
func parsePages(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var out []int
	add := func(n int) {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil || start < 1 {
			return nil, fmt.Errorf("invalid page %q: pages are 1-based integers", part)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil || end < start || end-start > maxPageRange {
				return nil, fmt.Errorf("invalid page range %q", part)
			}
		}
		for n := start; n <= end; n++ {
			add(n)
		}
	}
	sort.Ints(out)
	return out, nil
}
