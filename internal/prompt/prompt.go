// Package prompt builds the model payload for one extraction unit: the
// system and user text rendered from embedded templates, the page images,
// and one repair section per prior validation failure.
//
// Templates resolve in this order:
//  1. Override registered in Config.Overrides (from configuration)
//  2. Embedded default (templates/*.tmpl)
package prompt

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"text/template"

	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/schema"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Default payload limits.
const (
	DefaultMaxPayloadBytes = 20 << 20
	DefaultMaxImageBytes   = document.DefaultMaxImageBytes
)

// ErrPayloadTooLarge is matched by PayloadTooLargeError via errors.Is.
var ErrPayloadTooLarge = errors.New("payload too large")

// PayloadTooLargeError is returned when a payload would exceed the model
// input budget. The builder never truncates.
type PayloadTooLargeError struct {
	Size  int
	Limit int
	// Page is set when a single image exceeds the per-image limit.
	Page int
}

func (e *PayloadTooLargeError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("payload too large: page %d image is %d bytes, limit %d", e.Page, e.Size, e.Limit)
	}
	return fmt.Sprintf("payload too large: %d bytes, limit %d", e.Size, e.Limit)
}

func (e *PayloadTooLargeError) Is(target error) bool { return target == ErrPayloadTooLarge }

// Limits bounds payload size. MaxImageBytes applies to each raw image;
// MaxPayloadBytes to the whole request with images at their base64-encoded
// size, which is what goes over the wire.
type Limits struct {
	MaxPayloadBytes int
	MaxImageBytes   int
}

// Payload is everything sent to the model for one request.
type Payload struct {
	System      string
	User        string
	Images      [][]byte
	ImageMIME   []string
	PageIndexes []int
	// Hash identifies the exact text sent, for tracing.
	Hash string
	// Attempt is 1 plus the number of repair sections included.
	Attempt int
}

// Size returns the payload size as counted against Limits.
func (p *Payload) Size() int {
	size := len(p.System) + len(p.User)
	for _, img := range p.Images {
		size += base64.StdEncoding.EncodedLen(len(img))
	}
	return size
}

// Config configures a Builder.
type Config struct {
	Limits Limits
	// Overrides replaces embedded templates by key (SystemKey, UserKey,
	// RepairKey).
	Overrides map[string]string
	Logger    *slog.Logger
}

// Builder renders payloads. Safe for concurrent use.
type Builder struct {
	system string
	user   *template.Template
	repair *template.Template
	limits Limits
	logger *slog.Logger
}

// NewBuilder parses the templates, applying any overrides.
func NewBuilder(cfg Config) (*Builder, error) {
	texts := make(map[string]string, 3)
	for _, key := range []string{SystemKey, UserKey, RepairKey} {
		if override, ok := cfg.Overrides[key]; ok && strings.TrimSpace(override) != "" {
			texts[key] = override
			continue
		}
		data, err := templateFS.ReadFile("templates/" + key + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %q: %w", key, err)
		}
		texts[key] = string(data)
	}
	for key := range cfg.Overrides {
		if _, ok := allowedVariables[key]; !ok {
			return nil, fmt.Errorf("unknown prompt template %q", key)
		}
	}

	// The system prompt takes no variables, so it is rendered once here.
	systemTmpl, err := parseTemplate(SystemKey, texts[SystemKey])
	if err != nil {
		return nil, err
	}
	var system strings.Builder
	if err := systemTmpl.Execute(&system, nil); err != nil {
		return nil, fmt.Errorf("failed to render prompt template %q: %w", SystemKey, err)
	}
	user, err := parseTemplate(UserKey, texts[UserKey])
	if err != nil {
		return nil, err
	}
	repair, err := parseTemplate(RepairKey, texts[RepairKey])
	if err != nil {
		return nil, err
	}

	limits := cfg.Limits
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if limits.MaxImageBytes <= 0 {
		limits.MaxImageBytes = DefaultMaxImageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		system: strings.TrimSpace(system.String()),
		user:   user,
		repair: repair,
		limits: limits,
		logger: logger.With("component", "prompt"),
	}, nil
}

type userData struct {
	PerPage      bool
	Pages        string
	PageList     []int
	Schema       string
	KeySummary   string
	Instructions string
}

type repairData struct {
	Attempt  int
	Kind     string
	Location string
	Message  string
	Fragment string
}

// Build renders the payload for pages against s. For page schemas the
// per-page item schema is embedded. Each entry in failures is the violation
// reported for one earlier attempt, oldest first, and adds a repair section.
func (b *Builder) Build(s *schema.Schema, pages []document.Page, instructions string, failures []schema.Violation) (*Payload, error) {
	if s == nil {
		return nil, errors.New("prompt: schema is required")
	}
	if len(pages) == 0 {
		return nil, errors.New("prompt: at least one page is required")
	}

	indexes := make([]int, len(pages))
	labels := make([]string, len(pages))
	for i, p := range pages {
		indexes[i] = p.Index
		labels[i] = strconv.Itoa(p.Index)
	}

	perPage := s.Mode == schema.ModePages
	schemaText := s.Pretty()
	if perPage {
		schemaText = s.PrettyPage()
	}

	var user bytes.Buffer
	err := b.user.Execute(&user, userData{
		PerPage:      perPage,
		Pages:        strings.Join(labels, ", "),
		PageList:     indexes,
		Schema:       schemaText,
		KeySummary:   s.KeySummary(),
		Instructions: strings.TrimSpace(instructions),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render user prompt: %w", err)
	}

	for i, f := range failures {
		location := f.Path
		if location == "" {
			location = "the document root"
		}
		err := b.repair.Execute(&user, repairData{
			Attempt:  i + 1,
			Kind:     string(f.Kind),
			Location: location,
			Message:  f.Message,
			Fragment: prettyFragment(f.Fragment),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to render repair prompt: %w", err)
		}
	}

	p := &Payload{
		System:      b.system,
		User:        strings.TrimSpace(user.String()),
		Images:      make([][]byte, len(pages)),
		ImageMIME:   make([]string, len(pages)),
		PageIndexes: indexes,
		Attempt:     len(failures) + 1,
	}
	for i, page := range pages {
		if n := len(page.Image); n > b.limits.MaxImageBytes {
			return nil, &PayloadTooLargeError{Size: n, Limit: b.limits.MaxImageBytes, Page: page.Index}
		}
		p.Images[i] = page.Image
		p.ImageMIME[i] = page.MIMEType
	}
	if size := p.Size(); size > b.limits.MaxPayloadBytes {
		return nil, &PayloadTooLargeError{Size: size, Limit: b.limits.MaxPayloadBytes}
	}
	p.Hash = HashText(p.System + "\x00" + p.User)

	b.logger.Debug("payload built",
		"pages", indexes,
		"attempt", p.Attempt,
		"bytes", p.Size(),
		"hash", p.Hash[:12])
	return p, nil
}

func prettyFragment(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
