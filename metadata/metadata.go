// Package metadata implements the metadata extraction functionality specified
// in section 4.2 of the design specification: invoking an external ebook
// tool to produce a sanitized, length-bounded metadata record, with a
// filename-derived fallback when extraction fails.
package metadata

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/zzenonn/ingestd/internal/sanitize"
)

// Field limits from the target API, enforced on every extracted record
// (section 4.2).
const (
	maxTitleLen  = 1024
	maxAuthorLen = 512
)

// legacyLanguageCodes maps legacy ISO-639-2/3 codes to their ISO-639-1
// equivalent, normalized by "taking the shortest equivalent" per section 4.2.
var legacyLanguageCodes = map[string]string{
	"eng": "en",
	"fre": "fr",
	"fra": "fr",
	"ger": "de",
	"deu": "de",
	"spa": "es",
	"ita": "it",
	"jpn": "ja",
	"chi": "zh",
	"zho": "zh",
	"rus": "ru",
	"por": "pt",
	"dut": "nl",
	"nld": "nl",
}

// Record is the sanitized, length-bounded metadata for one source file, as
// defined in section 4.2.
type Record struct {
	Title       string
	Authors     []string
	Language    string
	Series      string
	SeriesIndex float64
}

// sanitizeRecord applies the I4 sanitizer and the field-length limits to
// every string field of a Record, in place.
func sanitizeRecord(r Record) Record {
	r.Title = sanitize.Truncate(r.Title, maxTitleLen)
	for i, a := range r.Authors {
		r.Authors[i] = sanitize.Truncate(a, maxAuthorLen)
	}
	r.Language = normalizeLanguage(sanitize.String(r.Language))
	r.Series = sanitize.String(r.Series)
	return r
}

// normalizeLanguage converts a legacy three-letter code to its ISO-639-1
// equivalent; codes already short, or unrecognized, pass through unchanged.
func normalizeLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) <= 2 {
		return code
	}
	if short, ok := legacyLanguageCodes[code]; ok {
		return short
	}
	return code
}

// Extractor produces a Record for a source file, as defined in section 4.2.
type Extractor interface {
	Extract(ctx context.Context, path string) (Record, error)
}

// toolOutput is the JSON shape the external ebook-metadata tool is expected
// to emit on stdout.
type toolOutput struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors"`
	Language    string   `json:"language"`
	Series      string   `json:"series"`
	SeriesIndex float64  `json:"series_index"`
}

// ToolExtractor invokes an external command (e.g. an ebook-meta CLI) to
// extract metadata, as specified in section 4.2. When extraction fails for
// any reason, Extract never returns an error to the caller: it falls back to
// FromFilename and reports the failure is non-fatal by design (section 7:
// "Fall back to filename-derived record; continue").
type ToolExtractor struct {
	// CommandPath is the external tool to invoke, given the source path as
	// its final argument.
	CommandPath string
	// Args are any fixed arguments passed before the source path.
	Args []string
	// Run executes the command and returns its stdout; overridable in tests.
	Run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewToolExtractor builds a ToolExtractor that shells out to commandPath.
func NewToolExtractor(commandPath string, args ...string) *ToolExtractor {
	return &ToolExtractor{
		CommandPath: commandPath,
		Args:        args,
		Run:         runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Output()
}

// Extract implements Extractor.
func (e *ToolExtractor) Extract(ctx context.Context, path string) (Record, error) {
	run := e.Run
	if run == nil {
		run = runCommand
	}

	args := append(append([]string{}, e.Args...), path)
	out, err := run(ctx, e.CommandPath, args...)
	if err != nil {
		return sanitizeRecord(FromFilename(path)), nil //nolint:nilerr // fallback is the contract, not a caller error
	}

	var parsed toolOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return sanitizeRecord(FromFilename(path)), nil
	}

	record := Record{
		Title:       parsed.Title,
		Authors:     parsed.Authors,
		Language:    parsed.Language,
		Series:      parsed.Series,
		SeriesIndex: parsed.SeriesIndex,
	}
	if strings.TrimSpace(record.Title) == "" {
		record = FromFilename(path)
	}
	if len(record.Authors) == 0 {
		record.Authors = []string{"Unknown"}
	}

	return sanitizeRecord(record), nil
}

// FromFilename derives a minimal Record from a path alone, as specified in
// section 4.2's extraction-failure fallback: title is the file stem, author
// is "Unknown".
func FromFilename(path string) Record {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return Record{
		Title:   stem,
		Authors: []string{"Unknown"},
	}
}
