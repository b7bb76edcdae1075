package supervisor

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// maxLogLines bounds the diagnostic log tail collected per section 4.8 step
// D.1: "last 500 log lines".
const maxLogLines = 500

// LogTailer returns the most recent log lines for a shard, used to build
// diagnostics (section 4.8 step D.1) and to scan for progress signals
// (step A). A nil LogTailer degrades gracefully: diagnostics omit log
// lines and progress-signal detection assumes activity is fine, matching
// the "if platform-specific signals are unavailable" fallback pattern
// section 4.5 uses for the watchdog.
type LogTailer interface {
	TailLines(shardID int, n int) ([]string, error)
}

// FileLogTailer reads the last n lines of <dir>/worker-<shardID>.log.
// Workers log to stderr (internal/obslog.NewDefault), so these files exist
// only where a worker's stderr is redirected to them.
type FileLogTailer struct {
	dir string
}

// NewFileLogTailer builds a FileLogTailer rooted at dir.
func NewFileLogTailer(dir string) *FileLogTailer {
	return &FileLogTailer{dir: dir}
}

// TailLines implements LogTailer.
func (t *FileLogTailer) TailLines(shardID int, n int) ([]string, error) {
	path := filepath.Join(t.dir, logFileName(shardID))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, scanner.Err()
}

func logFileName(shardID int) string {
	return "worker-" + strconv.Itoa(shardID) + ".log"
}

// progressSignalPhrases are the fixed log phrases section 4.8 step A treats
// as resetting the stuck-detection activity timer for an initializing or
// discovering worker: "Processed batch", "Found N new files", database
// query lines, archive-extraction lines.
var progressSignalPhrases = []string{
	"Processed batch",
	"new files",
	"discover batch",
	"extract",
}

// hasRecentProgressSignal reports whether any of lines (most-recent last)
// contains a known progress-signal phrase.
func hasRecentProgressSignal(lines []string) bool {
	for _, line := range lines {
		for _, phrase := range progressSignalPhrases {
			if strings.Contains(line, phrase) {
				return true
			}
		}
	}
	return false
}

// keywordSet normalizes s into a lowercase set of words longer than two
// characters, the mechanism behind section 4.8's "recurring root cause
// detection": "Normalize a root-cause string to lowercase keyword set."
func keywordSet(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

// keywordOverlap counts words shared by a and b.
func keywordOverlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

// recurrenceCount implements section 4.8's recurring root cause rule:
// "Count prior occurrences in FixAttempt history using keyword-overlap >= 3."
func recurrenceCount(history []FixAttempt, rootCause string) int {
	target := keywordSet(rootCause)
	count := 0
	for _, h := range history {
		if keywordOverlap(target, keywordSet(h.RootCause)) >= recurrenceOverlapThreshold {
			count++
		}
	}
	return count
}

const recurrenceOverlapThreshold = 3

// knownSnippetPatterns maps a diagnostic phrase fragment to the source file
// and function name the oracle benefits from seeing, per section 4.9:
// "e.g. 'same key range repeats' -> include the catalog-iteration function".
var knownSnippetPatterns = map[string]struct{ file, function string }{
	"same key range repeats": {file: "catalog/catalog.go", function: "NextBatch"},
	"key range":              {file: "catalog/catalog.go", function: "NextBatch"},
}

// codeSnippets scans rootCause for known patterns and, for each match,
// extracts the named function's source from sourceRoot so the oracle's
// prompt can include it (section 4.9).
func codeSnippets(sourceRoot, rootCause string) map[string]string {
	if sourceRoot == "" {
		return nil
	}
	lower := strings.ToLower(rootCause)
	out := make(map[string]string)
	for pattern, target := range knownSnippetPatterns {
		if !strings.Contains(lower, pattern) {
			continue
		}
		src, err := extractFunction(filepath.Join(sourceRoot, target.file), target.function)
		if err != nil {
			continue
		}
		out[target.function] = src
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// funcSignaturePattern returns a regexp matching a top-level Go function
// declaration by name, tolerating a value or pointer receiver.
func funcSignaturePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^func\s+(?:\([^)]*\)\s+)?` + regexp.QuoteMeta(name) + `\s*\(`)
}

// extractFunction returns the full source text of the named function in
// path, found by locating its signature and counting braces to the
// matching close. Used only to build oracle prompt context, never to parse
// Go semantically.
func extractFunction(path, name string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	src := string(data)

	loc := funcSignaturePattern(name).FindStringIndex(src)
	if loc == nil {
		return "", os.ErrNotExist
	}

	depth := 0
	started := false
	for i := loc[0]; i < len(src); i++ {
		switch src[i] {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return src[loc[0] : i+1], nil
			}
		}
	}
	return "", os.ErrNotExist
}
