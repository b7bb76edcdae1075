package supervisor

import (
	"bufio"
	"bytes"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zzenonn/ingestd/oracle"
)

// applyPatch implements section 4.8 step D.3's "code" fix path: snapshot the
// target file to a timestamped backup, apply the structured patch, validate
// syntactically, and only then commit; on validation failure the original
// file is left untouched since the backup is written alongside it, never
// over it.
func applyPatch(sourceRoot string, patch oracle.Patch) error {
	if patch.File == "" {
		return fmt.Errorf("supervisor: patch has no target file")
	}
	path := filepath.Join(sourceRoot, patch.File)

	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("supervisor: read patch target %s: %w", patch.File, err)
	}

	patched, err := applyPatchBody(string(original), patch)
	if err != nil {
		return fmt.Errorf("supervisor: build patched content for %s: %w", patch.File, err)
	}

	if err := validateSyntax(patch.File, patched); err != nil {
		return fmt.Errorf("supervisor: patch for %s failed validation, not applied: %w", patch.File, err)
	}

	backup := fmt.Sprintf("%s.bak-%d", path, time.Now().UnixNano())
	if err := os.WriteFile(backup, original, 0o644); err != nil {
		return fmt.Errorf("supervisor: snapshot backup for %s: %w", patch.File, err)
	}

	if err := os.WriteFile(path, []byte(patched), 0o644); err != nil {
		restoreErr := os.WriteFile(path, original, 0o644)
		if restoreErr != nil {
			return fmt.Errorf("supervisor: write patched %s failed (%v) and restore failed: %w", patch.File, err, restoreErr)
		}
		return fmt.Errorf("supervisor: write patched %s: %w", patch.File, err)
	}
	return nil
}

func applyPatchBody(original string, patch oracle.Patch) (string, error) {
	switch patch.Kind {
	case oracle.PatchFunctionReplace:
		return applyFunctionReplace(original, patch.FunctionName, patch.Body)
	case oracle.PatchReplace:
		return applyContextReplace(original, patch.ContextBefore, patch.Old, patch.New, patch.ContextAfter)
	case oracle.PatchUnifiedDiff:
		return applyUnifiedDiff(original, patch.UnifiedDiff)
	default:
		return "", fmt.Errorf("unrecognized patch kind %q", patch.Kind)
	}
}

// applyFunctionReplace finds the named top-level function by signature and
// swaps its whole body (signature through matching closing brace) for body.
func applyFunctionReplace(original, functionName, body string) (string, error) {
	loc := funcSignaturePattern(functionName).FindStringIndex(original)
	if loc == nil {
		return "", fmt.Errorf("function %s not found", functionName)
	}

	depth := 0
	started := false
	for i := loc[0]; i < len(original); i++ {
		switch original[i] {
		case '{':
			depth++
			started = true
		case '}':
			depth--
			if started && depth == 0 {
				return original[:loc[0]] + body + original[i+1:], nil
			}
		}
	}
	return "", fmt.Errorf("function %s has no matching closing brace", functionName)
}

// applyContextReplace finds contextBefore+old+contextAfter as a contiguous
// span and substitutes contextBefore+new+contextAfter, per section 9's
// Replace(context_before, old, new, context_after) patch variant.
func applyContextReplace(original, contextBefore, old, replacementText, contextAfter string) (string, error) {
	needle := contextBefore + old + contextAfter
	idx := strings.Index(original, needle)
	if idx < 0 {
		return "", fmt.Errorf("context+old span not found")
	}
	replacement := contextBefore + replacementText + contextAfter
	return original[:idx] + replacement + original[idx+len(needle):], nil
}

// applyUnifiedDiff applies a minimal subset of unified diff syntax: hunks
// whose context and removed lines can be located verbatim in original,
// applied in order. This is not a general-purpose patch tool; it covers the
// single-hunk, non-fuzzy patches the oracle is expected to produce for a
// single stuck-worker root cause.
func applyUnifiedDiff(original, diff string) (string, error) {
	lines := strings.Split(original, "\n")
	scanner := bufio.NewScanner(strings.NewReader(diff))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var result []string
	cursor := 0
	inHunk := false

	flushUpTo := func(target int) {
		if target > len(lines) {
			target = len(lines)
		}
		result = append(result, lines[cursor:target]...)
		cursor = target
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "@@"):
			inHunk = true
			continue
		case !inHunk:
			continue
		case strings.HasPrefix(line, "-"):
			want := line[1:]
			idx := indexFrom(lines, cursor, want)
			if idx < 0 {
				return "", fmt.Errorf("unified diff: removed line not found: %q", want)
			}
			flushUpTo(idx)
			cursor++ // drop the removed line
		case strings.HasPrefix(line, "+"):
			result = append(result, line[1:])
		case strings.HasPrefix(line, " "):
			want := line[1:]
			idx := indexFrom(lines, cursor, want)
			if idx < 0 {
				return "", fmt.Errorf("unified diff: context line not found: %q", want)
			}
			flushUpTo(idx + 1)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	flushUpTo(len(lines))
	return strings.Join(result, "\n"), nil
}

func indexFrom(lines []string, from int, want string) int {
	for i := from; i < len(lines); i++ {
		if lines[i] == want {
			return i
		}
	}
	return -1
}

// validateSyntax implements section 4.8 step D.3's "validate syntactically
// by a parse + compile check": a go/parser syntax check runs for .go files.
// The best-effort `go build` is separate (buildCheck, called by applyFix
// after the patch is written) and its failures are only logged.
func validateSyntax(file, content string) error {
	if strings.HasSuffix(file, ".go") {
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, file, content, parser.AllErrors); err != nil {
			return fmt.Errorf("syntax check failed: %w", err)
		}
	}
	return nil
}

// buildCheck shells out to `go build ./...` in sourceRoot as the "compile
// check" half of step D.3's validation. Errors here are informational: the
// caller treats a missing go toolchain as "could not verify", not as a
// rejection, since production supervisor hosts may be built without one.
func buildCheck(sourceRoot string) (string, error) {
	cmd := exec.Command("go", "build", "./...")
	cmd.Dir = sourceRoot
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
