package patch

import (
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/tenzoki/agenorc/internal/errs"
)

// hunk is a parsed set of context/removal/addition lines for one file
// section, translated from patch_apply.py::_parse_hunks.
type hunk struct {
	lines []string // each line still carries its leading ' '/'-'/'+' marker
}

// parseHunks groups a normalised diff's hunk bodies by target file.
func parseHunks(diff string) map[string][]hunk {
	files := make(map[string][]hunk)
	var currentPath string
	var current *hunk
	for _, raw := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(raw, "--- "):
			currentPath = ""
			current = nil
		case strings.HasPrefix(raw, "+++ "):
			path := strings.TrimSpace(strings.SplitN(raw[4:], "\t", 2)[0])
			currentPath = fileHeaderPrefix.ReplaceAllString(path, "")
			if _, ok := files[currentPath]; !ok {
				files[currentPath] = nil
			}
			current = nil
		case strings.HasPrefix(raw, "@@"):
			if currentPath == "" {
				continue
			}
			files[currentPath] = append(files[currentPath], hunk{})
			current = &files[currentPath][len(files[currentPath])-1]
		case strings.HasPrefix(raw, `\ No newline`):
			continue
		default:
			if current != nil && raw != "" && (raw[0] == ' ' || raw[0] == '-' || raw[0] == '+') {
				current.lines = append(current.lines, raw)
			}
		}
	}
	return files
}

// applyHunk finds the contiguous run of context+removed lines inside
// lines and replaces it with the context+added lines, per
// patch_apply.py::_apply_hunk.
func applyHunk(lines []string, h hunk) ([]string, error) {
	var needle, replacement []string
	for _, l := range h.lines {
		switch l[0] {
		case ' ', '-':
			needle = append(needle, l[1:])
		}
		if l[0] == ' ' || l[0] == '+' {
			replacement = append(replacement, l[1:])
		}
	}
	if len(needle) == 0 {
		return nil, &errs.PatchRejected{Stage: "apply", Detail: "hunk has no context or removals"}
	}
	for idx := 0; idx+len(needle) <= len(lines); idx++ {
		if sliceEqual(lines[idx:idx+len(needle)], needle) {
			out := make([]string, 0, len(lines)-len(needle)+len(replacement))
			out = append(out, lines[:idx]...)
			out = append(out, replacement...)
			out = append(out, lines[idx+len(needle):]...)
			return out, nil
		}
	}
	return nil, &errs.PatchRejected{Stage: "apply", Detail: "hunk does not match target file"}
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyUnifiedDiff applies diff to the files under repoRoot in place,
// working against a disposable clone rather than the live workspace.
// Every target path is resolved through securejoin so a crafted "../"
// path in the diff cannot escape repoRoot, a second line of defence
// behind the safety-scan allow-list check.
func ApplyUnifiedDiff(repoRoot, diff string, allowGlobs []string) error {
	files := parseHunks(diff)
	if len(files) == 0 {
		return &errs.PatchRejected{Stage: "apply", Detail: "no file hunks found in patch"}
	}
	for relPath, hunks := range files {
		if !matchesAnyGlob(relPath, allowGlobs) {
			return &errs.PatchRejected{Stage: "apply", Detail: "file outside allow-list: " + relPath}
		}
		target, err := securejoin.SecureJoin(repoRoot, relPath)
		if err != nil {
			return &errs.PatchRejected{Stage: "apply", Detail: fmt.Sprintf("unsafe path %q: %v", relPath, err)}
		}
		original, err := os.ReadFile(target)
		if err != nil {
			return &errs.PatchRejected{Stage: "apply", Detail: "target file not found: " + relPath}
		}
		lines := strings.Split(string(original), "\n")
		trailingNewline := strings.HasSuffix(string(original), "\n")
		if trailingNewline {
			lines = lines[:len(lines)-1]
		}
		for _, h := range hunks {
			lines, err = applyHunk(lines, h)
			if err != nil {
				return err
			}
		}
		updated := strings.Join(lines, "\n")
		if trailingNewline {
			updated += "\n"
		}
		if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
			return &errs.PatchRejected{Stage: "apply", Detail: "write failed for " + relPath + ": " + err.Error()}
		}
	}
	return nil
}
