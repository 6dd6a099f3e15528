package patch

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tenzoki/agenorc/internal/errs"
)

// denyPatterns is the literal set from patch_guard.py::_BAD_PATTERNS,
// translated to Go regexp syntax.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf`),
	regexp.MustCompile(`https?://`),
	regexp.MustCompile(`\bcurl\b`),
	regexp.MustCompile(`\bwget\b`),
	regexp.MustCompile(`requests\.get`),
	regexp.MustCompile(`urllib\.request`),
	regexp.MustCompile(`socket\.`),
}

// ChangedFiles returns the set of files touched by diff, stripping the
// "a/"/"b/" prefixes from both the "---" and "+++" header lines, per
// patch_guard.py::_changed_files.
func ChangedFiles(diff string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, line := range strings.Split(diff, "\n") {
		if !strings.HasPrefix(line, "+++") && !strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		path := fileHeaderPrefix.ReplaceAllString(strings.TrimSpace(fields[1]), "")
		if path == "" || path == "/dev/null" {
			continue
		}
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out
}

// SafetyScan rejects diff if it is empty, touches no files, touches any
// file outside allowGlobs (an empty allowGlobs admits every file),
// touches only test files, or matches a deny pattern. The glob list is
// supplied by the caller (Admission.AllowGlobs).
func SafetyScan(diff string, allowGlobs []string) error {
	if strings.TrimSpace(diff) == "" {
		return &errs.PatchRejected{Stage: "safety", Detail: "empty diff"}
	}

	lowered := strings.ToLower(diff)
	for _, pat := range denyPatterns {
		if pat.MatchString(lowered) {
			return &errs.PatchRejected{Stage: "safety", Detail: "matched deny pattern: " + pat.String()}
		}
	}

	files := ChangedFiles(diff)
	if len(files) == 0 {
		return &errs.PatchRejected{Stage: "safety", Detail: "diff references no files"}
	}

	if allTestFiles(files) {
		return &errs.PatchRejected{Stage: "safety", Detail: "diff touches only test files"}
	}

	for _, f := range files {
		if !matchesAnyGlob(f, allowGlobs) {
			return &errs.PatchRejected{Stage: "safety", Detail: "file not in allow-list: " + f}
		}
	}
	return nil
}

func allTestFiles(files []string) bool {
	for _, f := range files {
		if !isTestFile(f) {
			return false
		}
	}
	return true
}

func isTestFile(f string) bool {
	if strings.HasPrefix(f, "tests/") || strings.Contains(f, "/tests/") {
		return true
	}
	base := filepath.Base(f)
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.go")
}

func matchesAnyGlob(path string, globs []string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if ok, err := filepath.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}
