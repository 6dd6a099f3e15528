// Package patch implements Patch Admission (C7): normalise, safety scan,
// preflight, round-trip probe, and record.
//
// Normalise follows original_source/.../core/utils/patch_guard.py::
// normalize_patch_hunks for hunks missing explicit line ranges: search
// the target file's current contents for the first removed/context line
// and use its position; fall back to line 1 only if the file doesn't
// exist or the line isn't found. Searched position wins over a flat
// "always line 1" fallback, since that is what both patch_guard.py and
// self_improver.py::_normalize_patch independently implement.
package patch

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

var fileHeaderPrefix = regexp.MustCompile(`^[ab]/`)

// Normalise rewrites diff so every hunk header carries explicit
// (start,count) ranges and ensures a trailing newline. File header lines
// are kept as they are; the "a/"/"b/" prefix is stripped only to locate
// the target file under repoRoot.
// Normalisation is deterministic and idempotent: Normalise(Normalise(d))
// == Normalise(d).
func Normalise(diff, repoRoot string) string {
	diff = strings.ReplaceAll(diff, "\r\n", "\n")
	lines := strings.Split(diff, "\n")
	// strings.Split on a trailing "\n" leaves one empty trailing element;
	// drop it so the hunk-header rewrite below sees real line boundaries
	// only, and we reattach the newline at the end unconditionally.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var out []string
	var currentFile string
	i := 0
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "+++ ") {
			path := strings.TrimSpace(strings.SplitN(line[4:], "\t", 2)[0])
			currentFile = fileHeaderPrefix.ReplaceAllString(path, "")
			out = append(out, line)
			i++
			continue
		}
		if strings.HasPrefix(line, "@@") && !looksLikeExplicitHunkHeader(line) {
			hunkLines, next := collectHunkBody(lines, i+1)
			out = append(out, renderHunkHeader(hunkLines, currentFile, repoRoot))
			out = append(out, hunkLines...)
			i = next
			continue
		}
		out = append(out, line)
		i++
	}
	return strings.Join(out, "\n") + "\n"
}

var explicitHunkHeader = regexp.MustCompile(`^@@ -\d`)

func looksLikeExplicitHunkHeader(line string) bool {
	return explicitHunkHeader.MatchString(line)
}

func collectHunkBody(lines []string, start int) ([]string, int) {
	j := start
	for j < len(lines) && !strings.HasPrefix(lines[j], "@@") &&
		!strings.HasPrefix(lines[j], "--- ") && !strings.HasPrefix(lines[j], "+++ ") {
		j++
	}
	return lines[start:j], j
}

// renderHunkHeader computes "@@ -start,oldCount +start,newCount @@" for a
// hunk lacking one, inferring start by searching the target file for the
// first removed line (falling back to the first context line, then to
// line 1 if the file is unreadable or the line isn't found).
func renderHunkHeader(hunkLines []string, currentFile, repoRoot string) string {
	oldCount, newCount := 0, 0
	var firstRemoved, firstContext string
	haveFirstRemoved, haveFirstContext := false, false
	for _, hl := range hunkLines {
		switch {
		case strings.HasPrefix(hl, "-"):
			oldCount++
			if !haveFirstRemoved {
				firstRemoved = hl[1:]
				haveFirstRemoved = true
			}
		case strings.HasPrefix(hl, "+"):
			newCount++
		default:
			oldCount++
			newCount++
			if !haveFirstContext {
				firstContext = strings.TrimPrefix(hl, " ")
				haveFirstContext = true
			}
		}
	}
	if oldCount == 0 {
		oldCount = 1
	}
	if newCount == 0 {
		newCount = 1
	}

	needle, haveNeedle := firstRemoved, haveFirstRemoved
	if !haveNeedle {
		needle, haveNeedle = firstContext, haveFirstContext
	}
	lineNum := 1
	if currentFile != "" && haveNeedle {
		if found, ok := searchLineNumber(repoRoot, currentFile, needle); ok {
			lineNum = found
		}
	}
	return "@@ -" + strconv.Itoa(lineNum) + "," + strconv.Itoa(oldCount) +
		" +" + strconv.Itoa(lineNum) + "," + strconv.Itoa(newCount) + " @@"
}

// searchLineNumber returns the 1-based line number of needle within
// repoRoot/relPath's current contents, if present. securejoin keeps a
// maliciously crafted relPath (e.g. "../../etc/passwd") from escaping
// repoRoot even at this read-only lookup stage.
func searchLineNumber(repoRoot, relPath, needle string) (int, bool) {
	full, err := securejoin.SecureJoin(repoRoot, relPath)
	if err != nil {
		return 0, false
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return 0, false
	}
	for idx, l := range strings.Split(string(content), "\n") {
		if l == needle {
			return idx + 1, true
		}
	}
	return 0, false
}
