package patch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyUnifiedDiff_replacesMatchedLines(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "greet.go")
	if err := os.WriteFile(target, []byte("package main\n\nfunc hello() string {\n\treturn \"hi\"\n}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	diff := "--- a/greet.go\n" +
		"+++ b/greet.go\n" +
		"@@ -3,3 +3,3 @@\n" +
		" func hello() string {\n" +
		"-\treturn \"hi\"\n" +
		"+\treturn \"hello\"\n" +
		" }\n"

	if err := ApplyUnifiedDiff(dir, diff, nil); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	out, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); !strings.Contains(got, `return "hello"`) {
		t.Fatalf("expected replaced body, got:\n%s", got)
	}
}

func TestApplyUnifiedDiff_rejectsFileOutsideAllowList(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "x.go"), []byte("a\nb\n"), 0o644)
	diff := "--- a/x.go\n+++ b/x.go\n@@ -1,1 +1,1 @@\n-a\n+A\n"
	if err := ApplyUnifiedDiff(dir, diff, []string{"internal/*.go"}); err == nil {
		t.Fatal("expected rejection for file outside allow-list")
	}
}

func TestApplyUnifiedDiff_rejectsWhenHunkDoesNotMatch(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "x.go"), []byte("a\nb\nc\n"), 0o644)
	diff := "--- a/x.go\n+++ b/x.go\n@@ -1,1 +1,1 @@\n-nonexistent\n+new\n"
	if err := ApplyUnifiedDiff(dir, diff, nil); err == nil {
		t.Fatal("expected rejection when hunk content is not found in target")
	}
}

func TestApplyUnifiedDiff_rejectsEmptyPatch(t *testing.T) {
	dir := t.TempDir()
	if err := ApplyUnifiedDiff(dir, "no hunks here\n", nil); err == nil {
		t.Fatal("expected rejection for patch with no file hunks")
	}
}
