package patch

import (
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"

	"github.com/tenzoki/agenorc/internal/errs"
)

// RoundTrip checks that re-normalising an already normalised diff gives
// it back byte-identically (Normalise is idempotent). The diff is not
// parsed into hunks and re-emitted; the check is on Normalise alone. Any
// character-level drift is surfaced via go-diff so PatchRejected carries
// a readable detail instead of just "mismatch".
func RoundTrip(normalised, repoRoot string) error {
	again := Normalise(normalised, repoRoot)
	if again == normalised {
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(normalised, again, false)
	return &errs.PatchRejected{
		Stage:  "round-trip",
		Detail: "normalise is not idempotent: " + dmp.DiffPrettyText(diffs),
	}
}
