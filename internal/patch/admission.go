package patch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/errs"
	"github.com/tenzoki/agenorc/internal/ledger"
)

// Admitted is returned on a successful admission: the content hash the
// patch is archived under, and the new parent reference for the next
// patch in the lineage.
type Admitted struct {
	Hash      string
	NewParent string
}

// Recorder is the subset of Archive the admission pipeline writes
// through on success — kept as an interface so this package does not
// import badger directly.
type Recorder interface {
	Add(payload map[string]any, score float64) (string, error)
}

// Admission runs the five-stage pipeline: normalise, safety scan,
// preflight, round-trip, record. File changes happen only inside a
// disposable scratch clone; no workspace is written or committed to.
type Admission struct {
	log zerolog.Logger

	AllowGlobs         []string
	PreflightCommands  []string
	PreflightTimeout   time.Duration

	Archive Recorder
	Ledger  *ledger.Ledger
}

// NewAdmission constructs an Admission pipeline.
func NewAdmission(allowGlobs, preflightCommands []string, preflightTimeout time.Duration, archive Recorder, l *ledger.Ledger, log zerolog.Logger) *Admission {
	return &Admission{
		log:               log.With().Str("component", "patch-admission").Logger(),
		AllowGlobs:        allowGlobs,
		PreflightCommands: preflightCommands,
		PreflightTimeout:  preflightTimeout,
		Archive:           archive,
		Ledger:            l,
	}
}

// Admit runs diff (against parent, a hash of the parent state or prior
// patch) through the full pipeline, cloning repoURL to a scratch
// directory for preflight. All work happens in that disposable clone,
// which is removed when Admit returns; an admitted patch is recorded in
// the Archive and the Ledger only, and nothing is committed back to
// repoURL or to any workspace.
func (a *Admission) Admit(ctx context.Context, repoURL, parent, diff string) (*Admitted, error) {
	scratchDir, err := Clone(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratchDir)

	normalised := Normalise(diff, scratchDir)

	if err := SafetyScan(normalised, a.AllowGlobs); err != nil {
		return nil, a.reject(err)
	}

	if err := RunPreflight(ctx, scratchDir, normalised, a.AllowGlobs, a.PreflightCommands, a.PreflightTimeout); err != nil {
		return nil, a.reject(err)
	}

	if err := RoundTrip(normalised, scratchDir); err != nil {
		return nil, a.reject(err)
	}

	hash := hashDiff(normalised)
	id, err := a.Archive.Add(map[string]any{
		"diff":   normalised,
		"parent": parent,
		"hash":   hash,
	}, 0)
	if err != nil {
		return nil, err
	}

	if a.Ledger != nil {
		if _, err := a.Ledger.Append(map[string]any{
			"type":   "patch.admitted",
			"hash":   hash,
			"parent": parent,
		}); err != nil {
			return nil, err
		}
	}

	return &Admitted{Hash: hash, NewParent: id}, nil
}

// reject logs a pipeline failure and, if a Ledger is configured, records a
// patch.rejected event carrying the failing stage and detail before
// returning err unchanged. Archive state is left untouched: a rejected
// patch never reaches the Add call.
func (a *Admission) reject(err error) error {
	stage, detail := "unknown", err.Error()
	var rejected *errs.PatchRejected
	if errors.As(err, &rejected) {
		stage = rejected.Stage
		detail = rejected.Detail
	}
	a.log.Warn().Err(err).Str("stage", stage).Msg("patch rejected")

	if a.Ledger != nil {
		if _, appendErr := a.Ledger.Append(map[string]any{
			"type":   "patch.rejected",
			"stage":  stage,
			"detail": detail,
		}); appendErr != nil {
			a.log.Error().Err(appendErr).Msg("ledger append failed for patch rejection")
		}
	}
	return err
}

func hashDiff(normalised string) string {
	sum := sha256.Sum256([]byte(normalised))
	return hex.EncodeToString(sum[:])
}
