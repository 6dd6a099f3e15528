package archive

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/tenzoki/agenorc/internal/errs"
)

// RunRootCadence schedules daily Merkle-root recomputation and
// publication through a.OnRoot. Mirrors ledger.RunRootCadence's use
// of robfig/cron rather than a hand-rolled ticker.
func (a *Archive) RunRootCadence(ctx context.Context, spec string) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		root, rootErr := a.MerkleRoot()
		if rootErr != nil {
			a.log.Warn().Err(rootErr).Msg("archive merkle root computation failed")
			return
		}
		if a.OnRoot != nil {
			a.OnRoot(root)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid archive root cadence %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return func() { c.Stop() }, nil
}

// VerifyLedger is the operator-facing check: recompute the archive's
// Merkle root and compare against an operator-supplied expected value,
// slashing agentID's stake on mismatch via slash, the same contract
// ledger.VerifyRoot exposes.
func (a *Archive) VerifyLedger(expected, agentID string, slash func(agent string, fraction float64)) error {
	actual, err := a.MerkleRoot()
	if err != nil {
		return err
	}
	if actual != expected {
		a.log.Warn().Str("agent", agentID).Str("expected", expected).Str("actual", actual).Msg("archive merkle root mismatch")
		if slash != nil {
			slash(agentID, 0.10)
		}
		return &errs.MerkleMismatch{Agent: agentID, Expected: expected, Actual: actual}
	}
	return nil
}
