package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/tenzoki/agenorc/internal/errs"
)

// ComputeMerkleRoot computes a binary Merkle root over the current
// hash_self values, in seq order. An odd node at any level is promoted by
// duplicating it, the conventional Bitcoin-style rule, which keeps the
// computation deterministic and total-order-sensitive (reordering entries
// changes the root).
func (l *Ledger) ComputeMerkleRoot() string {
	l.mu.Lock()
	leaves := make([][32]byte, len(l.entries))
	for i, e := range l.entries {
		leaves[i] = e.HashSelf
	}
	l.mu.Unlock()
	return hex.EncodeToString(merkleRoot(leaves)[:])
}

func merkleRoot(leaves [][32]byte) [32]byte {
	if len(leaves) == 0 {
		return sha256.Sum256(nil)
	}
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}
	return level[0]
}

func hashPair(a, b [32]byte) [32]byte {
	h := sha256.New()
	h.Write(a[:])
	h.Write(b[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyRoot recomputes the Merkle root and compares it against expected.
// On mismatch it invokes slash for agentID with a 0.10 fraction (spec
// section 4.1/8) and returns errs.MerkleMismatch; the caller (Supervisor)
// continues running regardless of the outcome — only LedgerUnavailable is
// process-fatal.
func (l *Ledger) VerifyRoot(expected, agentID string, slash func(agent string, fraction float64)) error {
	actual := l.ComputeMerkleRoot()
	if actual != expected {
		l.log.Warn().Str("agent", agentID).Str("expected", expected).Str("actual", actual).Msg("merkle root mismatch")
		if slash != nil {
			slash(agentID, 0.10)
		}
		return &errs.MerkleMismatch{Agent: agentID, Expected: expected, Actual: actual}
	}
	return nil
}

// RunRootCadence schedules periodic Merkle-root recomputation using a
// configuration-driven cron expression rather than a hand-rolled
// time.Ticker loop, grounded on how r3e-network-service_layer
// externalizes its scheduled jobs through robfig/cron. On every firing the
// new root is published through l.OnRoot, if set. Returns a stop function.
func (l *Ledger) RunRootCadence(ctx context.Context, spec string) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(spec, func() {
		root := l.ComputeMerkleRoot()
		if l.OnRoot != nil {
			l.OnRoot(root)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid merkle cadence %q: %w", spec, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return func() { c.Stop() }, nil
}
