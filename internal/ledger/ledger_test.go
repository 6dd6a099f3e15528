package ledger_test

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/ledger"
)

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ledger")
	l, err := ledger.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppend_assignsIncreasingSeq(t *testing.T) {
	l := openTestLedger(t)
	for i := 1; i <= 5; i++ {
		seq, err := l.Append(map[string]any{"i": i})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if int(seq) != i {
			t.Fatalf("expected seq %d, got %d", i, seq)
		}
	}
}

func TestHashChain_everyEntryValidatesAgainstPrev(t *testing.T) {
	l := openTestLedger(t)
	for i := 0; i < 10; i++ {
		if _, err := l.Append(map[string]any{"n": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	entries := l.Entries()
	var prev [32]byte
	for _, e := range entries {
		if e.HashPrev != prev {
			t.Fatalf("seq %d: hash_prev did not match previous hash_self", e.Seq)
		}
		prev = e.HashSelf
	}
}

func TestReopen_replaysAndContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.ledger")
	l1, err := ledger.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l1.Append(map[string]any{"n": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	l1.Close()

	l2, err := ledger.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()
	seq, err := l2.Append(map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq != 4 {
		t.Fatalf("expected seq 4 after reopen, got %d", seq)
	}
}

func TestVerifyRoot_mismatchSlashesAgent(t *testing.T) {
	l := openTestLedger(t)
	l.Append(map[string]any{"n": 1})

	var slashedAgent string
	var slashedFraction float64
	err := l.VerifyRoot("bogus-root", "agent-A", func(agent string, fraction float64) {
		slashedAgent = agent
		slashedFraction = fraction
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if slashedAgent != "agent-A" || slashedFraction != 0.10 {
		t.Fatalf("expected slash(agent-A, 0.10), got slash(%s, %v)", slashedAgent, slashedFraction)
	}
}

func TestVerifyRoot_matchDoesNotSlash(t *testing.T) {
	l := openTestLedger(t)
	l.Append(map[string]any{"n": 1})
	root := l.ComputeMerkleRoot()

	slashed := false
	err := l.VerifyRoot(root, "agent-A", func(agent string, fraction float64) { slashed = true })
	if err != nil {
		t.Fatalf("unexpected mismatch: %v", err)
	}
	if slashed {
		t.Fatal("should not slash on matching root")
	}
}
