package supervisor_test

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/ledger"
	"github.com/tenzoki/agenorc/internal/registry"
	"github.com/tenzoki/agenorc/internal/runner"
	"github.com/tenzoki/agenorc/internal/stake"
	"github.com/tenzoki/agenorc/internal/supervisor"
)

type countingAgent struct {
	mu    sync.Mutex
	n     int
	fails bool
}

func (a *countingAgent) RunCycle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	if a.fails {
		return errBoom
	}
	return nil
}
func (a *countingAgent) Handle(map[string]any) error { return nil }
func (a *countingAgent) Close() error                { return nil }

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("boom")

func openTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ledger")
	l, err := ledger.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSubmit_heldPendingUntilPromotionAccepted(t *testing.T) {
	l := openTestLedger(t)
	reg := registry.New()
	stk := stake.New()
	stk.SetThreshold("promote:agent-a", 5.0)
	stk.Set("agent-a", 1.0)

	sup := supervisor.New(supervisor.Config{ErrThreshold: 3, BackoffExpAfter: 3}, reg, stk, l, nil, zerolog.Nop())

	agent := &countingAgent{}
	r := runner.New("agent-a", func() registry.Agent { return agent }, 0.05, nil, l, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Submit("agent-a", r, ctx)

	time.Sleep(50 * time.Millisecond)
	agent.mu.Lock()
	n := agent.n
	agent.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected runner held pending (no cycles), got %d cycles", n)
	}
}

func TestSubmit_startsImmediatelyWhenPromotionAccepted(t *testing.T) {
	l := openTestLedger(t)
	reg := registry.New()
	stk := stake.New()

	sup := supervisor.New(supervisor.Config{ErrThreshold: 3, BackoffExpAfter: 3}, reg, stk, l, nil, zerolog.Nop())

	agent := &countingAgent{}
	r := runner.New("agent-a", func() registry.Agent { return agent }, 0.01, nil, l, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Submit("agent-a", r, ctx)

	time.Sleep(50 * time.Millisecond)
	agent.mu.Lock()
	n := agent.n
	agent.mu.Unlock()
	if n == 0 {
		t.Fatal("expected runner to have executed at least one cycle")
	}
}

// TestScan_restartsTwiceWithBackoffUnderErrThresholdOne drives the real
// Supervisor.scan path (via Run) rather than unit-testing Runner or
// Registry in isolation: with ErrThreshold=1, every failing cycle makes
// the runner unresponsive, so the scan loop restarts it on every pass
// until quarantine's separate, much higher threshold is reached.
// Restart delays grow across the streak per the randomised-plus-
// exponential backoff formula.
func TestScan_restartsTwiceWithBackoffUnderErrThresholdOne(t *testing.T) {
	l := openTestLedger(t)
	reg := registry.New()
	stk := stake.New()

	var mu sync.Mutex
	var restartTimes []time.Time
	alert := func(message string) {
		if strings.Contains(message, "restarted") {
			mu.Lock()
			restartTimes = append(restartTimes, time.Now())
			mu.Unlock()
		}
	}

	sup := supervisor.New(supervisor.Config{
		ErrThreshold:    1,
		BackoffExpAfter: 1,
		QuarantineAfter: 1000,
		ScanInterval:    10 * time.Millisecond,
	}, reg, stk, l, alert, zerolog.Nop())

	agent := &countingAgent{fails: true}
	r := runner.New("agent-fail", func() registry.Agent { return agent }, 0.01, nil, l, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	sup.Submit("agent-fail", r, ctx)
	go sup.Run(ctx)

	deadline := time.After(6 * time.Second)
waitLoop:
	for {
		mu.Lock()
		n := len(restartTimes)
		mu.Unlock()
		if n >= 2 {
			break waitLoop
		}
		select {
		case <-deadline:
			t.Fatalf("expected 2 restarts within deadline, got %d", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	d1 := restartTimes[0].Sub(start)
	d2 := restartTimes[1].Sub(restartTimes[0])
	mu.Unlock()

	if d1 < 300*time.Millisecond || d1 > 1800*time.Millisecond {
		t.Fatalf("expected first restart delay roughly in [0.5s,1.5s], got %v", d1)
	}
	if d2 < 800*time.Millisecond || d2 > 3300*time.Millisecond {
		t.Fatalf("expected second restart delay roughly in [1.0s,3.0s] (streak 1 -> 2x), got %v", d2)
	}

	snap := r.Snapshot()
	if snap.RestartCount != 2 {
		t.Fatalf("expected exactly 2 restarts, got %d", snap.RestartCount)
	}
}

// TestScan_quarantinesAfterConfiguredConsecutiveErrors drives the same
// real scan path with ErrThreshold set high enough that the
// restart/unresponsive branch never fires (the agent never beats, so
// Unresponsive only trips on error_count, which stays below threshold).
// Quarantine must still trigger once consecutive_errors reaches
// QuarantineAfter, proving the two thresholds are independent knobs.
func TestScan_quarantinesAfterConfiguredConsecutiveErrors(t *testing.T) {
	l := openTestLedger(t)
	reg := registry.New()
	stk := stake.New()

	meta := &registry.AgentMetadata{
		Name:         "agent-fail",
		Construct:    func() registry.Agent { return &countingAgent{fails: true} },
		Version:      "1.0.0",
		Capabilities: map[string]struct{}{"worker": {}},
	}
	if err := reg.Register(meta, false); err != nil {
		t.Fatalf("register: %v", err)
	}

	sup := supervisor.New(supervisor.Config{
		ErrThreshold:    100,
		BackoffExpAfter: 3,
		QuarantineAfter: 3,
		ScanInterval:    10 * time.Millisecond,
	}, reg, stk, l, nil, zerolog.Nop())

	agent := &countingAgent{fails: true}
	r := runner.New("agent-fail", func() registry.Agent { return agent }, 0.01, nil, l, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Submit("agent-fail", r, ctx)
	go sup.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		m, ok := reg.Get("agent-fail")
		if ok && strings.HasSuffix(m.Version, "+stub") {
			if _, has := m.Capabilities["worker"]; !has {
				t.Fatal("expected capabilities to be preserved through quarantine")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected agent to be quarantined within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestVerifyLedger_slashesOnMismatch(t *testing.T) {
	l := openTestLedger(t)
	l.Append(map[string]any{"n": 1})
	reg := registry.New()
	stk := stake.New()

	sup := supervisor.New(supervisor.Config{ErrThreshold: 3, BackoffExpAfter: 3}, reg, stk, l, nil, zerolog.Nop())

	before := stk.Stake("agent-a")
	if err := sup.VerifyLedger("bogus", "agent-a"); err == nil {
		t.Fatal("expected mismatch error")
	}
	after := stk.Stake("agent-a")
	if after >= before {
		t.Fatalf("expected stake to be slashed, before=%v after=%v", before, after)
	}
}
