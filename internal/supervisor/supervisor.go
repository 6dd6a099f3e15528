// Package supervisor implements the Supervisor (C5): liveness scanning,
// restart backoff, quarantine, the promotion gate, and the regression
// guard.
//
// The scan loop is modeled directly on
// original_source/.../core/orchestrator.py::monitor_agents: a 2s tick,
// the unresponsive check of runner.State.Unresponsive (error count at the
// threshold, or a heartbeat older than five periods; a Runner whose loop
// has ended is not by that fact unresponsive), and the same
// U(0.5,1.5)-scaled-by-2^(streak-BACKOFF_EXP_AFTER+1) backoff delay
// before calling restart. The quarantine swap follows
// original_source/.../backend/agents/health.py::handle_health_event:
// the registry lock is held only across the metadata read/write, with
// the stub incarnation built beforehand.
package supervisor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/envelope"
	"github.com/tenzoki/agenorc/internal/ledger"
	"github.com/tenzoki/agenorc/internal/registry"
	"github.com/tenzoki/agenorc/internal/runner"
	"github.com/tenzoki/agenorc/internal/stake"
)

// AlertFunc is invoked on every restart and regression-guard trip, the Go
// equivalent of the python original's alert_hook callback.
type AlertFunc func(message string)

// defaultQuarantineAfter is used when Config.QuarantineAfter is left at
// its zero value. It is deliberately independent of ErrThreshold:
// ErrThreshold gates the restart/unresponsive check, QuarantineAfter
// gates the separate consecutive-error quarantine check, and the two
// must be configurable apart from one another (scenario with
// ErrThreshold=1 still takes several restarts before quarantine).
const defaultQuarantineAfter = 3

// Config holds the Supervisor's tunables, sourced from the shared
// orchestrator Config.
type Config struct {
	ErrThreshold       int
	BackoffExpAfter    int
	QuarantineAfter    int
	PromotionThreshold float64
	ScanInterval       time.Duration
}

// pending tracks a Runner awaiting its first promotion check.
type pending struct {
	name string
	r    *runner.Runner
}

// Supervisor owns every Runner's lifecycle transitions.
type Supervisor struct {
	log zerolog.Logger
	cfg Config

	registry *registry.Registry
	stake    *stake.Registry
	ledger   *ledger.Ledger

	alert AlertFunc

	mu       sync.Mutex
	runners  map[string]*runner.Runner
	pendings []pending

	regression *regressionGuard
}

// New constructs a Supervisor.
func New(cfg Config, reg *registry.Registry, stk *stake.Registry, l *ledger.Ledger, alert AlertFunc, log zerolog.Logger) *Supervisor {
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = 2 * time.Second
	}
	if cfg.QuarantineAfter == 0 {
		cfg.QuarantineAfter = defaultQuarantineAfter
	}
	return &Supervisor{
		log:      log.With().Str("component", "supervisor").Logger(),
		cfg:      cfg,
		registry: reg,
		stake:    stk,
		ledger:   l,
		alert:    alert,
		runners:  make(map[string]*runner.Runner),
	}
}

// Submit registers name for supervision. If the Stake Registry does not
// yet accept "promote:"+name, the Runner is held pending and rechecked
// on every scan rather than started immediately.
func (s *Supervisor) Submit(name string, r *runner.Runner, ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promotionAccepted(name) {
		s.runners[name] = r
		r.Start(ctx)
		return
	}
	s.pendings = append(s.pendings, pending{name: name, r: r})
}

func (s *Supervisor) promotionAccepted(name string) bool {
	if s.stake == nil {
		return true
	}
	return s.stake.Accepted("promote:"+name, name)
}

// Run starts the liveness scan loop; it blocks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Supervisor) scan(ctx context.Context) {
	s.checkPendingPromotions(ctx)

	s.mu.Lock()
	runners := make(map[string]*runner.Runner, len(s.runners))
	for k, v := range s.runners {
		runners[k] = v
	}
	s.mu.Unlock()

	for name, r := range runners {
		snap := r.Snapshot()

		// Quarantine is checked ahead of, and independently from, the
		// restart/unresponsive check: it reads consecutive_errors, a
		// counter Restart never clears, so repeated failures across
		// restarts still accumulate toward it even once error_count
		// itself has been reset by a restart.
		if snap.ConsecutiveErrors >= s.cfg.QuarantineAfter {
			s.quarantine(name)
			continue
		}

		if !snap.Unresponsive(s.cfg.ErrThreshold) {
			continue
		}
		s.log.Warn().Str("agent", name).Msg("runner unresponsive, restarting")

		delay := backoffDelay(snap.RestartStreak, s.cfg.BackoffExpAfter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := r.Restart(); err != nil {
			s.log.Error().Err(err).Str("agent", name).Msg("restart failed")
			continue
		}
		r.Start(ctx)
		s.notifyRestart(name)
	}
}

func (s *Supervisor) checkPendingPromotions(ctx context.Context) {
	s.mu.Lock()
	var stillPending []pending
	var promoted []pending
	for _, p := range s.pendings {
		if s.promotionAccepted(p.name) {
			promoted = append(promoted, p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	s.pendings = stillPending
	for _, p := range promoted {
		s.runners[p.name] = p.r
	}
	s.mu.Unlock()

	for _, p := range promoted {
		p.r.Start(ctx)
	}
}

// backoffDelay computes D = U(0.5,1.5) seconds, scaled by
// 2^(streak-backoffExpAfter+1) once streak crosses backoffExpAfter.
func backoffDelay(restartStreak, backoffExpAfter int) time.Duration {
	d := 0.5 + rand.Float64()
	if restartStreak >= backoffExpAfter {
		d *= math.Pow(2, float64(restartStreak-backoffExpAfter+1))
	}
	return time.Duration(d * float64(time.Second))
}

// quarantine swaps the named agent's implementation for a neutral stub,
// following health.py's lock discipline: the Runner stays in s.runners
// and swaps its own incarnation for the stub (Runner.Quarantine), and the
// registry swap preserves name and capabilities with a "+stub" version
// suffix.
func (s *Supervisor) quarantine(name string) {
	s.mu.Lock()
	r, ok := s.runners[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.registry.Quarantine(name, stubConstructor); err != nil {
		s.log.Error().Err(err).Str("agent", name).Msg("quarantine failed")
		return
	}
	r.Quarantine(stubConstructor)
	s.log.Warn().Str("agent", name).Msg("agent quarantined")
	s.notifyAlert(name + " quarantined")
}

func stubConstructor() registry.Agent { return &StubAgent{} }

// StubAgent is the neutral no-op implementation a quarantined agent's
// Runner is swapped to. Its cycles always succeed and do nothing: a
// quarantined agent remains listed, but its cycles are no-ops until an
// operator intervenes.
type StubAgent struct{}

func (StubAgent) RunCycle() error             { return nil }
func (StubAgent) Handle(map[string]any) error { return nil }
func (StubAgent) Close() error                { return nil }

func (s *Supervisor) notifyRestart(name string) {
	s.log.Info().Str("agent", name).Msg("agent restarted")
	if s.alert != nil {
		s.alert(name + " restarted")
	}
	s.emitLifecycleEvent("restart", name)
}

func (s *Supervisor) notifyAlert(message string) {
	if s.alert != nil {
		s.alert(message)
	}
}

func (s *Supervisor) emitLifecycleEvent(kind, agent string) {
	if s.ledger == nil {
		return
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	env, err := envelope.New("supervisor", "orch.lifecycle", map[string]any{
		"type":  kind,
		"agent": agent,
	}, now)
	if err != nil {
		return
	}
	s.ledger.Append(env)
}

// VerifyLedger delegates Merkle audit to the Ledger, invoking slash via
// the Stake Registry on mismatch, matching the operator-facing
// verify_root(expected, agent_id) contract.
func (s *Supervisor) VerifyLedger(expected, agentID string) error {
	return s.ledger.VerifyRoot(expected, agentID, s.stake.Slash)
}
