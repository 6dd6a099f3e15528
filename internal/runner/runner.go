// Package runner implements the Runner (C4): the per-agent cycle driver.
// One Runner owns one agent incarnation; the Supervisor owns all Runner
// restarts/transitions, so no component holds a long-lived back-pointer
// into another — cross-component coordination happens by message
// passing, not shared references.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tenzoki/agenorc/internal/bus"
	"github.com/tenzoki/agenorc/internal/envelope"
	"github.com/tenzoki/agenorc/internal/errs"
	"github.com/tenzoki/agenorc/internal/ledger"
	"github.com/tenzoki/agenorc/internal/registry"
)

// CycleDuration observes run_cycle wall-clock time, labeled by agent name.
var CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "agenorc",
	Subsystem: "runner",
	Name:      "cycle_duration_seconds",
	Help:      "Wall-clock duration of an agent's run_cycle invocation.",
	Buckets:   prometheus.DefBuckets,
}, []string{"agent"})

// State is a point-in-time snapshot of a Runner's bookkeeping fields, read
// by the Supervisor's liveness scan under the Runner's own lock rather
// than the registry lock, since the Runner and the Registry guard
// different state.
type State struct {
	Name              string
	PeriodSeconds     float64
	LastBeat          time.Time
	ErrorCount        int
	ConsecutiveErrors int
	RestartCount      int
	RestartStreak     int
	PausedAt          *time.Time
	NextResumeTS      *time.Time
}

// Runner drives one agent's run_cycle loop.
type Runner struct {
	log zerolog.Logger

	name          string
	construct     registry.Constructor
	periodSeconds float64

	bus    *bus.Bus
	ledger *ledger.Ledger

	mu                sync.Mutex
	agent             registry.Agent
	lastBeat          time.Time
	errorCount        int
	consecutiveErrors int
	restartCount      int
	restartStreak     int
	pausedAt          *time.Time
	nextResumeTS      *time.Time

	cancel context.CancelFunc
}

// New constructs a Runner for name, built from construct, cycling every
// periodSeconds.
func New(name string, construct registry.Constructor, periodSeconds float64, b *bus.Bus, l *ledger.Ledger, log zerolog.Logger) *Runner {
	return &Runner{
		log:           log.With().Str("component", "runner").Str("agent", name).Logger(),
		name:          name,
		construct:     construct,
		periodSeconds: periodSeconds,
		agent:         construct(),
		bus:           b,
		ledger:        l,
	}
}

// Start launches the loop on its own goroutine and returns immediately.
// Call Stop to end the loop after the current cycle.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.loop(ctx)
}

// Stop cancels the running loop, if any.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) loop(ctx context.Context) {
	period := time.Duration(r.periodSeconds * float64(time.Second))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if r.isPaused() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(period):
			}
			continue
		}
		r.Step()
		select {
		case <-ctx.Done():
			return
		case <-time.After(period):
		}
	}
}

// Step runs exactly one cycle: run_cycle, heartbeat-on-success or
// error-count-increment-on-failure, cycle duration observation. Exposed
// directly so tests can drive single-step execution without a ticker.
//
// Two failure counters are kept because restart and quarantine are
// separate policies with separate lifetimes: errorCount drives the
// restart/unresponsive check and is cleared by Restart, so a freshly
// restarted incarnation gets a clean slate before the next restart can
// fire; consecutiveErrors drives the quarantine check and survives
// restarts, so repeated failures across restarts still accumulate
// toward quarantine. Both clear on a successful cycle.
func (r *Runner) Step() {
	t0 := time.Now()
	r.mu.Lock()
	agent := r.agent
	r.mu.Unlock()

	cycleErr := agent.RunCycle()

	r.mu.Lock()
	if cycleErr == nil {
		r.errorCount = 0
		r.consecutiveErrors = 0
		r.restartStreak = 0
		r.lastBeat = time.Now()
	} else {
		r.errorCount++
		r.consecutiveErrors++
	}
	r.mu.Unlock()

	CycleDuration.WithLabelValues(r.name).Observe(time.Since(t0).Seconds())

	if cycleErr != nil {
		wrapped := &errs.CycleFailure{Agent: r.name, Err: cycleErr}
		r.log.Warn().Err(wrapped).Msg("run_cycle failed")
		r.emitAlert(wrapped)
		return
	}
	r.emitHeartbeat()
}

func (r *Runner) emitHeartbeat() {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	env, err := envelope.New(r.name, "orch", map[string]any{"type": "heartbeat"}, now)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build heartbeat envelope")
		return
	}
	if _, err := r.ledger.Append(env); err != nil {
		r.log.Error().Err(err).Msg("ledger append failed for heartbeat")
	}
	if r.bus != nil {
		if err := r.bus.Publish(env); err != nil {
			r.log.Warn().Err(err).Msg("heartbeat publish failed")
		}
	}
}

func (r *Runner) emitAlert(cause error) {
	env, err := envelope.New(r.name, "orch.alert", map[string]any{
		"type":  "alert",
		"agent": r.name,
		"error": cause.Error(),
	}, float64(time.Now().UnixNano())/float64(time.Second))
	if err != nil {
		return
	}
	if r.bus != nil {
		r.bus.Publish(env)
	}
	r.ledger.Append(env)
}

// Restart stops the running loop, closes the current incarnation,
// constructs a fresh one from the stored constructor, and increments
// restart_count/restart_streak. It does not start the loop again; the
// caller does that with Start. It clears errorCount, the
// restart-triggering counter, but deliberately leaves consecutiveErrors
// untouched: a stub incarnation would otherwise never accumulate enough
// consecutive failures to reach quarantine, since every restart would
// reset the same counter the quarantine check reads.
func (r *Runner) Restart() error {
	r.Stop()

	r.mu.Lock()
	old := r.agent
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.log.Warn().Err(err).Msg("agent close failed during restart")
		}
	}

	fresh := r.construct()

	r.mu.Lock()
	r.agent = fresh
	r.restartCount++
	r.restartStreak++
	r.errorCount = 0
	r.mu.Unlock()

	return nil
}

// Quarantine closes the current agent incarnation and replaces both the
// live agent and the stored constructor with stub, so every subsequent
// cycle through the already-running loop becomes a no-op rather than the
// loop being torn down: a quarantined agent remains listed, but its
// cycles are no-ops until an operator intervenes. Unlike Restart, this
// does not touch restart_count/restart_streak.
func (r *Runner) Quarantine(stub registry.Constructor) {
	r.mu.Lock()
	old := r.agent
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	fresh := stub()
	r.mu.Lock()
	r.construct = stub
	r.agent = fresh
	r.errorCount = 0
	r.consecutiveErrors = 0
	r.mu.Unlock()
}

// Pause marks the Runner paused, recording pausedAt, for the Supervisor's
// regression guard.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pausedAt == nil {
		now := time.Now()
		r.pausedAt = &now
	}
}

// Resume clears pausedAt and nextResumeTS, allowing the loop to resume
// stepping.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pausedAt = nil
	r.nextResumeTS = nil
}

// ScheduleResume records the timestamp at which the regression guard
// should re-check for resume eligibility.
func (r *Runner) ScheduleResume(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextResumeTS = &at
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pausedAt != nil
}

// Snapshot returns a point-in-time copy of the Runner's bookkeeping
// state for the Supervisor's liveness scan.
func (r *Runner) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Name:              r.name,
		PeriodSeconds:     r.periodSeconds,
		LastBeat:          r.lastBeat,
		ErrorCount:        r.errorCount,
		ConsecutiveErrors: r.consecutiveErrors,
		RestartCount:      r.restartCount,
		RestartStreak:     r.restartStreak,
		PausedAt:          r.pausedAt,
		NextResumeTS:      r.nextResumeTS,
	}
}

// Unresponsive reports whether this Runner meets the liveness criteria:
// error_count >= errThreshold, or the last heartbeat is older than 5x
// period. A Runner that has never completed a cycle
// (LastBeat zero) is not considered unresponsive purely for that reason —
// it may still be starting up; the zero-value guard avoids false restarts
// at bootstrap.
func (s State) Unresponsive(errThreshold int) bool {
	if s.ErrorCount >= errThreshold {
		return true
	}
	if s.LastBeat.IsZero() {
		return false
	}
	return time.Since(s.LastBeat) > 5*time.Duration(s.PeriodSeconds*float64(time.Second))
}
