// Package stake implements the per-agent stake ledger that gates
// promotion and records slashes.
package stake

import "sync"

// minStake is the saturating floor burn() leaves an agent at, so a
// slashed-to-zero agent can still be revived manually by an operator
// rather than being permanently locked out.
const minStake = 0.01

// Registry holds stake[agent] and threshold[proposal].
type Registry struct {
	mu         sync.Mutex
	stake      map[string]float64
	thresholds map[string]float64
}

// New creates an empty stake registry. Agents default to a stake of 1.0 the
// first time they are referenced by Stake, Burn, or Accepted with named
// approvers.
func New() *Registry {
	return &Registry{
		stake:      make(map[string]float64),
		thresholds: make(map[string]float64),
	}
}

// Stake returns the current stake for agent, defaulting to 1.0 if unseen.
func (r *Registry) Stake(agent string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stakeLocked(agent)
}

func (r *Registry) stakeLocked(agent string) float64 {
	if v, ok := r.stake[agent]; ok {
		return v
	}
	r.stake[agent] = 1.0
	return 1.0
}

// Burn multiplies an agent's stake by (1 - fraction), saturating at
// minStake.
func (r *Registry) Burn(agent string, fraction float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.stakeLocked(agent)
	next := cur * (1 - fraction)
	if next < minStake {
		next = minStake
	}
	r.stake[agent] = next
	return next
}

// Slash is an alias for Burn kept for call sites that match the
// operator-facing vocabulary ("slash(agent_id, 0.10)").
func (r *Registry) Slash(agent string, fraction float64) { r.Burn(agent, fraction) }

// SetThreshold sets the accept-fraction required for a proposal to be
// accepted. Promotion proposals default to 0 (auto-admit) unless set here.
func (r *Registry) SetThreshold(proposal string, fraction float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds[proposal] = fraction
}

// Threshold returns the configured threshold for proposal, defaulting to 0.
func (r *Registry) Threshold(proposal string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.thresholds[proposal]
}

// Accepted reports whether the approving stake for proposal, restricted to
// the agents in approvers, meets the proposal's threshold. When approvers
// is empty, the stakes of every agent recorded so far (defaulted ones
// included) are summed. A single-agent promotion proposal
// ("promote:"+name) is checked with the named agent as its only
// approver, so that agent's own stake is its approving weight.
func (r *Registry) Accepted(proposal string, approvers ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	threshold := r.thresholds[proposal]
	var total float64
	if len(approvers) == 0 {
		for _, v := range r.stake {
			total += v
		}
	} else {
		for _, a := range approvers {
			total += r.stakeLocked(a)
		}
	}
	return total >= threshold
}

// Set directly assigns an agent's stake, used by operator tooling and tests
// to move an agent past a promotion threshold without going through Burn.
func (r *Registry) Set(agent string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stake[agent] = value
}
