// Package registry implements the Registry (C3): the single-lock store of
// AgentMetadata and its derived CapabilityGraph, plus the three
// registration paths an agent can arrive through: built-in, hot-directory
// rescan, and signed plugin.
//
// The registry lock discipline follows
// original_source/.../backend/agents/health.py::handle_health_event: every
// mutation — register, quarantine swap, capability rebuild — happens while
// the lock is held, and a stub replacement is constructed *outside* the
// lock before being installed with overwrite=true, so a slow constructor
// never blocks readers.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Constructor builds a fresh incarnation of an agent. Stored alongside
// AgentMetadata instead of an inheritance hierarchy: every agent
// collapses to the same capability-set shape regardless of kind.
type Constructor func() Agent

// Agent is the single capability set every registered agent satisfies.
type Agent interface {
	RunCycle() error
	Handle(payload map[string]any) error
	Close() error
}

// AgentMetadata describes one registered agent.
type AgentMetadata struct {
	Name            string
	Construct       Constructor
	Version         string
	Capabilities    map[string]struct{}
	ComplianceTags  map[string]struct{}
	ErrCount        int
	RequiresAPIKey  bool
	RegisteredAt    time.Time
}

// FailedImport records a registration attempt that was refused, along with
// the reason, for list_agents(detail) reporting.
type FailedImport struct {
	Name   string
	Reason string
	At     time.Time
}

// Registry is the lock-guarded store of AgentMetadata and its derived
// capability index.
type Registry struct {
	mu sync.Mutex

	agents       map[string]*AgentMetadata
	capabilities map[string]map[string]struct{} // capability -> set of agent names
	failed       []FailedImport
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		agents:       make(map[string]*AgentMetadata),
		capabilities: make(map[string]map[string]struct{}),
	}
}

// Register inserts meta. With overwrite=false, a name collision is
// rejected; with overwrite=true the prior incarnation's implementation is
// replaced in place, preserving name and capabilities.
func (r *Registry) Register(meta *AgentMetadata, overwrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, exists := r.agents[meta.Name]; exists {
		if !overwrite {
			return fmt.Errorf("agent %q already registered", meta.Name)
		}
		meta.Capabilities = prior.Capabilities
	}
	if meta.RegisteredAt.IsZero() {
		meta.RegisteredAt = time.Now()
	}
	r.agents[meta.Name] = meta
	r.rebuildCapabilityIndexLocked()
	return nil
}

// RecordFailedImport appends a failed registration attempt, surfaced later
// through ListAgents(detail=true).
func (r *Registry) RecordFailedImport(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, FailedImport{Name: name, Reason: reason, At: time.Now()})
}

// Get returns a copy of the metadata registered under name.
func (r *Registry) Get(name string) (AgentMetadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agents[name]
	if !ok {
		return AgentMetadata{}, false
	}
	return *m, true
}

// IncrementErrCount bumps the error count for name and returns the new
// value, atomically with respect to other registry mutations (the
// read-modify-write happens under one lock acquisition). The Supervisor's
// quarantine decision does not read this count; it uses the Runner's
// consecutive-error counter.
func (r *Registry) IncrementErrCount(name string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agents[name]
	if !ok {
		return 0, false
	}
	m.ErrCount++
	return m.ErrCount, true
}

// ResetErrCount zeroes the error count for name.
func (r *Registry) ResetErrCount(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.agents[name]; ok {
		m.ErrCount = 0
	}
}

// Quarantine swaps the named agent's implementation for a stub
// constructor, suffixing its version with "+stub" while preserving name
// and capabilities. The stub constructor must be built by the
// caller *before* calling Quarantine — the lock here only covers the
// metadata swap, matching health.py's "stub built outside lock,
// _register(stub, overwrite=True) after" sequencing.
func (r *Registry) Quarantine(name string, stub Constructor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent %q not registered", name)
	}
	m.Construct = stub
	if len(m.Version) < 6 || m.Version[len(m.Version)-5:] != "+stub" {
		m.Version = m.Version + "+stub"
	}
	m.ErrCount = 0
	r.rebuildCapabilityIndexLocked()
	return nil
}

// Deregister removes name from the registry.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, name)
	r.rebuildCapabilityIndexLocked()
}

// rebuildCapabilityIndexLocked regenerates the capability -> agent-name
// index from current metadata. Called under r.mu on every registration,
// deregistration, and quarantine.
func (r *Registry) rebuildCapabilityIndexLocked() {
	index := make(map[string]map[string]struct{})
	for name, m := range r.agents {
		for cap := range m.Capabilities {
			if index[cap] == nil {
				index[cap] = make(map[string]struct{})
			}
			index[cap][name] = struct{}{}
		}
	}
	r.capabilities = index
}

// ByCapability returns the names of every agent registered with cap, an
// O(1) index lookup plus an O(k) copy over the matching set.
func (r *Registry) ByCapability(cap string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.capabilities[cap]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// ListResult is the detail-mode response for ListAgents.
type ListResult struct {
	Registered []AgentMetadata
	Failed     []FailedImport
}

// ListAgents returns every registered agent's metadata (detail=true also
// includes failed-import records).
func (r *Registry) ListAgents(detail bool) ListResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := ListResult{Registered: make([]AgentMetadata, 0, len(r.agents))}
	for _, m := range r.agents {
		out.Registered = append(out.Registered, *m)
	}
	if detail {
		out.Failed = append(out.Failed, r.failed...)
	}
	return out
}
