// Package errs defines the typed error taxonomy shared by the orchestration
// core. Components return these so callers can branch with errors.As/errors.Is
// instead of matching on message strings.
package errs

import "fmt"

// InvalidPayload is returned when an envelope payload is not JSON-representable
// or exceeds the configured size cap.
type InvalidPayload struct {
	Reason string
}

func (e *InvalidPayload) Error() string { return "invalid payload: " + e.Reason }

// HandlerFailure wraps a panic or error raised inside a bus subscriber.
type HandlerFailure struct {
	Topic string
	Err   error
}

func (e *HandlerFailure) Error() string {
	return fmt.Sprintf("handler failure on topic %q: %v", e.Topic, e.Err)
}
func (e *HandlerFailure) Unwrap() error { return e.Err }

// CycleFailure wraps an error raised from an agent's run_cycle.
type CycleFailure struct {
	Agent string
	Err   error
}

func (e *CycleFailure) Error() string {
	return fmt.Sprintf("cycle failure in agent %q: %v", e.Agent, e.Err)
}
func (e *CycleFailure) Unwrap() error { return e.Err }

// LedgerUnavailable is process-fatal: the ledger could not append after
// local retries.
type LedgerUnavailable struct {
	Err error
}

func (e *LedgerUnavailable) Error() string { return fmt.Sprintf("ledger unavailable: %v", e.Err) }
func (e *LedgerUnavailable) Unwrap() error  { return e.Err }

// PluginRejected is returned when a signed plugin fails signature or digest
// verification and is refused admission to the registry.
type PluginRejected struct {
	Archive string
	Reason  string
}

func (e *PluginRejected) Error() string {
	return fmt.Sprintf("plugin %q rejected: %s", e.Archive, e.Reason)
}

// PatchRejected carries the pipeline stage that failed and a short detail.
type PatchRejected struct {
	Stage  string
	Detail string
}

func (e *PatchRejected) Error() string {
	return fmt.Sprintf("patch rejected at stage %q: %s", e.Stage, e.Detail)
}

// PreflightTimeout is a PatchRejected specialization: the preflight command
// exceeded its wall-clock budget.
func PreflightTimeout(detail string) *PatchRejected {
	return &PatchRejected{Stage: "preflight", Detail: "timed out: " + detail}
}

// MerkleMismatch is returned by Ledger/Archive verification when a
// recomputed root disagrees with the expected value supplied by a caller.
type MerkleMismatch struct {
	Agent    string
	Expected string
	Actual   string
}

func (e *MerkleMismatch) Error() string {
	return fmt.Sprintf("merkle root mismatch reported by %q: expected %s got %s", e.Agent, e.Expected, e.Actual)
}
