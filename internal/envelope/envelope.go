// Package envelope provides the universal message structure carried across
// the Bus and recorded by the Ledger.
//
// An Envelope is immutable once constructed: producers build one with New,
// hand it to the Bus, and never mutate it afterwards. Payloads are
// restricted to a closed JSON-representable value type (scalars, lists,
// maps) so every envelope can cross the wire form without a lossy
// conversion.
//
// Called by: Bus, Runner (heartbeats), Supervisor (lifecycle events).
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tenzoki/agenorc/internal/errs"
)

// MaxPayloadBytes is the default wire size cap.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Envelope is the universal message passed between agents over the Bus.
type Envelope struct {
	ID        string         `json:"id"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	Payload   map[string]any `json:"payload"`
	Timestamp float64        `json:"ts"`
}

// New constructs an Envelope, defaulting a missing sender/recipient to the
// empty string and a missing timestamp to 0.0 per the coercion rules. The
// recipient must be non-empty once defaults are applied by the caller; New
// itself does not enforce that invariant so a provisional envelope can be
// built before routing decisions are made — Validate is the enforcement
// point.
func New(sender, recipient string, payload map[string]any, ts float64) (*Envelope, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}

// Validate checks the invariants: recipient non-empty, payload within the
// JSON-representable/size closure.
func (e *Envelope) Validate() error {
	if e.Recipient == "" {
		return &errs.InvalidPayload{Reason: "recipient is required"}
	}
	return ValidatePayload(e.Payload)
}

// ValidatePayload recursively confirms v is built only from JSON scalars,
// []any, and map[string]any, then checks the serialized size cap. This is
// the enforcement point for "payload values that are not JSON
// scalars/lists/maps are rejected" and for the MaxPayloadBytes boundary.
func ValidatePayload(payload map[string]any) error {
	for k, v := range payload {
		if err := validateValue(v); err != nil {
			return &errs.InvalidPayload{Reason: fmt.Sprintf("key %q: %v", k, err)}
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &errs.InvalidPayload{Reason: err.Error()}
	}
	if len(data) > MaxPayloadBytes {
		return &errs.InvalidPayload{Reason: fmt.Sprintf("payload is %d bytes, exceeds cap of %d", len(data), MaxPayloadBytes)}
	}
	return nil
}

func validateValue(v any) error {
	switch t := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return nil
	case []any:
		for _, item := range t {
			if err := validateValue(item); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for k, item := range t {
			if err := validateValue(item); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not JSON scalar/list/map", v)
	}
}

// ToJSON serializes the envelope to its wire form.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an envelope from its wire form.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Clone returns a copy with its own top-level Payload map, so a subscriber
// that adds, replaces or deletes payload keys does not change another's
// view. Nested lists and maps inside the payload are shared, not copied.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		clone.Payload[k] = v
	}
	return &clone
}

// Size returns the approximate wire size in bytes.
func (e *Envelope) Size() int {
	data, err := e.ToJSON()
	if err != nil {
		return 0
	}
	return len(data)
}
