package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Action is one named lifecycle operation bound to a single cloud resource
// type. Implementations live under pkg/actions and follow the two-phase
// protocol: Execute issues the mutating provider call without waiting for
// completion, IsCompleted is polled at an external cadence with the payload
// Execute returned.
type Action interface {
	// Describe returns the action's static metadata.
	Describe() Descriptor

	// Execute initiates the operation and returns everything needed to
	// check on it later. It must never block for provider-side completion.
	// The returned payload must survive a byte-faithful round trip through
	// external storage and back into IsCompleted, possibly in a different
	// process.
	Execute(ctx context.Context) (json.RawMessage, error)

	// IsCompleted reports whether the operation started by Execute has
	// reached a terminal state. It returns (nil, nil) while the operation
	// is still pending, (*Result, nil) once terminal success and
	// finalization side effects (tagging, permission grants) are done, and
	// a classified error on terminal failure after best-effort cleanup.
	// It is safe to call any number of times on the same payload and never
	// re-issues the mutating call it is polling for.
	IsCompleted(ctx context.Context, intermediate json.RawMessage) (*Result, error)
}

// Descriptor is the static metadata of an action kind.
type Descriptor struct {
	// Name identifies the action (e.g. "ec2-terminate-instance").
	Name string

	// Service is the provider service the action operates on.
	Service string

	// Description is a short human-readable summary.
	Description string

	// CompletionTimeout bounds how long IsCompleted may keep reporting
	// pending before the run is abandoned as timed out. It is also the
	// staleness horizon for idempotency markers.
	CompletionTimeout time.Duration

	// MinInterval is the smallest sensible polling interval.
	MinInterval time.Duration

	// Permissions lists the provider permissions the action needs,
	// for operator documentation and policy generation.
	Permissions []string
}

var newValidator = sync.OnceValue(func() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
})

// ValidateParams runs one schema-validation pass over an action's parameter
// struct using its validate tags (required, min, max, dive, ...). Mutual
// exclusivity between fields cannot be expressed as a tag and stays an
// explicit check in the action constructor. Any violation is a
// configuration error, rejected before side effects.
func ValidateParams(params any) error {
	if err := newValidator().Struct(params); err != nil {
		return NewConfigError("invalid action parameters", err).WithCode(ErrCodeValidation)
	}
	return nil
}

// MarshalIntermediate encodes an action's intermediate state struct.
// Actions use it from Execute so every payload is produced the same way.
func MarshalIntermediate(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode intermediate state: %w", err)
	}
	return b, nil
}

// UnmarshalIntermediate decodes a payload previously produced by
// MarshalIntermediate. A payload that does not decode is a configuration
// error: it means the durable-state collaborator did not round-trip the
// bytes faithfully.
func UnmarshalIntermediate(data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return NewConfigError("decode intermediate state", err).WithCode(ErrCodeValidation)
	}
	return nil
}
