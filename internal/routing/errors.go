// ABOUTME: Error taxonomy shared by presence, assignment and transfer operations
// ABOUTME: Sentinel errors checked with errors.Is plus a stable machine code for API responses

package routing

import (
	"errors"
	"fmt"
)

// Sentinel errors. Operations wrap these with context via fmt.Errorf("%w: ...").
var (
	// ErrValidation indicates malformed or missing identifiers.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the conversation or agent does not exist,
	// or the conversation is already unassigned.
	ErrNotFound = errors.New("not found")

	// ErrCapacityExceeded indicates the agent holds maxConcurrentChats conversations.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAgentUnavailable indicates the agent is offline, do-not-disturb or stale.
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrConcurrentModification indicates the caller lost the per-conversation serialization race.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrStaleSession indicates a heartbeat or close for an unknown or ended session.
	ErrStaleSession = errors.New("stale session")

	// ErrSessionAlreadyActive indicates the agent already has an open session.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrInvalidTransition indicates a transition missing from the transfer state table.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPolicyDenied indicates the assignment policy refused an operator action.
	ErrPolicyDenied = errors.New("policy denied")
)

// ErrAgentNotFound and ErrConversationNotFound narrow ErrNotFound.
var (
	ErrAgentNotFound        = fmt.Errorf("agent %w", ErrNotFound)
	ErrConversationNotFound = fmt.Errorf("conversation %w", ErrNotFound)
)

// Machine codes returned by Code.
const (
	CodeValidation             = "validation_error"
	CodeInvalidTransition      = "invalid_transition"
	CodeNotFound               = "not_found"
	CodeCapacityExceeded       = "capacity_exceeded"
	CodeAgentUnavailable       = "agent_unavailable"
	CodeConcurrentModification = "concurrent_modification"
	CodeStaleSession           = "stale_session"
	CodeSessionAlreadyActive   = "session_already_active"
	CodePolicyDenied           = "policy_denied"
	CodeInternal               = "internal_error"
)

// Code maps an error onto a stable machine-readable code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrCapacityExceeded):
		return CodeCapacityExceeded
	case errors.Is(err, ErrAgentUnavailable):
		return CodeAgentUnavailable
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, ErrStaleSession):
		return CodeStaleSession
	case errors.Is(err, ErrSessionAlreadyActive):
		return CodeSessionAlreadyActive
	case errors.Is(err, ErrPolicyDenied):
		return CodePolicyDenied
	default:
		return CodeInternal
	}
}

// Validation builds an ErrValidation with a formatted message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
