// ABOUTME: Explicit transition table for conversation ownership
// ABOUTME: Transitions missing from the table are rejected with a typed error, never inferred from flags

package transfer

import (
	"fmt"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// Event is an operation that moves a conversation between states.
type Event string

const (
	EventRequest  Event = "request_transfer"
	EventAssign   Event = "assign"
	EventCancel   Event = "cancel_transfer"
	EventReject   Event = "reject_transfer"
	EventRelease  Event = "release"
	EventComplete Event = "complete"
)

var (
	unassigned = store.ConversationUnassigned
	pending    = store.ConversationPendingTransfer
	assigned   = store.ConversationAssigned
	released   = store.ConversationReleased
)

// transitions lists every allowed (state, event) pair and the states it may lead to.
// Cancel and reject return to Assigned when an agent still owns the conversation.
var transitions = map[store.ConversationState]map[Event][]store.ConversationState{
	unassigned: {
		EventRequest: {pending},
		EventAssign:  {assigned},
	},
	released: {
		EventRequest: {pending},
		EventAssign:  {assigned},
	},
	pending: {
		EventAssign: {assigned},
		EventCancel: {assigned, unassigned},
		EventReject: {assigned, unassigned},
	},
	assigned: {
		EventRequest:  {pending},
		EventRelease:  {released},
		EventComplete: {released},
	},
}

// checkTransition returns nil if from --ev--> to is in the table.
// Otherwise it returns the error a caller should see for that combination.
func checkTransition(from store.ConversationState, ev Event, to store.ConversationState) error {
	for _, allowed := range transitions[from][ev] {
		if allowed == to {
			return nil
		}
	}
	return rejectTransition(from, ev)
}

// rejectTransition classifies a missing transition. Acting on a state another
// operator just produced is a lost race; releasing what nobody owns is NotFound.
func rejectTransition(from store.ConversationState, ev Event) error {
	switch {
	case ev == EventAssign && from == assigned:
		return fmt.Errorf("%w: conversation is already assigned", routing.ErrConcurrentModification)
	case ev == EventRequest && from == pending:
		return fmt.Errorf("%w: a transfer is already pending", routing.ErrConcurrentModification)
	case (ev == EventRelease || ev == EventComplete) && (from == unassigned || from == released):
		return fmt.Errorf("%w: conversation is already unassigned", routing.ErrConversationNotFound)
	default:
		return fmt.Errorf("%w: %s from %s", routing.ErrInvalidTransition, ev, from)
	}
}

// allowed reports whether ev has any transition out of from.
func allowed(from store.ConversationState, ev Event) bool {
	_, ok := transitions[from][ev]
	return ok
}
