// ABOUTME: Tests for the transition table and how missing transitions are classified
// ABOUTME: Every state and event pair is checked against the expected error kind

package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		from store.ConversationState
		ev   Event
		to   store.ConversationState
		want error
	}{
		{unassigned, EventRequest, pending, nil},
		{unassigned, EventAssign, assigned, nil},
		{released, EventAssign, assigned, nil},
		{pending, EventAssign, assigned, nil},
		{pending, EventCancel, unassigned, nil},
		{pending, EventReject, assigned, nil},
		{assigned, EventRequest, pending, nil},
		{assigned, EventComplete, released, nil},

		{assigned, EventAssign, assigned, routing.ErrConcurrentModification},
		{pending, EventRequest, pending, routing.ErrConcurrentModification},
		{unassigned, EventRelease, released, routing.ErrNotFound},
		{released, EventComplete, released, routing.ErrNotFound},
		{unassigned, EventCancel, unassigned, routing.ErrInvalidTransition},
		{assigned, EventReject, assigned, routing.ErrInvalidTransition},
		{pending, EventRelease, released, routing.ErrInvalidTransition},
		{unassigned, EventAssign, released, routing.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			err := checkTransition(tt.from, tt.ev, tt.to)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAllowed(t *testing.T) {
	assert.True(t, allowed(pending, EventAssign))
	assert.False(t, allowed(assigned, EventAssign))
	assert.False(t, allowed("Archived", EventRequest))
}
