// ABOUTME: Tests for the conversation display projection
// ABOUTME: Every state maps to one status and inconsistent flag combinations are caught

package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/handoff-gateway/internal/store"
)

func TestProject(t *testing.T) {
	tests := []struct {
		name string
		conv store.Conversation
		want Status
	}{
		{"unassigned", store.Conversation{State: store.ConversationUnassigned}, StatusActive},
		{"released", store.Conversation{State: store.ConversationReleased}, StatusActive},
		{"pending from bot", store.Conversation{State: store.ConversationPendingTransfer, IsTransferRequested: true}, StatusTransferRequested},
		{"pending from agent", store.Conversation{State: store.ConversationPendingTransfer, IsTransferRequested: true, AssignedAgentID: "a"}, StatusTransferRequested},
		{"assigned", store.Conversation{State: store.ConversationAssigned, AssignedAgentID: "a"}, StatusAssigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Project(&tt.conv))
			assert.NoError(t, Check(&tt.conv))
		})
	}
}

func TestCheck_Inconsistent(t *testing.T) {
	bad := []store.Conversation{
		{ID: "1", State: store.ConversationUnassigned, AssignedAgentID: "a"},
		{ID: "2", State: store.ConversationUnassigned, IsTransferRequested: true},
		{ID: "3", State: store.ConversationPendingTransfer},
		{ID: "4", State: store.ConversationAssigned},
		{ID: "5", State: store.ConversationAssigned, AssignedAgentID: "a", IsTransferRequested: true},
		{ID: "6", State: "Limbo"},
	}
	for _, c := range bad {
		assert.Error(t, Check(&c), "conversation %s", c.ID)
	}
}

func TestNewView(t *testing.T) {
	c := &store.Conversation{
		ID: "c1", TenantID: "hotel-1", State: store.ConversationAssigned, AssignedAgentID: "b",
		Priority: store.PriorityHigh, Version: 4,
	}
	v := NewView(c)
	assert.Equal(t, StatusAssigned, v.Status)
	assert.Equal(t, "b", v.AssignedAgentID)
	assert.Equal(t, int64(4), v.Version)
}
