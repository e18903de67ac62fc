// ABOUTME: Read-only display status derived from a conversation's assignment state
// ABOUTME: Never stored; any disagreement with the underlying fields is reported as a defect

package projection

import (
	"fmt"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// Status is what the admin console shows for a conversation.
type Status string

const (
	StatusActive            Status = "Active"
	StatusTransferRequested Status = "Transfer Requested"
	StatusAssigned          Status = "Assigned"
)

// Project derives the display status. A pending transfer shows as Transfer
// Requested even when an agent still owns the conversation.
func Project(c *store.Conversation) Status {
	switch c.State {
	case store.ConversationPendingTransfer:
		return StatusTransferRequested
	case store.ConversationAssigned:
		return StatusAssigned
	default:
		return StatusActive
	}
}

// View is the projected conversation handed to consumers.
type View struct {
	ID                  string                  `json:"id"`
	TenantID            string                  `json:"tenantId"`
	Status              Status                  `json:"status"`
	State               store.ConversationState `json:"state"`
	AssignedAgentID     string                  `json:"assignedAgentId,omitempty"`
	IsTransferRequested bool                    `json:"isTransferRequested"`
	TransferReason      store.TransferReason    `json:"transferReason,omitempty"`
	Priority            store.TransferPriority  `json:"priority"`
	Department          string                  `json:"department,omitempty"`
	TransferredAt       *time.Time              `json:"transferredAt,omitempty"`
	TransferCompletedAt *time.Time              `json:"transferCompletedAt,omitempty"`
	TransferSummary     string                  `json:"transferSummary,omitempty"`
	Version             int64                   `json:"version"`
	UpdatedAt           time.Time               `json:"updatedAt"`
}

// NewView projects c.
func NewView(c *store.Conversation) View {
	return View{
		ID:                  c.ID,
		TenantID:            c.TenantID,
		Status:              Project(c),
		State:               c.State,
		AssignedAgentID:     c.AssignedAgentID,
		IsTransferRequested: c.IsTransferRequested,
		TransferReason:      c.TransferReason,
		Priority:            c.Priority,
		Department:          c.Department,
		TransferredAt:       c.TransferredAt,
		TransferCompletedAt: c.TransferCompletedAt,
		TransferSummary:     c.TransferSummary,
		Version:             c.Version,
		UpdatedAt:           c.UpdatedAt,
	}
}

// Check reports whether the loose fields agree with the explicit state.
func Check(c *store.Conversation) error {
	switch c.State {
	case store.ConversationUnassigned, store.ConversationReleased:
		if c.AssignedAgentID != "" {
			return fmt.Errorf("conversation %s is %s but assigned to %s", c.ID, c.State, c.AssignedAgentID)
		}
		if c.IsTransferRequested {
			return fmt.Errorf("conversation %s is %s with a transfer requested", c.ID, c.State)
		}
	case store.ConversationPendingTransfer:
		if !c.IsTransferRequested {
			return fmt.Errorf("conversation %s is pending without a transfer request", c.ID)
		}
	case store.ConversationAssigned:
		if c.AssignedAgentID == "" {
			return fmt.Errorf("conversation %s is assigned to nobody", c.ID)
		}
		if c.IsTransferRequested {
			return fmt.Errorf("conversation %s is assigned with a transfer requested", c.ID)
		}
	default:
		return fmt.Errorf("conversation %s has unknown state %q", c.ID, c.State)
	}
	return nil
}
