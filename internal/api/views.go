// ABOUTME: JSON views of store entities returned by the admin API
// ABOUTME: Transfer summaries are rendered from markdown to HTML for the console

package api

import (
	"bytes"
	"time"

	"github.com/yuin/goldmark"

	"github.com/2389/handoff-gateway/internal/projection"
	"github.com/2389/handoff-gateway/internal/store"
)

type agentView struct {
	ID                  string           `json:"id"`
	TenantID            string           `json:"tenantId"`
	Name                string           `json:"name"`
	Email               string           `json:"email,omitempty"`
	Department          string           `json:"department"`
	Skills              []string         `json:"skills"`
	State               store.AgentState `json:"state"`
	StoredState         store.AgentState `json:"storedState"`
	IsLive              bool             `json:"isLive"`
	SessionID           string           `json:"sessionId,omitempty"`
	LastHeartbeat       *time.Time       `json:"lastHeartbeat,omitempty"`
	StatusMessage       string           `json:"statusMessage,omitempty"`
	MaxConcurrentChats  int              `json:"maxConcurrentChats"`
	ActiveConversations int              `json:"activeConversations"`
}

type conversationView struct {
	projection.View
	RequiredSkills []string `json:"requiredSkills,omitempty"`
	SummaryHTML    string   `json:"transferSummaryHtml,omitempty"`
}

type transferView struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversationId"`
	FromAgentID    string                 `json:"fromAgentId,omitempty"`
	ToAgentID      string                 `json:"toAgentId,omitempty"`
	Reason         store.TransferReason   `json:"reason"`
	Priority       store.TransferPriority `json:"priority"`
	Status         store.TransferStatus   `json:"status"`
	Department     string                 `json:"department,omitempty"`
	RequestedBy    string                 `json:"requestedBy,omitempty"`
	TransferredAt  time.Time              `json:"transferredAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	ReleasedAt     *time.Time             `json:"releasedAt,omitempty"`
	ReleaseReason  string                 `json:"releaseReason,omitempty"`
	Notes          string                 `json:"notes,omitempty"`
	CommitVersion  int64                  `json:"commitVersion"`
}

type auditView struct {
	ID         string            `json:"id"`
	Actor      string            `json:"actor"`
	Action     store.AuditAction `json:"action"`
	TargetType string            `json:"targetType"`
	TargetID   string            `json:"targetId"`
	Timestamp  time.Time         `json:"timestamp"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

func newConversationView(c *store.Conversation) conversationView {
	v := conversationView{View: projection.NewView(c), RequiredSkills: c.RequiredSkills}
	if c.TransferSummary != "" {
		v.SummaryHTML = renderMarkdown(c.TransferSummary)
	}
	return v
}

func newTransferView(t *store.Transfer) transferView {
	return transferView{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		FromAgentID:    t.FromAgentID,
		ToAgentID:      t.ToAgentID,
		Reason:         t.Reason,
		Priority:       t.Priority,
		Status:         t.Status,
		Department:     t.Department,
		RequestedBy:    t.RequestedBy,
		TransferredAt:  t.TransferredAt,
		CompletedAt:    t.CompletedAt,
		ReleasedAt:     t.ReleasedAt,
		ReleaseReason:  t.ReleaseReason,
		Notes:          t.Notes,
		CommitVersion:  t.CommitVersion,
	}
}

func newAuditView(e store.AuditEntry) auditView {
	return auditView{
		ID:         e.ID,
		Actor:      e.Actor,
		Action:     e.Action,
		TargetType: e.TargetType,
		TargetID:   e.TargetID,
		Timestamp:  e.Timestamp,
		Detail:     e.Detail,
	}
}

// renderMarkdown converts a summary to HTML, falling back to the raw text.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return buf.String()
}
