// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines agents, sessions, conversation assignment fields and the transfer log

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint rejects a write:
// a second open session for an agent or a second pending transfer for a conversation.
var ErrDuplicate = errors.New("already exists")

// ErrVersionConflict is returned when a conversation's version no longer matches the caller's read
var ErrVersionConflict = errors.New("version conflict")

// ErrCapacity is returned when incrementing an agent counter would exceed max_concurrent_chats
var ErrCapacity = errors.New("agent at capacity")

// ErrTransferFinalized is returned when finalizing a transfer row that is no longer pending
var ErrTransferFinalized = errors.New("transfer already finalized")

// AgentState is an agent's self-reported capability state.
type AgentState string

const (
	AgentAvailable    AgentState = "Available"
	AgentBusy         AgentState = "Busy"
	AgentAway         AgentState = "Away"
	AgentDoNotDisturb AgentState = "DoNotDisturb"
	AgentOffline      AgentState = "Offline"
)

// Valid reports whether s is a known agent state.
func (s AgentState) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentAway, AgentDoNotDisturb, AgentOffline:
		return true
	}
	return false
}

// ConversationState is the explicit assignment state of a conversation.
type ConversationState string

const (
	ConversationUnassigned      ConversationState = "Unassigned"
	ConversationPendingTransfer ConversationState = "PendingTransfer"
	ConversationAssigned        ConversationState = "Assigned"
	ConversationReleased        ConversationState = "Released"
)

// TransferStatus is the lifecycle status of a transfer row.
type TransferStatus string

const (
	TransferPending   TransferStatus = "Pending"
	TransferCompleted TransferStatus = "Completed"
	TransferRejected  TransferStatus = "Rejected"
	TransferCancelled TransferStatus = "Cancelled"
)

// Terminal reports whether rows with this status are immutable.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferRejected || s == TransferCancelled
}

// TransferReason explains why ownership changed.
type TransferReason string

const (
	ReasonUserRequested      TransferReason = "UserRequested"
	ReasonSystemEscalation   TransferReason = "SystemEscalation"
	ReasonComplexityLimit    TransferReason = "ComplexityLimit"
	ReasonEmergencyHandoff   TransferReason = "EmergencyHandoff"
	ReasonSpecialistRequired TransferReason = "SpecialistRequired"
	ReasonQualityAssurance   TransferReason = "QualityAssurance"
)

// ValidTransferReasons lists all valid transfer reasons.
var ValidTransferReasons = []TransferReason{
	ReasonUserRequested,
	ReasonSystemEscalation,
	ReasonComplexityLimit,
	ReasonEmergencyHandoff,
	ReasonSpecialistRequired,
	ReasonQualityAssurance,
}

// Valid reports whether r is a known transfer reason.
func (r TransferReason) Valid() bool {
	for _, v := range ValidTransferReasons {
		if r == v {
			return true
		}
	}
	return false
}

// TransferPriority is the single priority field carried by a handoff request.
type TransferPriority string

const (
	PriorityLow       TransferPriority = "Low"
	PriorityNormal    TransferPriority = "Normal"
	PriorityHigh      TransferPriority = "High"
	PriorityUrgent    TransferPriority = "Urgent"
	PriorityEmergency TransferPriority = "Emergency"
)

// Valid reports whether p is a known priority.
func (p TransferPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityEmergency:
		return true
	}
	return false
}

// Agent is a staff member. Profile fields come from the staff directory;
// this subsystem only mutates State, StatusMessage, LastActivity and ActiveConversations.
type Agent struct {
	ID                  string
	TenantID            string
	Name                string
	Email               string
	Department          string
	Skills              []string
	State               AgentState
	MaxConcurrentChats  int
	ActiveConversations int
	StatusMessage       string
	LastActivity        time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// AgentSession is one login. It is the unit of liveness.
type AgentSession struct {
	ID                  string
	AgentID             string
	TenantID            string
	State               AgentState
	StatusMessage       string
	SessionStarted      time.Time
	LastHeartbeat       time.Time
	ActiveConversations int
	SessionEnded        *time.Time
	EndReason           string
}

// Open reports whether the session has not been closed.
func (s *AgentSession) Open() bool { return s.SessionEnded == nil }

// Conversation holds the assignment fields of a guest conversation.
// Identity and message content belong to the external conversation store.
type Conversation struct {
	ID                  string
	TenantID            string
	Department          string
	RequiredSkills      []string
	Priority            TransferPriority
	State               ConversationState
	AssignedAgentID     string
	IsTransferRequested bool
	TransferReason      TransferReason
	TransferredAt       *time.Time
	TransferCompletedAt *time.Time
	TransferSummary     string
	Version             int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Transfer is one row of the ownership audit trail.
// Empty FromAgentID means the automated system; empty ToAgentID means released to the pool.
type Transfer struct {
	ID             string
	TenantID       string
	ConversationID string
	FromAgentID    string
	ToAgentID      string
	Reason         TransferReason
	Priority       TransferPriority
	Status         TransferStatus
	Department     string
	RequestedBy    string
	TransferredAt  time.Time
	CompletedAt    *time.Time
	ReleasedAt     *time.Time
	ReleaseReason  string
	Notes          string
	CommitVersion  int64 // conversation version produced by the commit that wrote this row
	CreatedAt      time.Time
}

// Commit describes one atomic ownership transition. The conversation is
// written with a compare-and-set on Conversation.Version; counters and the
// transfer row change in the same transaction or not at all.
type Commit struct {
	Conversation     *Conversation
	IncrementAgentID string
	DecrementAgentID string
	InsertTransfer   *Transfer
	FinalizeTransfer *Transfer
	// Audit, when set, is written in the same transaction. Its target, tenant,
	// and the "version", "state" and "transfer_id" detail keys are filled from the commit.
	Audit *AuditEntry
}

// CounterRepair reports one RepairActiveConversations call.
type CounterRepair struct {
	Stored   int
	Derived  int
	Repaired bool
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	TenantID   string
	Department string
	State      AgentState
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	TenantID        string
	State           ConversationState
	AssignedAgentID string
	Limit           int // default 100, max 1000
}

// TransferFilter narrows ListTransfers. AgentID matches either side of the transfer.
type TransferFilter struct {
	TenantID       string
	ConversationID string
	AgentID        string
	Status         TransferStatus
	Limit          int
}

// AgentStore persists agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	UpdateAgentProfile(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error)
	SetAgentState(ctx context.Context, agentID string, state AgentState, statusMessage string, at time.Time) error
	SetActiveConversations(ctx context.Context, agentID string, n int) error
}

// SessionStore persists agent sessions.
type SessionStore interface {
	OpenSession(ctx context.Context, session *AgentSession) error
	GetSession(ctx context.Context, id string) (*AgentSession, error)
	GetOpenSession(ctx context.Context, agentID string) (*AgentSession, error)
	TouchSession(ctx context.Context, id string, at time.Time, state *AgentState, statusMessage *string) error
	CloseSession(ctx context.Context, id string, at time.Time, reason string) error
	ListOpenSessions(ctx context.Context) ([]*AgentSession, error)
}

// ConversationStore persists conversation assignment fields.
type ConversationStore interface {
	UpsertConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error)
	CommitTransition(ctx context.Context, c *Commit) error
}

// TransferStore reads the transfer log.
type TransferStore interface {
	GetTransfer(ctx context.Context, id string) (*Transfer, error)
	GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error)
	ListTransfers(ctx context.Context, f TransferFilter) ([]*Transfer, error)
	ActiveCountsFromLog(ctx context.Context) (map[string]int, error)
	RepairActiveConversations(ctx context.Context, agentID string, audit *AuditEntry) (*CounterRepair, error)
}

// AuditStore appends and lists audit entries.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// Store is the full persistence surface.
type Store interface {
	AgentStore
	SessionStore
	ConversationStore
	TransferStore
	AuditStore

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
