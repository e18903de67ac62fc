// ABOUTME: Routing recommendations, agent workload and department status views
// ABOUTME: Read-only summaries built from candidates and effective presence for the admin console

package assignment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// Strategy says how a handoff should proceed.
type Strategy string

const (
	ImmediateTransfer Strategy = "ImmediateTransfer"
	QueuedTransfer    Strategy = "QueuedTransfer"
	CreateTicket      Strategy = "CreateTicket"
)

// Departments used when a handoff names none.
const (
	DepartmentGeneral   = "General"
	DepartmentSecurity  = "Security"
	DepartmentFrontDesk = "FrontDesk"
)

// DefaultDepartment picks a department from the transfer reason.
func DefaultDepartment(reason store.TransferReason) string {
	switch reason {
	case store.ReasonEmergencyHandoff:
		return DepartmentSecurity
	case store.ReasonComplexityLimit:
		return DepartmentFrontDesk
	default:
		return DepartmentGeneral
	}
}

// AgentSummary is the view of one agent in recommendations and status lists.
type AgentSummary struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Department            string           `json:"department"`
	State                 store.AgentState `json:"state"`
	IsLive                bool             `json:"isLive"`
	ActiveConversations   int              `json:"activeConversations"`
	MaxConcurrentChats    int              `json:"maxConcurrentChats"`
	UtilizationPercentage float64          `json:"utilizationPercentage"`
}

// Recommendation is the routing advice for one conversation.
type Recommendation struct {
	ConversationID         string         `json:"conversationId"`
	Department             string         `json:"department"`
	CanTransfer            bool           `json:"canTransfer"`
	RecommendedAgent       *AgentSummary  `json:"recommendedAgent,omitempty"`
	AvailableAgents        []AgentSummary `json:"availableAgents"`
	UnavailabilityReason   string         `json:"unavailabilityReason,omitempty"`
	AlternativeDepartments []string       `json:"alternativeDepartments,omitempty"`
	Strategy               Strategy       `json:"strategy"`
}

// Workload is an agent's load with its effective presence.
type Workload struct {
	AgentSummary
	SessionID string `json:"sessionId,omitempty"`
}

// TargetDepartment returns the department routing should use for conv.
func TargetDepartment(conv *store.Conversation) string {
	if conv.Department != "" {
		return conv.Department
	}
	if conv.TransferReason != "" {
		return DefaultDepartment(conv.TransferReason)
	}
	return ""
}

// Recommend builds routing advice for conv without changing anything.
func (e *Engine) Recommend(ctx context.Context, conv *store.Conversation) (*Recommendation, error) {
	if conv == nil || conv.ID == "" {
		return nil, routing.Validation("conversation is required")
	}
	dept := TargetDepartment(conv)
	rec := &Recommendation{
		ConversationID:  conv.ID,
		Department:      dept,
		AvailableAgents: []AgentSummary{},
	}

	cands, err := e.candidates(ctx, conv.TenantID, dept, conv.RequiredSkills)
	if err != nil {
		return nil, err
	}
	if len(cands) > 0 {
		for i, c := range cands {
			if i == e.limit {
				break
			}
			rec.AvailableAgents = append(rec.AvailableAgents, summarize(c.Agent, c.Presence.State, c.Presence.IsLive))
		}
		top := rec.AvailableAgents[0]
		rec.RecommendedAgent = &top
		rec.CanTransfer = true
		rec.Strategy = ImmediateTransfer
		return rec, nil
	}

	status, err := e.DepartmentStatus(ctx, conv.TenantID, dept)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, s := range status {
		if s.IsLive && s.State != store.AgentDoNotDisturb {
			live++
		}
	}
	if live > 0 {
		rec.Strategy = QueuedTransfer
		rec.UnavailabilityReason = "all agents in department are at capacity"
	} else {
		rec.Strategy = CreateTicket
		rec.UnavailabilityReason = "no agents online in department"
	}
	if dept == "" {
		rec.UnavailabilityReason = "no agents available"
		return rec, nil
	}

	alts, err := e.alternativeDepartments(ctx, conv, dept)
	if err != nil {
		return nil, err
	}
	rec.AlternativeDepartments = alts
	return rec, nil
}

// alternativeDepartments lists other departments of the tenant that have a candidate now.
func (e *Engine) alternativeDepartments(ctx context.Context, conv *store.Conversation, exclude string) ([]string, error) {
	agents, err := e.store.ListAgents(ctx, store.AgentFilter{TenantID: conv.TenantID})
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	seen := map[string]bool{exclude: true}
	var depts []string
	for _, a := range agents {
		if seen[a.Department] || a.Department == "" {
			continue
		}
		seen[a.Department] = true
		cands, err := e.candidates(ctx, conv.TenantID, a.Department, conv.RequiredSkills)
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			depts = append(depts, a.Department)
		}
	}
	sort.Strings(depts)
	return depts, nil
}

// Workload reports one agent's load and effective presence.
func (e *Engine) Workload(ctx context.Context, agentID string) (*Workload, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", routing.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent: %w", err)
	}
	p, err := e.presence.EffectivePresence(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return &Workload{
		AgentSummary: summarize(agent, p.State, p.IsLive),
		SessionID:    p.SessionID,
	}, nil
}

// DepartmentStatus lists every agent of a department with effective presence and load.
// An empty department lists the whole tenant.
func (e *Engine) DepartmentStatus(ctx context.Context, tenantID, department string) ([]AgentSummary, error) {
	agents, err := e.store.ListAgents(ctx, store.AgentFilter{TenantID: tenantID, Department: department})
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	presences, err := e.presence.EffectivePresenceMany(ctx, agents)
	if err != nil {
		return nil, fmt.Errorf("resolving presence: %w", err)
	}
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		p := presences[a.ID]
		out = append(out, summarize(a, p.State, p.IsLive))
	}
	return out, nil
}

func summarize(a *store.Agent, state store.AgentState, live bool) AgentSummary {
	return AgentSummary{
		ID:                    a.ID,
		Name:                  a.Name,
		Department:            a.Department,
		State:                 state,
		IsLive:                live,
		ActiveConversations:   a.ActiveConversations,
		MaxConcurrentChats:    a.MaxConcurrentChats,
		UtilizationPercentage: utilization(a.ActiveConversations, a.MaxConcurrentChats),
	}
}

func utilization(active, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return math.Round(float64(active)/float64(capacity)*1000) / 10
}
