// ABOUTME: Selects agents for conversations from effective presence, department, skills and load
// ABOUTME: Also re-validates a chosen agent at commit time since presence may change after selection

package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultCandidateLimit caps how many ranked agents a recommendation lists.
const DefaultCandidateLimit = 5

// Store is the read-only persistence the engine needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error)
	ListTransfers(ctx context.Context, f store.TransferFilter) ([]*store.Transfer, error)
}

// PresenceSource resolves effective presence. *presence.Tracker implements it.
type PresenceSource interface {
	EffectivePresence(ctx context.Context, agentID string) (presence.Presence, error)
	EffectivePresenceMany(ctx context.Context, agents []*store.Agent) (map[string]presence.Presence, error)
}

// Candidate is a routable agent with the data used to rank it.
type Candidate struct {
	Agent     *store.Agent
	Presence  presence.Presence
	Load      int
	IdleSince time.Time
}

// Options configures an Engine.
type Options struct {
	CandidateLimit int
	Logger         *slog.Logger
}

// Engine picks agents. It never mutates state.
type Engine struct {
	store    Store
	presence PresenceSource
	limit    int
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(s Store, p PresenceSource, opts Options) *Engine {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		store:    s,
		presence: p,
		limit:    opts.CandidateLimit,
		logger:   opts.Logger.With("component", "assignment"),
	}
}

// FindCandidates returns agents able to take conv, best first.
//
// Agents must belong to the conversation's tenant, match its department (when set)
// and hold every required skill. Agents that are not live, are DoNotDisturb or are
// at capacity are excluded. Ranking is by active load ascending, then by who has
// been idle longest.
func (e *Engine) FindCandidates(ctx context.Context, conv *store.Conversation) ([]Candidate, error) {
	if conv == nil || conv.ID == "" {
		return nil, routing.Validation("conversation is required")
	}
	return e.candidates(ctx, conv.TenantID, conv.Department, conv.RequiredSkills)
}

func (e *Engine) candidates(ctx context.Context, tenantID, department string, skills []string) ([]Candidate, error) {
	agents, err := e.store.ListAgents(ctx, store.AgentFilter{TenantID: tenantID, Department: department})
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	agents = slices.DeleteFunc(agents, func(a *store.Agent) bool { return !hasSkills(a, skills) })
	if len(agents) == 0 {
		return nil, nil
	}

	presences, err := e.presence.EffectivePresenceMany(ctx, agents)
	if err != nil {
		return nil, fmt.Errorf("resolving presence: %w", err)
	}

	var out []Candidate
	for _, a := range agents {
		p := presences[a.ID]
		if !p.Routable() || a.ActiveConversations >= a.MaxConcurrentChats {
			continue
		}
		idle, err := e.idleSince(ctx, a, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Agent: a, Presence: p, Load: a.ActiveConversations, IdleSince: idle})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Load != out[j].Load {
			return out[i].Load < out[j].Load
		}
		if !out[i].IdleSince.Equal(out[j].IdleSince) {
			return out[i].IdleSince.Before(out[j].IdleSince)
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out, nil
}

// idleSince is the later of the session start and the agent's last committed ownership change.
func (e *Engine) idleSince(ctx context.Context, a *store.Agent, p presence.Presence) (time.Time, error) {
	idle := p.SessionStart
	recent, err := e.store.ListTransfers(ctx, store.TransferFilter{
		AgentID: a.ID,
		Status:  store.TransferCompleted,
		Limit:   10,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("reading transfers for %s: %w", a.ID, err)
	}
	for _, t := range recent {
		at := t.TransferredAt
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		if t.ReleasedAt != nil && t.ReleasedAt.After(at) {
			at = *t.ReleasedAt
		}
		if at.After(idle) {
			idle = at
		}
	}
	return idle, nil
}

// Validate re-checks at commit time that agentID may take conv.
// It returns ErrAgentUnavailable when the agent is not live or is DoNotDisturb,
// and ErrCapacityExceeded when it already holds its maximum.
func (e *Engine) Validate(ctx context.Context, conv *store.Conversation, agentID string) (*store.Agent, error) {
	if agentID == "" {
		return nil, routing.Validation("agent id is required")
	}
	agent, err := e.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", routing.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent: %w", err)
	}
	if agent.TenantID != conv.TenantID {
		return nil, fmt.Errorf("%w: %s", routing.ErrAgentNotFound, agentID)
	}

	p, err := e.presence.EffectivePresence(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !p.Routable() {
		return nil, fmt.Errorf("%w: %s is %s", routing.ErrAgentUnavailable, agentID, p.State)
	}
	if agent.ActiveConversations >= agent.MaxConcurrentChats {
		return nil, fmt.Errorf("%w: %s holds %d of %d", routing.ErrCapacityExceeded,
			agentID, agent.ActiveConversations, agent.MaxConcurrentChats)
	}
	return agent, nil
}

func hasSkills(a *store.Agent, required []string) bool {
	for _, want := range required {
		if !slices.ContainsFunc(a.Skills, func(s string) bool { return strings.EqualFold(s, want) }) {
			return false
		}
	}
	return true
}
