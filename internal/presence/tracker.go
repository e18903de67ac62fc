// ABOUTME: Tracks agent sessions and resolves effective presence from heartbeat freshness
// ABOUTME: A stale heartbeat overrides any stored state; this is the only presence source routing may use

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// DefaultLivenessWindow is the maximum heartbeat gap before an agent is treated as Offline.
const DefaultLivenessWindow = 90 * time.Second

// Store is the persistence the tracker needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	OpenSession(ctx context.Context, session *store.AgentSession) error
	GetSession(ctx context.Context, id string) (*store.AgentSession, error)
	GetOpenSession(ctx context.Context, agentID string) (*store.AgentSession, error)
	TouchSession(ctx context.Context, id string, at time.Time, state *store.AgentState, statusMessage *string) error
	CloseSession(ctx context.Context, id string, at time.Time, reason string) error
	ListOpenSessions(ctx context.Context) ([]*store.AgentSession, error)
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Presence is an agent's resolved availability.
type Presence struct {
	AgentID       string
	State         store.AgentState // effective state, Offline when not live
	StoredState   store.AgentState
	IsLive        bool
	SessionID     string
	SessionStart  time.Time
	LastHeartbeat time.Time
}

// Routable reports whether the agent may receive conversations.
func (p Presence) Routable() bool {
	return p.IsLive && p.State != store.AgentOffline && p.State != store.AgentDoNotDisturb
}

// StateChange is an optional update carried by a heartbeat.
type StateChange struct {
	State         *store.AgentState
	StatusMessage *string
}

// Options configures a Tracker.
type Options struct {
	LivenessWindow time.Duration
	Clock          routing.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Tracker maintains agent sessions and liveness.
type Tracker struct {
	store   Store
	window  time.Duration
	clock   routing.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	onExpire []ExpiryHook
}

// NewTracker creates a Tracker.
func NewTracker(s Store, opts Options) *Tracker {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = DefaultLivenessWindow
	}
	if opts.Clock == nil {
		opts.Clock = routing.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		store:   s,
		window:  opts.LivenessWindow,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "presence"),
		metrics: opts.Metrics,
	}
}

// LivenessWindow returns the configured window.
func (t *Tracker) LivenessWindow() time.Duration { return t.window }

// StartSession opens a session for agentID and marks the agent Available.
// Fails with ErrAgentNotFound for unknown agents and ErrSessionAlreadyActive
// if the agent already has an open session.
func (t *Tracker) StartSession(ctx context.Context, agentID, actor string) (string, error) {
	if agentID == "" {
		return "", routing.Validation("agent id is required")
	}

	now := t.clock.Now()
	sess := &store.AgentSession{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		State:          store.AgentAvailable,
		SessionStarted: now,
		LastHeartbeat:  now,
	}

	if err := t.store.OpenSession(ctx, sess); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("%w: %s", routing.ErrAgentNotFound, agentID)
		case errors.Is(err, store.ErrDuplicate):
			return "", fmt.Errorf("%w: agent %s", routing.ErrSessionAlreadyActive, agentID)
		default:
			return "", fmt.Errorf("opening session: %w", err)
		}
	}

	t.logger.Info("=== AGENT ONLINE ===",
		"agent_id", agentID,
		"session_id", sess.ID,
		"tenant_id", sess.TenantID,
	)
	t.audit(ctx, &store.AuditEntry{
		TenantID:   sess.TenantID,
		Actor:      actorOr(actor, agentID),
		Action:     store.AuditStartSession,
		TargetType: "session",
		TargetID:   sess.ID,
		Detail:     map[string]any{"agent_id": agentID},
	})
	return sess.ID, nil
}

// Heartbeat refreshes a session's last heartbeat, optionally changing its state.
// Unknown or ended sessions are rejected with ErrStaleSession and logged.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string, change *StateChange) error {
	if sessionID == "" {
		return routing.Validation("session id is required")
	}

	var state *store.AgentState
	var message *string
	if change != nil {
		if change.State != nil {
			if !change.State.Valid() || *change.State == store.AgentOffline {
				return routing.Validation("heartbeat state %q is not allowed", *change.State)
			}
			state = change.State
		}
		message = change.StatusMessage
	}

	err := t.store.TouchSession(ctx, sessionID, t.clock.Now(), state, message)
	if errors.Is(err, store.ErrNotFound) {
		t.metrics.StaleHeartbeat()
		t.logger.Warn("heartbeat for stale session", "session_id", sessionID)
		return fmt.Errorf("%w: %s", routing.ErrStaleSession, sessionID)
	}
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}

	if state != nil {
		t.logger.Debug("agent state changed", "session_id", sessionID, "state", *state)
	}
	return nil
}

// EndSession closes the session and marks the agent Offline.
// Unknown or already-ended sessions yield ErrStaleSession.
func (t *Tracker) EndSession(ctx context.Context, sessionID, reason, actor string) error {
	if sessionID == "" {
		return routing.Validation("session id is required")
	}
	if reason == "" {
		reason = "logout"
	}

	sess, err := t.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		t.logger.Warn("end for unknown session", "session_id", sessionID)
		return fmt.Errorf("%w: %s", routing.ErrStaleSession, sessionID)
	}
	if err != nil {
		return fmt.Errorf("reading session: %w", err)
	}

	if err := t.store.CloseSession(ctx, sessionID, t.clock.Now(), reason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Warn("end for closed session", "session_id", sessionID)
			return fmt.Errorf("%w: %s", routing.ErrStaleSession, sessionID)
		}
		return fmt.Errorf("closing session: %w", err)
	}

	t.logger.Info("=== AGENT OFFLINE ===",
		"agent_id", sess.AgentID,
		"session_id", sessionID,
		"reason", reason,
	)
	t.audit(ctx, &store.AuditEntry{
		TenantID:   sess.TenantID,
		Actor:      actorOr(actor, sess.AgentID),
		Action:     store.AuditEndSession,
		TargetType: "session",
		TargetID:   sessionID,
		Detail:     map[string]any{"agent_id": sess.AgentID, "reason": reason},
	})
	return nil
}

// EffectivePresence resolves an agent's true availability.
func (t *Tracker) EffectivePresence(ctx context.Context, agentID string) (Presence, error) {
	agent, err := t.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return Presence{}, fmt.Errorf("%w: %s", routing.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return Presence{}, fmt.Errorf("reading agent: %w", err)
	}

	sess, err := t.store.GetOpenSession(ctx, agentID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Presence{}, fmt.Errorf("reading session: %w", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		sess = nil
	}
	return t.resolve(agent, sess, t.clock.Now()), nil
}

// EffectivePresenceMany resolves presence for several agents with one session scan.
func (t *Tracker) EffectivePresenceMany(ctx context.Context, agents []*store.Agent) (map[string]Presence, error) {
	sessions, err := t.store.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	byAgent := make(map[string]*store.AgentSession, len(sessions))
	for _, s := range sessions {
		byAgent[s.AgentID] = s
	}

	now := t.clock.Now()
	out := make(map[string]Presence, len(agents))
	for _, a := range agents {
		out[a.ID] = t.resolve(a, byAgent[a.ID], now)
	}
	return out, nil
}

// resolve applies the liveness rule: no open session or a heartbeat older than
// the window means Offline, whatever the stored state says.
func (t *Tracker) resolve(agent *store.Agent, sess *store.AgentSession, now time.Time) Presence {
	p := Presence{
		AgentID:     agent.ID,
		StoredState: agent.State,
		State:       store.AgentOffline,
	}
	if sess == nil || !sess.Open() {
		return p
	}

	p.SessionID = sess.ID
	p.SessionStart = sess.SessionStarted
	p.LastHeartbeat = sess.LastHeartbeat
	if now.Sub(sess.LastHeartbeat) > t.window {
		return p
	}

	p.IsLive = true
	p.State = sess.State
	return p
}

func (t *Tracker) audit(ctx context.Context, e *store.AuditEntry) {
	if err := t.store.AppendAuditLog(ctx, e); err != nil {
		t.logger.Error("failed to append audit entry", "action", e.Action, "error", err)
	}
}

func actorOr(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
