// ABOUTME: Agent, department and session endpoints of the admin API
// ABOUTME: Sessions drive presence; agents may only act on their own sessions

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// agentRequest is the body of PUT /api/agents/:id.
type agentRequest struct {
	TenantID           string   `json:"tenantId"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Department         string   `json:"department"`
	Skills             []string `json:"skills"`
	MaxConcurrentChats int      `json:"maxConcurrentChats"`
}

type heartbeatRequest struct {
	State         *store.AgentState `json:"state"`
	StatusMessage *string           `json:"statusMessage"`
}

func (s *Server) listAgents(c echo.Context) error {
	summaries, err := s.engine.DepartmentStatus(c.Request().Context(), tenantOf(c), c.QueryParam("department"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": summaries})
}

func (s *Server) departmentAgents(c echo.Context) error {
	summaries, err := s.engine.DepartmentStatus(c.Request().Context(), tenantOf(c), c.Param("dept"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"department": c.Param("dept"), "agents": summaries})
}

// loadAgent reads an agent, hiding agents of other tenants.
func (s *Server) loadAgent(c echo.Context, id string) (*store.Agent, error) {
	a, err := s.store.GetAgent(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !visible(c, a.TenantID)) {
		return nil, fmt.Errorf("%w: %s", routing.ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent: %w", err)
	}
	return a, nil
}

func (s *Server) getAgent(c echo.Context) error {
	a, err := s.loadAgent(c, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	p, err := s.tracker.EffectivePresence(c.Request().Context(), a.ID)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, newAgentView(a, p))
}

func newAgentView(a *store.Agent, p presence.Presence) agentView {
	v := agentView{
		ID:                  a.ID,
		TenantID:            a.TenantID,
		Name:                a.Name,
		Email:               a.Email,
		Department:          a.Department,
		Skills:              a.Skills,
		State:               p.State,
		StoredState:         a.State,
		IsLive:              p.IsLive,
		SessionID:           p.SessionID,
		StatusMessage:       a.StatusMessage,
		MaxConcurrentChats:  a.MaxConcurrentChats,
		ActiveConversations: a.ActiveConversations,
	}
	if v.Skills == nil {
		v.Skills = []string{}
	}
	if !p.LastHeartbeat.IsZero() {
		hb := p.LastHeartbeat
		v.LastHeartbeat = &hb
	}
	return v
}

func (s *Server) putAgent(c echo.Context) error {
	var req agentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	id := c.Param("id")
	if t := tenantOf(c); t != "" {
		req.TenantID = t
	}
	if req.TenantID == "" {
		return badRequest(c, "tenantId is required")
	}
	if req.MaxConcurrentChats <= 0 {
		return badRequest(c, "maxConcurrentChats must be positive")
	}

	ctx := c.Request().Context()
	a := &store.Agent{
		ID:                 id,
		TenantID:           req.TenantID,
		Name:               req.Name,
		Email:              req.Email,
		Department:         req.Department,
		Skills:             req.Skills,
		MaxConcurrentChats: req.MaxConcurrentChats,
	}
	existing, err := s.store.GetAgent(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.store.CreateAgent(ctx, a); err != nil {
			return s.fail(c, err)
		}
		s.logger.Info("agent created", "agent_id", id, "tenant_id", a.TenantID, "department", a.Department)
		return c.JSON(http.StatusCreated, map[string]string{"id": id})
	case err != nil:
		return s.fail(c, err)
	case existing.TenantID != a.TenantID:
		return c.JSON(http.StatusConflict, errorBody{Error: "agent belongs to another tenant", Code: routing.CodeValidation})
	}
	if err := s.store.UpdateAgentProfile(ctx, a); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id})
}

func (s *Server) getWorkload(c echo.Context) error {
	if _, err := s.loadAgent(c, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	w, err := s.engine.Workload(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, w)
}

// mayActAs reports whether the caller may act for agentID.
func mayActAs(id *auth.Identity, agentID string) bool {
	return id.Role != auth.RoleAgent || id.Subject == agentID
}

func (s *Server) startSession(c echo.Context) error {
	id := identity(c)
	agent, err := s.loadAgent(c, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if !mayActAs(id, agent.ID) {
		return s.fail(c, fmt.Errorf("%w: agents may only start their own session", routing.ErrPolicyDenied))
	}

	sessionID, err := s.tracker.StartSession(c.Request().Context(), agent.ID, id.Subject)
	if err != nil {
		return s.fail(c, err)
	}
	s.emitAgent(notify.KindAgentOnline, agent, sessionID)
	return c.JSON(http.StatusCreated, map[string]any{
		"sessionId":       sessionID,
		"livenessWindowS": s.tracker.LivenessWindow().Seconds(),
	})
}

// loadSession reads a session the caller may touch. Unknown sessions are stale.
func (s *Server) loadSession(c echo.Context) (*store.AgentSession, error) {
	sessionID := c.Param("id")
	sess, err := s.store.GetSession(c.Request().Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", routing.ErrStaleSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if !visible(c, sess.TenantID) {
		return nil, fmt.Errorf("%w: %s", routing.ErrStaleSession, sessionID)
	}
	if !mayActAs(identity(c), sess.AgentID) {
		return nil, fmt.Errorf("%w: session belongs to another agent", routing.ErrPolicyDenied)
	}
	return sess, nil
}

func (s *Server) heartbeat(c echo.Context) error {
	var req heartbeatRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	if _, err := s.loadSession(c); err != nil {
		return s.fail(c, err)
	}
	change := &presence.StateChange{State: req.State, StatusMessage: req.StatusMessage}
	if err := s.tracker.Heartbeat(c.Request().Context(), c.Param("id"), change); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) endSession(c echo.Context) error {
	sess, err := s.loadSession(c)
	if err != nil {
		return s.fail(c, err)
	}
	reason := strings.TrimSpace(c.QueryParam("reason"))
	if err := s.tracker.EndSession(c.Request().Context(), sess.ID, reason, identity(c).Subject); err != nil {
		return s.fail(c, err)
	}
	if agent, err := s.store.GetAgent(c.Request().Context(), sess.AgentID); err == nil {
		s.emitAgent(notify.KindAgentOffline, agent, sess.ID)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) emitAgent(kind notify.Kind, a *store.Agent, sessionID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Dispatch(notify.Event{
		Kind:          kind,
		TenantID:      a.TenantID,
		AgentID:       a.ID,
		CorrelationID: sessionID,
	})
}
