// ABOUTME: Conversation, transfer and audit endpoints of the admin API
// ABOUTME: Ownership changes go through the coordinator; handoff-style calls honour Idempotency-Key

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/2389/handoff-gateway/internal/auth"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
	"github.com/2389/handoff-gateway/internal/transfer"
)

type conversationRequest struct {
	TenantID        string                 `json:"tenantId"`
	Department      string                 `json:"department"`
	RequiredSkills  []string               `json:"requiredSkills"`
	Priority        store.TransferPriority `json:"priority"`
	TransferSummary string                 `json:"transferSummary"`
}

type assignRequest struct {
	AgentID string `json:"agentId"`
}

type releaseRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type handoffRequest struct {
	Reason     store.TransferReason   `json:"reason"`
	Priority   store.TransferPriority `json:"priority"`
	Department string                 `json:"department"`
	Summary    string                 `json:"summary"`
	Notes      string                 `json:"notes"`
}

type rejectRequest struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

type detectRequest struct {
	Text string `json:"text"`
	// Open requests a transfer when the text asks for a human.
	Open bool `json:"open"`
}

type resultView struct {
	Conversation conversationView `json:"conversation"`
	Transfer     *transferView    `json:"transfer,omitempty"`
	Status       string           `json:"status"`
}

func newResultView(res *transfer.Result) resultView {
	v := resultView{Conversation: newConversationView(res.Conversation), Status: string(res.Status)}
	if res.Transfer != nil {
		t := newTransferView(res.Transfer)
		v.Transfer = &t
	}
	return v
}

// bindOptional decodes a body when one was sent.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}

// limitParam reads ?limit=, returning 0 when absent.
func limitParam(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, routing.Validation("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) listConversations(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	f := store.ConversationFilter{
		TenantID:        tenantOf(c),
		State:           store.ConversationState(c.QueryParam("state")),
		AssignedAgentID: c.QueryParam("agent"),
		Limit:           limit,
	}
	if t := c.QueryParam("tenant"); t != "" && f.TenantID == "" {
		f.TenantID = t
	}
	convs, err := s.store.ListConversations(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	views := make([]conversationView, 0, len(convs))
	for _, conv := range convs {
		views = append(views, newConversationView(conv))
	}
	return c.JSON(http.StatusOK, map[string]any{"conversations": views})
}

// loadConversation reads a conversation, hiding those of other tenants.
func (s *Server) loadConversation(c echo.Context) (*store.Conversation, error) {
	id := c.Param("id")
	conv, err := s.store.GetConversation(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !visible(c, conv.TenantID)) {
		return nil, fmt.Errorf("%w: %s", routing.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	return conv, nil
}

func (s *Server) getConversation(c echo.Context) error {
	conv, err := s.loadConversation(c)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, newConversationView(conv))
}

func (s *Server) putConversation(c echo.Context) error {
	var req conversationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if t := tenantOf(c); t != "" {
		req.TenantID = t
	}
	if req.TenantID == "" {
		return badRequest(c, "tenantId is required")
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return badRequest(c, "invalid priority: "+string(req.Priority))
	}
	conv := &store.Conversation{
		ID:              c.Param("id"),
		TenantID:        req.TenantID,
		Department:      req.Department,
		RequiredSkills:  req.RequiredSkills,
		Priority:        req.Priority,
		TransferSummary: req.TransferSummary,
	}
	err := s.store.UpsertConversation(c.Request().Context(), conv)
	if errors.Is(err, store.ErrDuplicate) {
		return s.fail(c, fmt.Errorf("%w: %s", routing.ErrConversationNotFound, conv.ID))
	}
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, newConversationView(conv))
}

// idempotent runs fn once per Idempotency-Key, replaying the recorded answer after.
// Internal errors are not recorded so the client can retry.
func (s *Server) idempotent(c echo.Context, op string, fn func() (int, any)) error {
	key := c.Request().Header.Get(IdempotencyHeader)
	if key == "" || s.dedupe == nil {
		status, body := fn()
		return c.JSON(status, body)
	}
	full := strings.Join([]string{identity(c).Subject, op, c.Param("id"), key}, "|")
	if r, ok := s.dedupe.Get(full); ok {
		c.Response().Header().Set("Idempotent-Replay", "true")
		return c.JSON(r.status, r.body)
	}
	status, body := fn()
	if status < http.StatusInternalServerError {
		s.dedupe.Put(full, Replay{status: status, body: body})
	}
	return c.JSON(status, body)
}

// outcome turns a coordinator result into a status and body.
func (s *Server) outcome(c echo.Context, res *transfer.Result, err error) (int, any) {
	if err != nil {
		return s.errorResponse(c, err)
	}
	return http.StatusOK, newResultView(res)
}

func (s *Server) assign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return s.idempotent(c, "assign", func() (int, any) {
		res, err := s.coord.Assign(c.Request().Context(), c.Param("id"), req.AgentID, identity(c).Actor())
		return s.outcome(c, res, err)
	})
}

func (s *Server) release(c echo.Context) error {
	var req releaseRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return s.idempotent(c, "release", func() (int, any) {
		res, err := s.coord.Release(c.Request().Context(), c.Param("id"), req.Reason, identity(c).Actor())
		return s.outcome(c, res, err)
	})
}

func (s *Server) complete(c echo.Context) error {
	var req releaseRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := s.coord.Complete(c.Request().Context(), c.Param("id"), req.Notes, identity(c).Actor())
	status, body := s.outcome(c, res, err)
	return c.JSON(status, body)
}

func (s *Server) handoff(c echo.Context) error {
	var req handoffRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return s.idempotent(c, "handoff", func() (int, any) {
		res, err := s.coord.RequestTransfer(c.Request().Context(), c.Param("id"), transfer.Request{
			Reason:     req.Reason,
			Priority:   req.Priority,
			Department: req.Department,
			Summary:    req.Summary,
			Notes:      req.Notes,
		}, identity(c).Actor())
		return s.outcome(c, res, err)
	})
}

// route assigns to the best candidate. When nobody can take the conversation the
// 409 body carries the recommendation so the caller can queue or open a ticket.
func (s *Server) route(c echo.Context) error {
	res, rec, err := s.coord.HandleTransfer(c.Request().Context(), c.Param("id"), identity(c).Actor())
	if err != nil {
		status := statusFor(err)
		if rec != nil && errors.Is(err, routing.ErrAgentUnavailable) {
			return c.JSON(status, map[string]any{
				"error":          err.Error(),
				"code":           routing.Code(err),
				"recommendation": rec,
			})
		}
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"result": newResultView(res), "recommendation": rec})
}

func (s *Server) cancel(c echo.Context) error {
	var req releaseRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	res, err := s.coord.CancelTransfer(c.Request().Context(), c.Param("id"), req.Notes, identity(c).Actor())
	status, body := s.outcome(c, res, err)
	return c.JSON(status, body)
}

func (s *Server) reject(c echo.Context) error {
	var req rejectRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "invalid request body")
	}
	id := identity(c)
	if req.AgentID == "" && id.Role == auth.RoleAgent {
		req.AgentID = id.Subject
	}
	res, err := s.coord.RejectTransfer(c.Request().Context(), c.Param("id"), req.AgentID, req.Reason, id.Actor())
	status, body := s.outcome(c, res, err)
	return c.JSON(status, body)
}

func (s *Server) listTransfers(c echo.Context) error {
	conv, err := s.loadConversation(c)
	if err != nil {
		return s.fail(c, err)
	}
	limit, err := limitParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.store.ListTransfers(c.Request().Context(), store.TransferFilter{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Status:         store.TransferStatus(c.QueryParam("status")),
		Limit:          limit,
	})
	if err != nil {
		return s.fail(c, err)
	}
	views := make([]transferView, 0, len(rows))
	for _, t := range rows {
		views = append(views, newTransferView(t))
	}
	return c.JSON(http.StatusOK, map[string]any{"transfers": views})
}

func (s *Server) recommendation(c echo.Context) error {
	conv, err := s.loadConversation(c)
	if err != nil {
		return s.fail(c, err)
	}
	if dept := c.QueryParam("department"); dept != "" {
		conv.Department = dept
	} else if conv.State == store.ConversationPendingTransfer {
		if p, err := s.store.GetPendingTransfer(c.Request().Context(), conv.ID); err == nil && p.Department != "" {
			conv.Department = p.Department
		}
	}
	rec, err := s.engine.Recommend(c.Request().Context(), conv)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

// detect classifies guest text. With open set, a positive result opens a transfer.
func (s *Server) detect(c echo.Context) error {
	if s.detector == nil {
		return c.JSON(http.StatusNotImplemented, errorBody{Error: "transfer detection is not configured", Code: routing.CodeInternal})
	}
	var req detectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "text is required")
	}
	conv, err := s.loadConversation(c)
	if err != nil {
		return s.fail(c, err)
	}

	result, err := s.detector.Detect(c.Request().Context(), req.Text)
	if err != nil {
		return s.fail(c, err)
	}
	body := map[string]any{"detection": result}
	if !req.Open || !result.ShouldTransfer {
		return c.JSON(http.StatusOK, body)
	}

	res, err := s.coord.RequestTransfer(c.Request().Context(), conv.ID, transfer.Request{
		Reason:     result.Reason,
		Priority:   result.Priority,
		Department: result.Department,
		Notes:      fmt.Sprintf("detected by %s: %q", result.Method, result.Trigger),
	}, identity(c).Actor())
	if err != nil {
		return s.fail(c, err)
	}
	body["result"] = newResultView(res)
	return c.JSON(http.StatusOK, body)
}

func (s *Server) listAudit(c echo.Context) error {
	limit, err := limitParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	f := store.AuditFilter{Limit: limit}
	if t := tenantOf(c); t != "" {
		f.TenantID = &t
	} else if t := c.QueryParam("tenant"); t != "" {
		f.TenantID = &t
	}
	if v := c.QueryParam("actor"); v != "" {
		f.Actor = &v
	}
	if v := c.QueryParam("action"); v != "" {
		action := store.AuditAction(v)
		f.Action = &action
	}
	if v := c.QueryParam("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := c.QueryParam("target_id"); v != "" {
		f.TargetID = &v
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "since must be RFC3339")
		}
		f.Since = &since
	}
	entries, err := s.store.ListAuditLog(c.Request().Context(), f)
	if err != nil {
		return s.fail(c, err)
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newAuditView(e))
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": views})
}

func (s *Server) reconcile(c echo.Context) error {
	repair := c.QueryParam("repair") == "true"
	report, err := s.coord.Reconcile(c.Request().Context(), repair)
	if err != nil {
		return s.fail(c, err)
	}
	if report.Drifted == nil {
		report.Drifted = []transfer.Drift{}
	}
	return c.JSON(http.StatusOK, report)
}
