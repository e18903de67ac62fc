// ABOUTME: Transfer Coordinator, the only path that changes conversation ownership
// ABOUTME: Each transition runs under a per-conversation lock and commits with a version check

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/lock"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/projection"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListConversations(ctx context.Context, f store.ConversationFilter) ([]*store.Conversation, error)
	CommitTransition(ctx context.Context, c *store.Commit) error
	GetPendingTransfer(ctx context.Context, conversationID string) (*store.Transfer, error)
	ListAgents(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ActiveCountsFromLog(ctx context.Context) (map[string]int, error)
	RepairActiveConversations(ctx context.Context, agentID string, audit *store.AuditEntry) (*store.CounterRepair, error)
}

// Router selects and re-validates agents. *assignment.Engine implements it.
type Router interface {
	Validate(ctx context.Context, conv *store.Conversation, agentID string) (*store.Agent, error)
	Recommend(ctx context.Context, conv *store.Conversation) (*assignment.Recommendation, error)
}

// Notifier receives committed transitions. *notify.Dispatcher implements it.
type Notifier interface {
	Dispatch(ev notify.Event)
}

// Authorizer may veto an operation before it commits.
type Authorizer interface {
	Authorize(ctx context.Context, op Operation) error
}

// Actor roles.
const (
	RoleAdmin  = "admin"
	RoleAgent  = "agent"
	RoleBot    = "bot"
	RoleSystem = "system"
)

// Actor is the principal performing an operation. An empty TenantID is not scoped.
type Actor struct {
	ID       string
	Role     string
	TenantID string
}

// System is the actor for background work.
var System = Actor{ID: "system", Role: RoleSystem}

// Operation is what an Authorizer decides on.
type Operation struct {
	Event          Event
	Actor          Actor
	TenantID       string
	ConversationID string
	AgentID        string // target agent, if any
	CurrentAgentID string // current owner, if any
}

// Request opens a transfer.
type Request struct {
	Reason     store.TransferReason
	Priority   store.TransferPriority
	Department string
	Summary    string
	Notes      string
}

// Result is the committed state after a transition.
type Result struct {
	Conversation *store.Conversation `json:"conversation"`
	Transfer     *store.Transfer     `json:"transfer"`
	Status       projection.Status   `json:"status"`
}

// Options configures a Coordinator.
type Options struct {
	Locker     lock.Locker
	Notifier   Notifier
	Authorizer Authorizer
	Clock      routing.Clock
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Coordinator executes ownership transitions.
type Coordinator struct {
	store   Store
	router  Router
	locker  lock.Locker
	notify  Notifier
	authz   Authorizer
	clock   routing.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCoordinator creates a Coordinator. A nil Locker uses an in-process lock.
func NewCoordinator(s Store, r Router, opts Options) *Coordinator {
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Clock == nil {
		opts.Clock = routing.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:   s,
		router:  r,
		locker:  opts.Locker,
		notify:  opts.Notifier,
		authz:   opts.Authorizer,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "transfer"),
		metrics: opts.Metrics,
	}
}

// RequestTransfer opens a pending transfer. From Assigned the current owner
// keeps the conversation, and its counter, until a successor commits.
func (c *Coordinator) RequestTransfer(ctx context.Context, conversationID string, req Request, actor Actor) (res *Result, err error) {
	defer c.observe(EventRequest, &err)

	if req.Reason == "" {
		req.Reason = store.ReasonUserRequested
	}
	if !req.Reason.Valid() {
		return nil, routing.Validation("unknown transfer reason %q", req.Reason)
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
		if req.Reason == store.ReasonEmergencyHandoff {
			req.Priority = store.PriorityEmergency
		}
	}
	if !req.Priority.Valid() {
		return nil, routing.Validation("unknown priority %q", req.Priority)
	}

	err = c.withConversation(ctx, conversationID, actor, func(conv *store.Conversation) error {
		if err := checkTransition(conv.State, EventRequest, pending); err != nil {
			return err
		}
		if err := c.authorize(ctx, EventRequest, actor, conv, ""); err != nil {
			return err
		}

		now := c.clock.Now()
		dept := req.Department
		if dept == "" {
			dept = conv.Department
		}
		if dept == "" {
			dept = assignment.DefaultDepartment(req.Reason)
		}

		next := *conv
		next.State = pending
		next.IsTransferRequested = true
		next.TransferReason = req.Reason
		next.TransferredAt = &now
		next.TransferCompletedAt = nil
		if req.Summary != "" {
			next.TransferSummary = req.Summary
		}

		row := &store.Transfer{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			FromAgentID:    conv.AssignedAgentID,
			Reason:         req.Reason,
			Priority:       req.Priority,
			Status:         store.TransferPending,
			Department:     dept,
			RequestedBy:    actor.ID,
			TransferredAt:  now,
			Notes:          req.Notes,
		}
		commit := &store.Commit{
			Conversation:   &next,
			InsertTransfer: row,
			Audit: auditEntry(actor, store.AuditRequestTransfer, map[string]any{
				"reason":     string(req.Reason),
				"priority":   string(req.Priority),
				"department": dept,
			}),
		}
		if err := c.commit(ctx, commit); err != nil {
			return err
		}

		res = c.result(&next, row)
		c.logger.Info("=== TRANSFER REQUESTED ===",
			"conversation_id", conv.ID,
			"from_agent", conv.AssignedAgentID,
			"reason", req.Reason,
			"priority", req.Priority,
			"department", dept,
		)
		c.emit(notify.KindTransferRequested, &next, row, "", conv.AssignedAgentID)
		return nil
	})
	return res, err
}

// Assign commits agentID as owner. From PendingTransfer the pending row is
// completed; from Unassigned a single Completed row is written. The agent is
// re-validated for liveness and capacity under the lock.
func (c *Coordinator) Assign(ctx context.Context, conversationID, agentID string, actor Actor) (res *Result, err error) {
	defer c.observe(EventAssign, &err)

	if agentID == "" {
		return nil, routing.Validation("agent id is required")
	}

	err = c.withConversation(ctx, conversationID, actor, func(conv *store.Conversation) error {
		if err := checkTransition(conv.State, EventAssign, assigned); err != nil {
			return err
		}
		previous := conv.AssignedAgentID
		if previous == agentID {
			return routing.Validation("conversation %s is already owned by %s", conv.ID, agentID)
		}
		if err := c.authorize(ctx, EventAssign, actor, conv, agentID); err != nil {
			return err
		}
		if _, err := c.router.Validate(ctx, conv, agentID); err != nil {
			return err
		}

		now := c.clock.Now()
		next := *conv
		next.State = assigned
		next.AssignedAgentID = agentID
		next.IsTransferRequested = false
		next.TransferCompletedAt = &now
		if next.TransferredAt == nil {
			next.TransferredAt = &now
		}

		commit := &store.Commit{
			Conversation:     &next,
			IncrementAgentID: agentID,
			DecrementAgentID: previous,
			Audit: auditEntry(actor, store.AuditAssign, map[string]any{
				"agent_id":       agentID,
				"previous_agent": previous,
			}),
		}
		var row *store.Transfer
		if conv.State == pending {
			p, err := c.store.GetPendingTransfer(ctx, conv.ID)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: pending transfer vanished", routing.ErrConcurrentModification)
			}
			if err != nil {
				return fmt.Errorf("reading pending transfer: %w", err)
			}
			p.Status = store.TransferCompleted
			p.ToAgentID = agentID
			p.CompletedAt = &now
			row = p
			commit.FinalizeTransfer = row
		} else {
			reason := conv.TransferReason
			if reason == "" {
				reason = store.ReasonSystemEscalation
			}
			row = &store.Transfer{
				TenantID:       conv.TenantID,
				ConversationID: conv.ID,
				ToAgentID:      agentID,
				Reason:         reason,
				Priority:       conv.Priority,
				Status:         store.TransferCompleted,
				Department:     conv.Department,
				RequestedBy:    actor.ID,
				TransferredAt:  now,
				CompletedAt:    &now,
			}
			next.TransferReason = reason
			commit.InsertTransfer = row
		}

		if err := c.commit(ctx, commit); err != nil {
			return err
		}

		res = c.result(&next, row)
		c.logger.Info("=== CONVERSATION ASSIGNED ===",
			"conversation_id", conv.ID,
			"agent_id", agentID,
			"previous_agent", previous,
			"version", next.Version,
		)
		c.emit(notify.KindAssigned, &next, row, agentID, previous)
		return nil
	})
	return res, err
}

// HandleTransfer routes a pending or unassigned conversation to the best candidate.
// When nobody can take it the error wraps ErrAgentUnavailable and the
// recommendation explains why.
func (c *Coordinator) HandleTransfer(ctx context.Context, conversationID string, actor Actor) (*Result, *assignment.Recommendation, error) {
	conv, err := c.load(ctx, conversationID, actor)
	if err != nil {
		return nil, nil, err
	}
	if !allowed(conv.State, EventAssign) {
		err := rejectTransition(conv.State, EventAssign)
		c.observe(EventAssign, &err)
		return nil, nil, err
	}

	routed := *conv
	if conv.State == pending {
		p, err := c.store.GetPendingTransfer(ctx, conv.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("reading pending transfer: %w", err)
		}
		if p != nil && p.Department != "" {
			routed.Department = p.Department
		}
	}

	rec, err := c.router.Recommend(ctx, &routed)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, cand := range rec.AvailableAgents {
		if cand.ID == conv.AssignedAgentID {
			continue
		}
		res, err := c.Assign(ctx, conv.ID, cand.ID, actor)
		if err == nil {
			return res, rec, nil
		}
		if !errors.Is(err, routing.ErrAgentUnavailable) && !errors.Is(err, routing.ErrCapacityExceeded) {
			return nil, rec, err
		}
		// Candidate changed between selection and commit; try the next one.
		lastErr = err
	}

	reason := rec.UnavailabilityReason
	if reason == "" {
		reason = "no candidate could take the conversation"
	}
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, rec, fmt.Errorf("%w: %s", routing.ErrAgentUnavailable, reason)
}

// CancelTransfer withdraws a pending transfer. The conversation returns to its
// previous owner, or to Unassigned if there was none.
func (c *Coordinator) CancelTransfer(ctx context.Context, conversationID, notes string, actor Actor) (*Result, error) {
	return c.closePending(ctx, conversationID, EventCancel, store.TransferCancelled, "", notes, actor)
}

// RejectTransfer records that agentID declined a pending transfer. The
// conversation is restored the same way as CancelTransfer.
func (c *Coordinator) RejectTransfer(ctx context.Context, conversationID, agentID, reason string, actor Actor) (*Result, error) {
	if agentID == "" {
		err := routing.Validation("agent id is required")
		c.observe(EventReject, &err)
		return nil, err
	}
	return c.closePending(ctx, conversationID, EventReject, store.TransferRejected, agentID, reason, actor)
}

func (c *Coordinator) closePending(ctx context.Context, conversationID string, ev Event, status store.TransferStatus,
	agentID, notes string, actor Actor) (res *Result, err error) {
	defer c.observe(ev, &err)

	err = c.withConversation(ctx, conversationID, actor, func(conv *store.Conversation) error {
		restore := unassigned
		if conv.AssignedAgentID != "" {
			restore = assigned
		}
		if err := checkTransition(conv.State, ev, restore); err != nil {
			return err
		}
		if err := c.authorize(ctx, ev, actor, conv, agentID); err != nil {
			return err
		}

		p, err := c.store.GetPendingTransfer(ctx, conv.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: pending transfer vanished", routing.ErrConcurrentModification)
		}
		if err != nil {
			return fmt.Errorf("reading pending transfer: %w", err)
		}

		now := c.clock.Now()
		p.Status = status
		p.ToAgentID = agentID
		p.CompletedAt = &now
		p.Notes = joinNotes(p.Notes, notes)

		next := *conv
		next.State = restore
		next.IsTransferRequested = false

		kind, action := notify.KindTransferCancelled, store.AuditCancelTransfer
		if ev == EventReject {
			kind, action = notify.KindTransferRejected, store.AuditRejectTransfer
		}
		commit := &store.Commit{
			Conversation:     &next,
			FinalizeTransfer: p,
			Audit: auditEntry(actor, action, map[string]any{
				"agent_id": agentID,
				"notes":    notes,
			}),
		}
		if err := c.commit(ctx, commit); err != nil {
			return err
		}

		res = c.result(&next, p)
		c.logger.Info("transfer closed",
			"conversation_id", conv.ID,
			"status", status,
			"restored_to", restore,
			"agent_id", agentID,
		)
		c.emit(kind, &next, p, agentID, conv.AssignedAgentID)
		return nil
	})
	return res, err
}

// Release returns an assigned conversation to the pool. A second release fails
// with ErrNotFound because nothing is assigned.
func (c *Coordinator) Release(ctx context.Context, conversationID, reason string, actor Actor) (*Result, error) {
	if reason == "" {
		reason = "released"
	}
	return c.release(ctx, conversationID, EventRelease, reason, "", actor)
}

// Complete releases a conversation the agent has finished, keeping notes on the log row.
func (c *Coordinator) Complete(ctx context.Context, conversationID, notes string, actor Actor) (*Result, error) {
	return c.release(ctx, conversationID, EventComplete, "completed", notes, actor)
}

func (c *Coordinator) release(ctx context.Context, conversationID string, ev Event, reason, notes string, actor Actor) (res *Result, err error) {
	defer c.observe(ev, &err)

	err = c.withConversation(ctx, conversationID, actor, func(conv *store.Conversation) error {
		if err := checkTransition(conv.State, ev, released); err != nil {
			return err
		}
		owner := conv.AssignedAgentID
		if err := c.authorize(ctx, ev, actor, conv, owner); err != nil {
			return err
		}

		now := c.clock.Now()
		next := *conv
		next.State = released
		next.AssignedAgentID = ""
		next.IsTransferRequested = false

		row := &store.Transfer{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			FromAgentID:    owner,
			Reason:         conv.TransferReason,
			Priority:       conv.Priority,
			Status:         store.TransferCompleted,
			Department:     conv.Department,
			RequestedBy:    actor.ID,
			TransferredAt:  now,
			CompletedAt:    &now,
			ReleasedAt:     &now,
			ReleaseReason:  reason,
			Notes:          notes,
		}
		kind, action := notify.KindReleased, store.AuditRelease
		if ev == EventComplete {
			kind, action = notify.KindCompleted, store.AuditComplete
		}
		commit := &store.Commit{
			Conversation:     &next,
			DecrementAgentID: owner,
			InsertTransfer:   row,
			Audit: auditEntry(actor, action, map[string]any{
				"agent_id": owner,
				"reason":   reason,
			}),
		}
		if err := c.commit(ctx, commit); err != nil {
			return err
		}

		res = c.result(&next, row)
		c.logger.Info("=== CONVERSATION RELEASED ===",
			"conversation_id", conv.ID,
			"agent_id", owner,
			"reason", reason,
		)
		c.emit(kind, &next, row, "", owner)
		return nil
	})
	return res, err
}

// ReleaseAgentConversations releases everything agentID owns. Used when its session expires.
func (c *Coordinator) ReleaseAgentConversations(ctx context.Context, agentID, reason string) (int, error) {
	convs, err := c.store.ListConversations(ctx, store.ConversationFilter{
		AssignedAgentID: agentID,
		State:           assigned,
		Limit:           1000,
	})
	if err != nil {
		return 0, fmt.Errorf("listing conversations for %s: %w", agentID, err)
	}

	n := 0
	var errs error
	for _, conv := range convs {
		if _, err := c.Release(ctx, conv.ID, reason, System); err != nil {
			errs = errors.Join(errs, fmt.Errorf("releasing %s: %w", conv.ID, err))
			continue
		}
		n++
	}
	return n, errs
}

// withConversation locks the conversation, loads it and runs fn.
func (c *Coordinator) withConversation(ctx context.Context, conversationID string, actor Actor, fn func(*store.Conversation) error) error {
	if conversationID == "" {
		return routing.Validation("conversation id is required")
	}

	unlock, err := c.locker.TryLock(ctx, "conversation:"+conversationID)
	if errors.Is(err, lock.ErrLocked) {
		return fmt.Errorf("%w: another transition on %s is in progress", routing.ErrConcurrentModification, conversationID)
	}
	if err != nil {
		return fmt.Errorf("locking conversation: %w", err)
	}
	defer unlock()

	conv, err := c.load(ctx, conversationID, actor)
	if err != nil {
		return err
	}
	return fn(conv)
}

func (c *Coordinator) load(ctx context.Context, conversationID string, actor Actor) (*store.Conversation, error) {
	if conversationID == "" {
		return nil, routing.Validation("conversation id is required")
	}
	conv, err := c.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", routing.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}
	if actor.TenantID != "" && conv.TenantID != actor.TenantID {
		return nil, fmt.Errorf("%w: %s", routing.ErrConversationNotFound, conversationID)
	}
	return conv, nil
}

// commit writes the transition and maps store failures onto the taxonomy.
func (c *Coordinator) commit(ctx context.Context, commit *store.Commit) error {
	err := c.store.CommitTransition(ctx, commit)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, store.ErrTransferFinalized),
		errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", routing.ErrConcurrentModification, err)
	case errors.Is(err, store.ErrCapacity):
		return fmt.Errorf("%w: %s", routing.ErrCapacityExceeded, commit.IncrementAgentID)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", routing.ErrNotFound, commit.Conversation.ID)
	default:
		return fmt.Errorf("committing transition: %w", err)
	}
}

func (c *Coordinator) authorize(ctx context.Context, ev Event, actor Actor, conv *store.Conversation, agentID string) error {
	if c.authz == nil {
		return nil
	}
	return c.authz.Authorize(ctx, Operation{
		Event:          ev,
		Actor:          actor,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		AgentID:        agentID,
		CurrentAgentID: conv.AssignedAgentID,
	})
}

func (c *Coordinator) result(conv *store.Conversation, row *store.Transfer) *Result {
	return &Result{Conversation: conv, Transfer: row, Status: projection.Project(conv)}
}

func (c *Coordinator) observe(ev Event, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = routing.Code(*errp)
	}
	c.metrics.Transition(string(ev), outcome)
}

// auditEntry is written by CommitTransition in the same transaction, which
// fills in the tenant, target, version, state and transfer ID.
func auditEntry(actor Actor, action store.AuditAction, detail map[string]any) *store.AuditEntry {
	return &store.AuditEntry{Actor: actor.ID, Action: action, Detail: detail}
}

func (c *Coordinator) emit(kind notify.Kind, conv *store.Conversation, row *store.Transfer, agentID, previous string) {
	if c.notify == nil {
		return
	}
	ev := notify.Event{
		Kind:            kind,
		TenantID:        conv.TenantID,
		ConversationID:  conv.ID,
		AgentID:         agentID,
		PreviousAgentID: previous,
		Status:          string(projection.Project(conv)),
		Version:         conv.Version,
		OccurredAt:      c.clock.Now(),
	}
	if row != nil {
		ev.TransferID = row.ID
		ev.Reason = string(row.Reason)
		if row.ReleaseReason != "" {
			ev.Reason = row.ReleaseReason
		}
		ev.Priority = string(row.Priority)
	}
	c.notify.Dispatch(ev)
}

func joinNotes(existing, more string) string {
	switch {
	case more == "":
		return existing
	case existing == "":
		return more
	default:
		return existing + "\n" + more
	}
}
