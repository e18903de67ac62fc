// ABOUTME: Tests for ownership transitions, serialization and counter bookkeeping
// ABOUTME: Runs the real tracker, engine and coordinator over the mock store with a fake clock

package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/assignment"
	"github.com/2389/handoff-gateway/internal/lock"
	"github.com/2389/handoff-gateway/internal/metrics"
	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/projection"
	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/store"
)

const tenant = "hotel-1"

type captured struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captured) Dispatch(ev notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captured) kinds() []notify.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]notify.Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type env struct {
	t       *testing.T
	store   *store.MockStore
	clock   *routing.FakeClock
	tracker *presence.Tracker
	engine  *assignment.Engine
	locker  *lock.Memory
	events  *captured
	metrics *metrics.Metrics
	coord   *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s := store.NewMockStore()
	clock := routing.NewFakeClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	tr := presence.NewTracker(s, presence.Options{LivenessWindow: 90 * time.Second, Clock: clock})
	eng := assignment.NewEngine(s, tr, assignment.Options{})
	locker := lock.NewMemory()
	events := &captured{}
	m := metrics.New()
	coord := NewCoordinator(s, eng, Options{
		Locker:   locker,
		Notifier: events,
		Clock:    clock,
		Metrics:  m,
	})
	return &env{t: t, store: s, clock: clock, tracker: tr, engine: eng, locker: locker, events: events, metrics: m, coord: coord}
}

func (e *env) agent(id, dept string, active, capacity int) {
	e.t.Helper()
	require.NoError(e.t, e.store.CreateAgent(e.t.Context(), &store.Agent{
		ID: id, TenantID: tenant, Name: id, Department: dept,
		MaxConcurrentChats: capacity, ActiveConversations: active,
	}))
	_, err := e.tracker.StartSession(e.t.Context(), id, "")
	require.NoError(e.t, err)
}

func (e *env) conversation(id, dept string) {
	e.t.Helper()
	require.NoError(e.t, e.store.UpsertConversation(e.t.Context(), &store.Conversation{
		ID: id, TenantID: tenant, Department: dept,
	}))
}

func (e *env) active(id string) int {
	e.t.Helper()
	a, err := e.store.GetAgent(e.t.Context(), id)
	require.NoError(e.t, err)
	return a.ActiveConversations
}

func (e *env) conv(id string) *store.Conversation {
	e.t.Helper()
	c, err := e.store.GetConversation(e.t.Context(), id)
	require.NoError(e.t, err)
	return c
}

func (e *env) transfers(convID string) []*store.Transfer {
	e.t.Helper()
	rows, err := e.store.ListTransfers(e.t.Context(), store.TransferFilter{ConversationID: convID})
	require.NoError(e.t, err)
	return rows
}

var admin = Actor{ID: "ops@hotel", Role: RoleAdmin, TenantID: tenant}

type authorizerFunc func(ctx context.Context, op Operation) error

func (f authorizerFunc) Authorize(ctx context.Context, op Operation) error { return f(ctx, op) }

// staleStore serves conversations one version behind, as if another writer had committed.
type staleStore struct {
	*store.MockStore
}

func (s staleStore) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	c, err := s.MockStore.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Version--
	return c, nil
}

func TestAssign_AtCapacity(t *testing.T) {
	e := newEnv(t)
	e.agent("A", "FrontDesk", 3, 3)
	e.conversation("c1", "FrontDesk")

	_, err := e.coord.Assign(t.Context(), "c1", "A", admin)
	require.ErrorIs(t, err, routing.ErrCapacityExceeded)

	c := e.conv("c1")
	assert.Equal(t, store.ConversationUnassigned, c.State)
	assert.Empty(t, c.AssignedAgentID)
	assert.Equal(t, int64(1), c.Version)
	assert.Equal(t, 3, e.active("A"))
	assert.Empty(t, e.transfers("c1"))
	assert.Empty(t, e.events.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Transitions().WithLabelValues("assign", "capacity_exceeded")))
}

func TestAssign_Succeeds(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 2, 3)
	e.conversation("c1", "FrontDesk")

	res, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusAssigned, res.Status)

	assert.Equal(t, 3, e.active("B"))
	c := e.conv("c1")
	assert.Equal(t, "B", c.AssignedAgentID)
	assert.Equal(t, store.ConversationAssigned, c.State)
	assert.Equal(t, projection.StatusAssigned, projection.Project(c))
	assert.NotNil(t, c.TransferCompletedAt)
	assert.NoError(t, projection.Check(c))

	rows := e.transfers("c1")
	require.Len(t, rows, 1)
	assert.Equal(t, "B", rows[0].ToAgentID)
	assert.Empty(t, rows[0].FromAgentID)
	assert.Equal(t, store.TransferCompleted, rows[0].Status)
	assert.Equal(t, c.Version, rows[0].CommitVersion)

	assert.Equal(t, []notify.Kind{notify.KindAssigned}, e.events.kinds())

	action := store.AuditAssign
	entries, err := e.store.ListAuditLog(t.Context(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, admin.ID, entries[0].Actor)
	assert.Equal(t, tenant, entries[0].TenantID)
	assert.Equal(t, "conversation", entries[0].TargetType)
	assert.Equal(t, "c1", entries[0].TargetID)
	assert.Equal(t, rows[0].ID, entries[0].Detail["transfer_id"])
	assert.Equal(t, "B", entries[0].Detail["agent_id"])
	assert.EqualValues(t, c.Version, entries[0].Detail["version"])
}

func TestAssign_CompletesPendingEmergencyTransfer(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "Security", 0, 3)
	e.conversation("c1", "")

	req, err := e.coord.RequestTransfer(t.Context(), "c1", Request{Reason: store.ReasonEmergencyHandoff}, Actor{ID: "bot", Role: RoleBot})
	require.NoError(t, err)
	assert.Equal(t, projection.StatusTransferRequested, req.Status)
	assert.Equal(t, store.PriorityEmergency, req.Transfer.Priority)
	assert.Equal(t, "Security", req.Transfer.Department)

	c := e.conv("c1")
	assert.Equal(t, store.ConversationPendingTransfer, c.State)
	assert.True(t, c.IsTransferRequested)
	assert.Equal(t, store.ReasonEmergencyHandoff, c.TransferReason)
	require.NotNil(t, c.TransferredAt)
	assert.Nil(t, c.TransferCompletedAt)

	e.clock.Advance(30 * time.Second)
	res, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)

	c = e.conv("c1")
	assert.Equal(t, store.ConversationAssigned, c.State)
	assert.False(t, c.IsTransferRequested)
	require.NotNil(t, c.TransferCompletedAt)
	assert.Equal(t, e.clock.Now(), *c.TransferCompletedAt)

	rows := e.transfers("c1")
	require.Len(t, rows, 1, "the pending row is completed in place")
	assert.Equal(t, req.Transfer.ID, rows[0].ID)
	assert.Equal(t, res.Transfer.ID, rows[0].ID)
	assert.Equal(t, store.TransferCompleted, rows[0].Status)
	assert.Equal(t, "B", rows[0].ToAgentID)
	assert.Equal(t, 1, e.active("B"))

	_, err = e.store.GetPendingTransfer(t.Context(), "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRelease_RoundTrip(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 1, 3)
	e.conversation("c1", "FrontDesk")

	_, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)
	require.Equal(t, 2, e.active("B"))

	res, err := e.coord.Release(t.Context(), "c1", "guest left", admin)
	require.NoError(t, err)
	assert.Equal(t, projection.StatusActive, res.Status)

	c := e.conv("c1")
	assert.Empty(t, c.AssignedAgentID)
	assert.Equal(t, store.ConversationReleased, c.State)
	assert.NoError(t, projection.Check(c))
	assert.Equal(t, 1, e.active("B"))

	rows := e.transfers("c1")
	require.Len(t, rows, 2, "release appends a row instead of editing the completed one")
	var rel *store.Transfer
	for _, r := range rows {
		if r.ReleasedAt != nil {
			rel = r
		}
	}
	require.NotNil(t, rel)
	assert.Equal(t, "B", rel.FromAgentID)
	assert.Empty(t, rel.ToAgentID)
	assert.Equal(t, "guest left", rel.ReleaseReason)

	_, err = e.coord.Release(t.Context(), "c1", "", admin)
	require.ErrorIs(t, err, routing.ErrNotFound)
	assert.Equal(t, 1, e.active("B"), "second release must not decrement again")
	assert.Len(t, e.transfers("c1"), 2)
}

func TestComplete_CarriesNotes(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)

	res, err := e.coord.Complete(t.Context(), "c1", "late checkout granted", Actor{ID: "B", Role: RoleAgent})
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Transfer.ReleaseReason)
	assert.Equal(t, "late checkout granted", res.Transfer.Notes)
	assert.Equal(t, 0, e.active("B"))
	assert.Contains(t, e.events.kinds(), notify.KindCompleted)
}

func TestAssign_ConcurrentCallsExactlyOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t)
		e.agent("X", "FrontDesk", 0, 3)
		e.agent("Y", "FrontDesk", 0, 3)
		e.conversation("c1", "FrontDesk")

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for j, agent := range []string{"X", "Y"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[j] = e.coord.Assign(context.Background(), "c1", agent, admin)
			}()
		}
		close(start)
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, routing.ErrConcurrentModification)
		}
		require.Equal(t, 1, wins)
		assert.Equal(t, 1, e.active("X")+e.active("Y"))
		assert.Len(t, e.transfers("c1"), 1)
	}
}

func TestAssign_LockHeldFailsFast(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")

	unlock, err := e.locker.TryLock(t.Context(), "conversation:c1")
	require.NoError(t, err)
	_, err = e.coord.Assign(t.Context(), "c1", "B", admin)
	assert.ErrorIs(t, err, routing.ErrConcurrentModification)
	unlock()

	// Other conversations are unaffected by a held lock.
	e.conversation("c2", "FrontDesk")
	_, err = e.coord.Assign(t.Context(), "c2", "B", admin)
	require.NoError(t, err)
}

func TestAssign_VersionConflict(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")

	stale := NewCoordinator(staleStore{e.store}, e.engine, Options{Clock: e.clock})
	_, err := stale.Assign(t.Context(), "c1", "B", admin)
	require.ErrorIs(t, err, routing.ErrConcurrentModification)
	assert.Equal(t, 0, e.active("B"))
	assert.Empty(t, e.transfers("c1"))
}

func TestAssign_AlreadyAssignedIsStaleView(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.agent("C", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)

	_, err = e.coord.Assign(t.Context(), "c1", "C", admin)
	assert.ErrorIs(t, err, routing.ErrConcurrentModification)
	assert.Equal(t, 0, e.active("C"))
}

func TestAssign_StaleAgentUnavailable(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	e.clock.Advance(2 * time.Minute)

	_, err := e.coord.Assign(t.Context(), "c1", "B", admin)
	assert.ErrorIs(t, err, routing.ErrAgentUnavailable)
	assert.Equal(t, store.ConversationUnassigned, e.conv("c1").State)
}

func TestAssign_Validation(t *testing.T) {
	e := newEnv(t)
	_, err := e.coord.Assign(t.Context(), "", "B", admin)
	assert.ErrorIs(t, err, routing.ErrValidation)
	_, err = e.coord.Assign(t.Context(), "c1", "", admin)
	assert.ErrorIs(t, err, routing.ErrValidation)
	_, err = e.coord.Assign(t.Context(), "missing", "B", admin)
	assert.ErrorIs(t, err, routing.ErrConversationNotFound)
}

func TestRequestTransfer_SinglePending(t *testing.T) {
	e := newEnv(t)
	e.conversation("c1", "FrontDesk")

	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	require.NoError(t, err)
	_, err = e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	assert.ErrorIs(t, err, routing.ErrConcurrentModification)

	pendingRows, err := e.store.ListTransfers(t.Context(), store.TransferFilter{ConversationID: "c1", Status: store.TransferPending})
	require.NoError(t, err)
	assert.Len(t, pendingRows, 1)
}

func TestRequestTransfer_Validation(t *testing.T) {
	e := newEnv(t)
	e.conversation("c1", "FrontDesk")

	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{Reason: "Boredom"}, admin)
	assert.ErrorIs(t, err, routing.ErrValidation)
	_, err = e.coord.RequestTransfer(t.Context(), "c1", Request{Priority: "Whenever"}, admin)
	assert.ErrorIs(t, err, routing.ErrValidation)
	assert.Equal(t, store.ConversationUnassigned, e.conv("c1").State)
}

func TestAgentHandoff_DecrementsOnlyOnCommit(t *testing.T) {
	e := newEnv(t)
	e.agent("A", "FrontDesk", 0, 3)
	e.agent("B", "Concierge", 0, 3)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "A", admin)
	require.NoError(t, err)

	_, err = e.coord.RequestTransfer(t.Context(), "c1",
		Request{Reason: store.ReasonSpecialistRequired, Department: "Concierge"}, Actor{ID: "A", Role: RoleAgent})
	require.NoError(t, err)

	c := e.conv("c1")
	assert.Equal(t, store.ConversationPendingTransfer, c.State)
	assert.Equal(t, "A", c.AssignedAgentID, "owner keeps it while the transfer is pending")
	assert.Equal(t, projection.StatusTransferRequested, projection.Project(c))
	assert.Equal(t, 1, e.active("A"), "capacity is not freed at request time")

	_, err = e.coord.Assign(t.Context(), "c1", "A", admin)
	assert.ErrorIs(t, err, routing.ErrValidation, "cannot hand off to the current owner")

	_, err = e.coord.Assign(t.Context(), "c1", "B", admin)
	require.NoError(t, err)
	assert.Equal(t, 0, e.active("A"))
	assert.Equal(t, 1, e.active("B"))

	rows := e.transfers("c1")
	require.Len(t, rows, 2)
	counts, err := e.store.ActiveCountsFromLog(t.Context())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"B": 1}, counts)
}

func TestCancelTransfer_RestoresOwner(t *testing.T) {
	e := newEnv(t)
	e.agent("A", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "A", admin)
	require.NoError(t, err)
	_, err = e.coord.RequestTransfer(t.Context(), "c1", Request{}, Actor{ID: "A", Role: RoleAgent})
	require.NoError(t, err)

	res, err := e.coord.CancelTransfer(t.Context(), "c1", "guest calmed down", admin)
	require.NoError(t, err)
	assert.Equal(t, store.TransferCancelled, res.Transfer.Status)
	assert.Equal(t, "guest calmed down", res.Transfer.Notes)

	c := e.conv("c1")
	assert.Equal(t, store.ConversationAssigned, c.State)
	assert.Equal(t, "A", c.AssignedAgentID)
	assert.False(t, c.IsTransferRequested)
	assert.Equal(t, 1, e.active("A"))

	_, err = e.coord.CancelTransfer(t.Context(), "c1", "", admin)
	assert.ErrorIs(t, err, routing.ErrInvalidTransition)
}

func TestRejectTransfer_RestoresUnassigned(t *testing.T) {
	e := newEnv(t)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	require.NoError(t, err)

	_, err = e.coord.RejectTransfer(t.Context(), "c1", "", "busy", admin)
	assert.ErrorIs(t, err, routing.ErrValidation)

	res, err := e.coord.RejectTransfer(t.Context(), "c1", "B", "off shift", admin)
	require.NoError(t, err)
	assert.Equal(t, store.TransferRejected, res.Transfer.Status)
	assert.Equal(t, "B", res.Transfer.ToAgentID)
	assert.Equal(t, store.ConversationUnassigned, e.conv("c1").State)
	assert.Contains(t, e.events.kinds(), notify.KindTransferRejected)

	// A new request is possible once the old one is closed.
	_, err = e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	require.NoError(t, err)
}

func TestRelease_PendingIsInvalid(t *testing.T) {
	e := newEnv(t)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	require.NoError(t, err)

	_, err = e.coord.Release(t.Context(), "c1", "", admin)
	assert.ErrorIs(t, err, routing.ErrInvalidTransition)
}

func TestHandleTransfer_RoutesToLeastLoaded(t *testing.T) {
	e := newEnv(t)
	e.agent("busy", "FrontDesk", 2, 3)
	e.agent("free", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{}, admin)
	require.NoError(t, err)

	res, rec, err := e.coord.HandleTransfer(t.Context(), "c1", admin)
	require.NoError(t, err)
	assert.Equal(t, "free", res.Conversation.AssignedAgentID)
	assert.Equal(t, assignment.ImmediateTransfer, rec.Strategy)
	assert.Equal(t, 1, e.active("free"))
}

func TestHandleTransfer_UsesPendingDepartment(t *testing.T) {
	e := newEnv(t)
	e.agent("desk", "FrontDesk", 0, 3)
	e.agent("guard", "Security", 1, 3)
	e.conversation("c1", "")
	_, err := e.coord.RequestTransfer(t.Context(), "c1", Request{Reason: store.ReasonEmergencyHandoff}, admin)
	require.NoError(t, err)

	res, _, err := e.coord.HandleTransfer(t.Context(), "c1", admin)
	require.NoError(t, err)
	assert.Equal(t, "guard", res.Conversation.AssignedAgentID)
}

func TestHandleTransfer_NoCandidates(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.CreateAgent(t.Context(), &store.Agent{
		ID: "offline", TenantID: tenant, Department: "FrontDesk", MaxConcurrentChats: 3,
	}))
	e.conversation("c1", "FrontDesk")

	res, rec, err := e.coord.HandleTransfer(t.Context(), "c1", admin)
	require.ErrorIs(t, err, routing.ErrAgentUnavailable)
	assert.Nil(t, res)
	require.NotNil(t, rec)
	assert.Equal(t, assignment.CreateTicket, rec.Strategy)
	assert.Equal(t, store.ConversationUnassigned, e.conv("c1").State)
}

func TestPolicyDenial(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")

	denyAgents := authorizerFunc(func(_ context.Context, op Operation) error {
		if op.Actor.Role == RoleAgent && op.Event == EventAssign && op.AgentID != op.Actor.ID {
			return routing.ErrPolicyDenied
		}
		return nil
	})
	coord := NewCoordinator(e.store, e.engine, Options{Clock: e.clock, Authorizer: denyAgents})

	_, err := coord.Assign(t.Context(), "c1", "B", Actor{ID: "C", Role: RoleAgent, TenantID: tenant})
	require.ErrorIs(t, err, routing.ErrPolicyDenied)
	assert.Equal(t, 0, e.active("B"))

	_, err = coord.Assign(t.Context(), "c1", "B", Actor{ID: "B", Role: RoleAgent, TenantID: tenant})
	require.NoError(t, err)
}

func TestTenantScoping(t *testing.T) {
	e := newEnv(t)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")

	_, err := e.coord.Assign(t.Context(), "c1", "B", Actor{ID: "ops", Role: RoleAdmin, TenantID: "hotel-2"})
	assert.ErrorIs(t, err, routing.ErrConversationNotFound)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	e.agent("A", "FrontDesk", 0, 3)
	e.agent("B", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	e.conversation("c2", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "A", admin)
	require.NoError(t, err)
	_, err = e.coord.Assign(t.Context(), "c2", "A", admin)
	require.NoError(t, err)
	_, err = e.coord.Release(t.Context(), "c2", "", admin)
	require.NoError(t, err)

	require.NoError(t, e.store.SetActiveConversations(t.Context(), "A", 3))
	require.NoError(t, e.store.SetActiveConversations(t.Context(), "B", 1))

	report, err := e.coord.Reconcile(t.Context(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.ElementsMatch(t, []Drift{
		{AgentID: "A", Stored: 3, Derived: 1},
		{AgentID: "B", Stored: 1, Derived: 0},
	}, report.Drifted)
	assert.Zero(t, report.Repaired)
	assert.Equal(t, 3, e.active("A"))

	report, err = e.coord.Reconcile(t.Context(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Equal(t, 1, e.active("A"))
	assert.Equal(t, 0, e.active("B"))

	action := store.AuditRepairCounter
	entries, err := e.store.ListAuditLog(t.Context(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	report, err = e.coord.Reconcile(t.Context(), true)
	require.NoError(t, err)
	assert.Empty(t, report.Drifted)
}

// interleavedStore runs before once, the first time the hooked method is called.
type interleavedStore struct {
	*store.MockStore
	hook   string
	before func()
	fired  bool
}

func (s *interleavedStore) fire(method string) {
	if s.hook == method && !s.fired {
		s.fired = true
		s.before()
	}
}

func (s *interleavedStore) ListAgents(ctx context.Context, f store.AgentFilter) ([]*store.Agent, error) {
	s.fire("ListAgents")
	return s.MockStore.ListAgents(ctx, f)
}

func (s *interleavedStore) RepairActiveConversations(ctx context.Context, agentID string, audit *store.AuditEntry) (*store.CounterRepair, error) {
	s.fire("RepairActiveConversations")
	return s.MockStore.RepairActiveConversations(ctx, agentID, audit)
}

func TestReconcile_RepairRacingAssign(t *testing.T) {
	for _, hook := range []string{"ListAgents", "RepairActiveConversations"} {
		t.Run(hook, func(t *testing.T) {
			e := newEnv(t)
			e.agent("A", "FrontDesk", 0, 3)
			for _, id := range []string{"c1", "c2", "c3", "c4"} {
				e.conversation(id, "FrontDesk")
			}
			for _, id := range []string{"c1", "c2"} {
				_, err := e.coord.Assign(t.Context(), id, "A", admin)
				require.NoError(t, err)
			}
			require.NoError(t, e.store.SetActiveConversations(t.Context(), "A", 0))

			racy := &interleavedStore{MockStore: e.store, hook: hook}
			racy.before = func() {
				_, err := e.coord.Assign(t.Context(), "c3", "A", admin)
				require.NoError(t, err)
			}
			reconciler := NewCoordinator(racy, e.engine, Options{Locker: e.locker, Clock: e.clock, Metrics: metrics.New()})

			report, err := reconciler.Reconcile(t.Context(), true)
			require.NoError(t, err)
			require.True(t, racy.fired)
			assert.Equal(t, 1, report.Repaired)

			counts, err := e.store.ActiveCountsFromLog(t.Context())
			require.NoError(t, err)
			assert.Equal(t, 3, counts["A"])
			assert.Equal(t, 3, e.active("A"), "repair must count the assign that committed alongside it")

			_, err = e.coord.Assign(t.Context(), "c4", "A", admin)
			assert.ErrorIs(t, err, routing.ErrCapacityExceeded)
			assert.Equal(t, store.ConversationUnassigned, e.conv("c4").State)
			assert.Equal(t, 3, e.active("A"))
		})
	}
}

func TestExpiryHook_ReleasesConversations(t *testing.T) {
	e := newEnv(t)
	e.agent("A", "FrontDesk", 0, 3)
	e.conversation("c1", "FrontDesk")
	e.conversation("c2", "FrontDesk")
	_, err := e.coord.Assign(t.Context(), "c1", "A", admin)
	require.NoError(t, err)
	_, err = e.coord.Assign(t.Context(), "c2", "A", admin)
	require.NoError(t, err)

	e.tracker.OnExpire(e.coord.ExpiryHook())
	e.clock.Advance(2 * time.Minute)

	res, err := e.tracker.Sweep(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Zero(t, res.Failed)

	assert.Equal(t, store.ConversationReleased, e.conv("c1").State)
	assert.Equal(t, store.ConversationReleased, e.conv("c2").State)
	assert.Equal(t, 0, e.active("A"))

	reasons := []string{}
	for _, r := range e.transfers("c1") {
		reasons = append(reasons, r.ReleaseReason)
	}
	assert.Contains(t, reasons, ExpiredSessionReason)
}

func TestNoNotificationOnFailure(t *testing.T) {
	e := newEnv(t)
	e.conversation("c1", "FrontDesk")
	_, err := e.coord.Release(t.Context(), "c1", "", admin)
	require.Error(t, err)
	assert.Empty(t, e.events.kinds())
	assert.True(t, errors.Is(err, routing.ErrNotFound))
}
