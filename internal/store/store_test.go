// ABOUTME: Behavioural tests run against both SQLStore (temp SQLite file) and MockStore
// ABOUTME: Covers sessions, conversation CAS commits, capacity guard, pending uniqueness and log-derived counts

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// eachStore runs fn against both implementations.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sql", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func seedAgent(t *testing.T, s Store, id string, max, active int) {
	t.Helper()
	require.NoError(t, s.CreateAgent(context.Background(), &Agent{
		ID:                  id,
		TenantID:            "hotel-1",
		Name:                "Agent " + id,
		Department:          "FrontDesk",
		Skills:              []string{"english"},
		MaxConcurrentChats:  max,
		ActiveConversations: active,
	}))
}

func seedConversation(t *testing.T, s Store, id string) *Conversation {
	t.Helper()
	c := &Conversation{ID: id, TenantID: "hotel-1", Department: "FrontDesk"}
	require.NoError(t, s.UpsertConversation(context.Background(), c))
	return c
}

func TestStore_AgentRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a1", 3, 0)

		got, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "hotel-1", got.TenantID)
		assert.Equal(t, []string{"english"}, got.Skills)
		assert.Equal(t, AgentOffline, got.State)
		assert.Equal(t, 3, got.MaxConcurrentChats)

		err = s.CreateAgent(ctx, &Agent{ID: "a1", TenantID: "hotel-1", Name: "dup", MaxConcurrentChats: 1})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.GetAgent(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListAgentsFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a1", 3, 0)
		require.NoError(t, s.CreateAgent(ctx, &Agent{
			ID: "a2", TenantID: "hotel-1", Name: "Housekeeper", Department: "Housekeeping", MaxConcurrentChats: 2,
		}))
		require.NoError(t, s.CreateAgent(ctx, &Agent{
			ID: "b1", TenantID: "hotel-2", Name: "Other", Department: "FrontDesk", MaxConcurrentChats: 2,
		}))

		all, err := s.ListAgents(ctx, AgentFilter{TenantID: "hotel-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		fd, err := s.ListAgents(ctx, AgentFilter{TenantID: "hotel-1", Department: "FrontDesk"})
		require.NoError(t, err)
		require.Len(t, fd, 1)
		assert.Equal(t, "a1", fd[0].ID)
	})
}

func TestStore_SessionLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a1", 3, 0)
		now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		sess := &AgentSession{ID: "s1", AgentID: "a1", State: AgentAvailable, SessionStarted: now, LastHeartbeat: now}
		require.NoError(t, s.OpenSession(ctx, sess))
		assert.Equal(t, "hotel-1", sess.TenantID)

		agent, err := s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, AgentAvailable, agent.State)

		dup := &AgentSession{ID: "s2", AgentID: "a1", State: AgentAvailable, SessionStarted: now, LastHeartbeat: now}
		assert.ErrorIs(t, s.OpenSession(ctx, dup), ErrDuplicate)

		busy := AgentBusy
		require.NoError(t, s.TouchSession(ctx, "s1", now.Add(30*time.Second), &busy, nil))
		open, err := s.GetOpenSession(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, AgentBusy, open.State)
		assert.True(t, open.LastHeartbeat.Equal(now.Add(30*time.Second)))

		require.NoError(t, s.CloseSession(ctx, "s1", now.Add(time.Minute), "logout"))
		closed, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, closed.Open())
		assert.Equal(t, "logout", closed.EndReason)

		agent, err = s.GetAgent(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, AgentOffline, agent.State)

		assert.ErrorIs(t, s.TouchSession(ctx, "s1", now, nil, nil), ErrNotFound)
		assert.ErrorIs(t, s.CloseSession(ctx, "s1", now, "again"), ErrNotFound)
		_, err = s.GetOpenSession(ctx, "a1")
		assert.ErrorIs(t, err, ErrNotFound)

		// A new session may open once the previous one is closed.
		require.NoError(t, s.OpenSession(ctx, dup))
	})
}

func TestStore_OpenSession_UnknownAgent(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		err := s.OpenSession(context.Background(), &AgentSession{
			ID: "s1", AgentID: "ghost", State: AgentAvailable, SessionStarted: now, LastHeartbeat: now,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UpsertConversation_KeepsAssignment(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s, "c1")
		assert.Equal(t, ConversationUnassigned, c.State)
		assert.Equal(t, int64(1), c.Version)
		assert.Equal(t, PriorityNormal, c.Priority)

		update := &Conversation{ID: "c1", TenantID: "hotel-1", Department: "Concierge", Priority: PriorityHigh}
		require.NoError(t, s.UpsertConversation(ctx, update))

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Concierge", got.Department)
		assert.Equal(t, PriorityHigh, got.Priority)
		assert.Equal(t, ConversationUnassigned, got.State)
		assert.Equal(t, int64(1), got.Version)

		err = s.UpsertConversation(ctx, &Conversation{ID: "c1", TenantID: "hotel-9"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func assignCommit(c *Conversation, agentID string, now time.Time) *Commit {
	next := *c
	next.State = ConversationAssigned
	next.AssignedAgentID = agentID
	next.TransferCompletedAt = &now
	return &Commit{
		Conversation:     &next,
		IncrementAgentID: agentID,
		InsertTransfer: &Transfer{
			TenantID:       c.TenantID,
			ConversationID: c.ID,
			ToAgentID:      agentID,
			Reason:         ReasonUserRequested,
			Status:         TransferCompleted,
			CompletedAt:    &now,
		},
	}
}

func TestStore_CommitTransition_Assign(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "b", 3, 2)
		c := seedConversation(t, s, "c1")
		now := time.Now().UTC()

		commit := assignCommit(c, "b", now)
		require.NoError(t, s.CommitTransition(ctx, commit))
		assert.Equal(t, int64(2), commit.Conversation.Version)
		assert.Equal(t, int64(2), commit.InsertTransfer.CommitVersion)

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, ConversationAssigned, got.State)
		assert.Equal(t, "b", got.AssignedAgentID)
		assert.Equal(t, int64(2), got.Version)

		agent, err := s.GetAgent(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 3, agent.ActiveConversations)

		rows, err := s.ListTransfers(ctx, TransferFilter{ConversationID: "c1"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, TransferCompleted, rows[0].Status)
		assert.Equal(t, "b", rows[0].ToAgentID)
		assert.Empty(t, rows[0].FromAgentID)
	})
}

func TestStore_CommitTransition_VersionConflict(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "x", 3, 0)
		seedAgent(t, s, "y", 3, 0)
		c := seedConversation(t, s, "c1")
		now := time.Now().UTC()

		require.NoError(t, s.CommitTransition(ctx, assignCommit(c, "x", now)))
		err := s.CommitTransition(ctx, assignCommit(c, "y", now))
		assert.ErrorIs(t, err, ErrVersionConflict)

		y, err := s.GetAgent(ctx, "y")
		require.NoError(t, err)
		assert.Equal(t, 0, y.ActiveConversations)

		rows, err := s.ListTransfers(ctx, TransferFilter{ConversationID: "c1"})
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})
}

func TestStore_CommitTransition_CapacityRollsBack(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a", 3, 3)
		c := seedConversation(t, s, "c1")

		err := s.CommitTransition(ctx, assignCommit(c, "a", time.Now().UTC()))
		assert.ErrorIs(t, err, ErrCapacity)

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, ConversationUnassigned, got.State)
		assert.Equal(t, int64(1), got.Version)

		rows, err := s.ListTransfers(ctx, TransferFilter{ConversationID: "c1"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})
}

func TestStore_CommitTransition_SinglePendingRow(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		c := seedConversation(t, s, "c1")
		now := time.Now().UTC()

		pending := func(conv *Conversation) *Commit {
			next := *conv
			next.State = ConversationPendingTransfer
			next.IsTransferRequested = true
			next.TransferReason = ReasonEmergencyHandoff
			next.TransferredAt = &now
			return &Commit{
				Conversation: &next,
				InsertTransfer: &Transfer{
					TenantID: conv.TenantID, ConversationID: conv.ID,
					Reason: ReasonEmergencyHandoff, Status: TransferPending,
				},
			}
		}

		first := pending(c)
		require.NoError(t, s.CommitTransition(ctx, first))

		// Even with a fresh version, a second pending row is rejected.
		second := pending(first.Conversation)
		assert.ErrorIs(t, s.CommitTransition(ctx, second), ErrDuplicate)

		row, err := s.GetPendingTransfer(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, first.InsertTransfer.ID, row.ID)

		got, err := s.GetConversation(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestStore_CommitTransition_FinalizePending(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "b", 3, 0)
		c := seedConversation(t, s, "c1")
		now := time.Now().UTC()

		req := *c
		req.State = ConversationPendingTransfer
		req.IsTransferRequested = true
		open := &Commit{Conversation: &req, InsertTransfer: &Transfer{
			TenantID: "hotel-1", ConversationID: "c1", Reason: ReasonEmergencyHandoff, Status: TransferPending,
		}}
		require.NoError(t, s.CommitTransition(ctx, open))

		done := *open.Conversation
		done.State = ConversationAssigned
		done.AssignedAgentID = "b"
		done.IsTransferRequested = false
		done.TransferCompletedAt = &now
		finalized := *open.InsertTransfer
		finalized.Status = TransferCompleted
		finalized.ToAgentID = "b"
		finalized.CompletedAt = &now
		require.NoError(t, s.CommitTransition(ctx, &Commit{
			Conversation: &done, IncrementAgentID: "b", FinalizeTransfer: &finalized,
		}))

		row, err := s.GetTransfer(ctx, open.InsertTransfer.ID)
		require.NoError(t, err)
		assert.Equal(t, TransferCompleted, row.Status)
		assert.Equal(t, "b", row.ToAgentID)
		assert.Equal(t, int64(3), row.CommitVersion)

		_, err = s.GetPendingTransfer(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Completed rows cannot be finalized again.
		again := done
		err = s.CommitTransition(ctx, &Commit{Conversation: &again, FinalizeTransfer: &finalized})
		assert.ErrorIs(t, err, ErrTransferFinalized)
	})
}

func TestStore_ActiveCountsFromLog(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a", 3, 0)
		seedAgent(t, s, "b", 3, 0)
		now := time.Now().UTC()

		c1 := seedConversation(t, s, "c1")
		c2 := seedConversation(t, s, "c2")
		commit1 := assignCommit(c1, "a", now)
		require.NoError(t, s.CommitTransition(ctx, commit1))
		require.NoError(t, s.CommitTransition(ctx, assignCommit(c2, "a", now)))

		// Release c1: the latest completed row now points at nobody.
		released := *commit1.Conversation
		released.State = ConversationUnassigned
		released.AssignedAgentID = ""
		require.NoError(t, s.CommitTransition(ctx, &Commit{
			Conversation:     &released,
			DecrementAgentID: "a",
			InsertTransfer: &Transfer{
				TenantID: "hotel-1", ConversationID: "c1", FromAgentID: "a",
				Reason: ReasonUserRequested, Status: TransferCompleted,
				ReleasedAt: &now, ReleaseReason: "resolved",
			},
		}))

		counts, err := s.ActiveCountsFromLog(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a": 1}, counts)

		agent, err := s.GetAgent(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, agent.ActiveConversations)
	})
}

func TestStore_CommitTransition_WritesAudit(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a", 3, 0)
		c := seedConversation(t, s, "c1")

		commit := assignCommit(c, "a", time.Now().UTC())
		commit.Audit = &AuditEntry{Actor: "admin-1", Action: AuditAssign, Detail: map[string]any{"agent_id": "a"}}
		require.NoError(t, s.CommitTransition(ctx, commit))

		entries, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		e := entries[0]
		assert.Equal(t, "hotel-1", e.TenantID)
		assert.Equal(t, "conversation", e.TargetType)
		assert.Equal(t, "c1", e.TargetID)
		assert.Equal(t, commit.InsertTransfer.ID, e.Detail["transfer_id"])
		assert.Equal(t, string(ConversationAssigned), e.Detail["state"])
		assert.EqualValues(t, commit.Conversation.Version, e.Detail["version"])

		// A rejected commit leaves no audit row behind.
		stale := assignCommit(c, "a", time.Now().UTC())
		stale.Audit = &AuditEntry{Actor: "admin-1", Action: AuditAssign}
		assert.ErrorIs(t, s.CommitTransition(ctx, stale), ErrVersionConflict)

		entries, err = s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestStore_RepairActiveConversations(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedAgent(t, s, "a", 3, 0)
		now := time.Now().UTC()
		for _, id := range []string{"c1", "c2"} {
			require.NoError(t, s.CommitTransition(ctx, assignCommit(seedConversation(t, s, id), "a", now)))
		}
		require.NoError(t, s.SetActiveConversations(ctx, "a", 0))

		r, err := s.RepairActiveConversations(ctx, "a", &AuditEntry{Actor: "system", Action: AuditRepairCounter})
		require.NoError(t, err)
		assert.Equal(t, &CounterRepair{Stored: 0, Derived: 2, Repaired: true}, r)

		agent, err := s.GetAgent(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, agent.ActiveConversations)

		action := AuditRepairCounter
		entries, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "agent", entries[0].TargetType)
		assert.Equal(t, "a", entries[0].TargetID)
		assert.Equal(t, "hotel-1", entries[0].TenantID)
		assert.EqualValues(t, 0, entries[0].Detail["stored"])
		assert.EqualValues(t, 2, entries[0].Detail["derived"])

		// Nothing to repair the second time, and no audit row.
		r, err = s.RepairActiveConversations(ctx, "a", &AuditEntry{Actor: "system", Action: AuditRepairCounter})
		require.NoError(t, err)
		assert.False(t, r.Repaired)
		entries, err = s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		assert.Len(t, entries, 1)

		_, err = s.RepairActiveConversations(ctx, "missing", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_AuditLog(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			TenantID: "hotel-1", Actor: "admin-1", Action: AuditAssign,
			TargetType: "conversation", TargetID: "c1", Timestamp: base,
			Detail: map[string]any{"agent_id": "b"},
		}))
		require.NoError(t, s.AppendAuditLog(ctx, &AuditEntry{
			TenantID: "hotel-1", Actor: "system", Action: AuditExpireSession,
			TargetType: "session", TargetID: "s1", Timestamp: base.Add(time.Minute),
		}))

		all, err := s.ListAuditLog(ctx, AuditFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, AuditExpireSession, all[0].Action)
		assert.NotEmpty(t, all[1].ID)
		assert.Equal(t, "b", all[1].Detail["agent_id"])

		action := AuditAssign
		only, err := s.ListAuditLog(ctx, AuditFilter{Action: &action})
		require.NoError(t, err)
		require.Len(t, only, 1)
		assert.Equal(t, "c1", only[0].TargetID)
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{postgres: true}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &SQLStore{}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}
