// ABOUTME: Mock Store implementation for testing
// ABOUTME: Mirrors SQLStore semantics (version CAS, capacity guard, single pending row) without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	agents        map[string]*Agent
	sessions      map[string]*AgentSession
	conversations map[string]*Conversation
	transfers     map[string]*Transfer
	audit         []AuditEntry
}

// Compile-time check
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:        make(map[string]*Agent),
		sessions:      make(map[string]*AgentSession),
		conversations: make(map[string]*Conversation),
		transfers:     make(map[string]*Transfer),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

func copyAgent(a *Agent) *Agent {
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	return &c
}

func copySession(s *AgentSession) *AgentSession {
	c := *s
	if s.SessionEnded != nil {
		t := *s.SessionEnded
		c.SessionEnded = &t
	}
	return &c
}

func copyConversation(cv *Conversation) *Conversation {
	c := *cv
	c.RequiredSkills = append([]string(nil), cv.RequiredSkills...)
	return &c
}

func copyTransfer(t *Transfer) *Transfer {
	c := *t
	return &c
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[a.ID]; ok {
		return ErrDuplicate
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.UpdatedAt = a.CreatedAt
	if a.State == "" {
		a.State = AgentOffline
	}
	m.agents[a.ID] = copyAgent(a)
	return nil
}

// UpdateAgentProfile applies staff directory fields.
func (m *MockStore) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.agents[a.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = a.Name
	existing.Email = a.Email
	existing.Department = a.Department
	existing.Skills = append([]string(nil), a.Skills...)
	existing.MaxConcurrentChats = a.MaxConcurrentChats
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgents returns agents matching the filter ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Agent{}
	for _, a := range m.agents {
		if f.TenantID != "" && a.TenantID != f.TenantID {
			continue
		}
		if f.Department != "" && a.Department != f.Department {
			continue
		}
		if f.State != "" && a.State != f.State {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetAgentState records a presence state change.
func (m *MockStore) SetAgentState(ctx context.Context, agentID string, state AgentState, statusMessage string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.State = state
	a.StatusMessage = statusMessage
	a.LastActivity = at
	a.UpdatedAt = at
	return nil
}

// SetActiveConversations overwrites the agent's counter.
func (m *MockStore) SetActiveConversations(ctx context.Context, agentID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.ActiveConversations = n
	return nil
}

// OpenSession stores a session and marks the agent with its state.
func (m *MockStore) OpenSession(ctx context.Context, sess *AgentSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[sess.AgentID]
	if !ok {
		return ErrNotFound
	}
	for _, existing := range m.sessions {
		if existing.AgentID == sess.AgentID && existing.Open() {
			return ErrDuplicate
		}
	}

	sess.TenantID = a.TenantID
	sess.ActiveConversations = a.ActiveConversations
	m.sessions[sess.ID] = copySession(sess)

	a.State = sess.State
	a.StatusMessage = sess.StatusMessage
	a.LastActivity = sess.SessionStarted
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// GetOpenSession returns the agent's open session.
func (m *MockStore) GetOpenSession(ctx context.Context, agentID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.AgentID == agentID && s.Open() {
			return copySession(s), nil
		}
	}
	return nil, ErrNotFound
}

// TouchSession refreshes an open session's heartbeat.
func (m *MockStore) TouchSession(ctx context.Context, id string, at time.Time, state *AgentState, statusMessage *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.Open() {
		return ErrNotFound
	}
	s.LastHeartbeat = at
	if state != nil {
		s.State = *state
	}
	if statusMessage != nil {
		s.StatusMessage = *statusMessage
	}
	if a, ok := m.agents[s.AgentID]; ok {
		a.State = s.State
		a.StatusMessage = s.StatusMessage
		a.LastActivity = at
	}
	return nil
}

// CloseSession ends an open session and marks the agent Offline.
func (m *MockStore) CloseSession(ctx context.Context, id string, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.Open() {
		return ErrNotFound
	}
	ended := at
	s.SessionEnded = &ended
	s.EndReason = reason
	s.State = AgentOffline
	if a, ok := m.agents[s.AgentID]; ok {
		a.State = AgentOffline
	}
	return nil
}

// ListOpenSessions returns every open session, oldest heartbeat first.
func (m *MockStore) ListOpenSessions(ctx context.Context) ([]*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*AgentSession{}
	for _, s := range m.sessions {
		if s.Open() {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.Before(out[j].LastHeartbeat) })
	return out, nil
}

// UpsertConversation registers or refreshes a conversation's routing metadata.
func (m *MockStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}

	existing, ok := m.conversations[c.ID]
	if !ok {
		c.State = ConversationUnassigned
		c.AssignedAgentID = ""
		c.IsTransferRequested = false
		c.Version = 1
		c.CreatedAt = now
		c.UpdatedAt = now
		m.conversations[c.ID] = copyConversation(c)
		return nil
	}
	if existing.TenantID != c.TenantID {
		return fmt.Errorf("%w: conversation %s belongs to another tenant", ErrDuplicate, c.ID)
	}

	existing.Department = c.Department
	existing.RequiredSkills = append([]string(nil), c.RequiredSkills...)
	existing.Priority = c.Priority
	existing.TransferSummary = c.TransferSummary
	existing.UpdatedAt = now
	*c = *copyConversation(existing)
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// ListConversations returns conversations matching the filter.
func (m *MockStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Conversation{}
	for _, c := range m.conversations {
		if f.TenantID != "" && c.TenantID != f.TenantID {
			continue
		}
		if f.State != "" && c.State != f.State {
			continue
		}
		if f.AssignedAgentID != "" && c.AssignedAgentID != f.AssignedAgentID {
			continue
		}
		out = append(out, copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitTransition applies a transition with the same checks as SQLStore, all or nothing.
func (m *MockStore) CommitTransition(ctx context.Context, c *Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := c.Conversation
	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != conv.Version {
		return ErrVersionConflict
	}

	// Validate everything before mutating anything.
	var inc *Agent
	if c.IncrementAgentID != "" {
		inc, ok = m.agents[c.IncrementAgentID]
		if !ok {
			return ErrNotFound
		}
		if inc.ActiveConversations >= inc.MaxConcurrentChats {
			return ErrCapacity
		}
	}
	var finalize *Transfer
	if c.FinalizeTransfer != nil {
		finalize, ok = m.transfers[c.FinalizeTransfer.ID]
		if !ok || finalize.Status != TransferPending {
			return ErrTransferFinalized
		}
	}
	if t := c.InsertTransfer; t != nil {
		if _, ok := m.transfers[t.ID]; ok && t.ID != "" {
			return ErrDuplicate
		}
		if t.Status == TransferPending {
			for _, other := range m.transfers {
				if other.ConversationID == t.ConversationID && other.Status == TransferPending &&
					(finalize == nil || other.ID != finalize.ID) {
					return ErrDuplicate
				}
			}
		}
	}

	now := time.Now().UTC()
	newVersion := conv.Version + 1

	if t := c.InsertTransfer; t != nil && t.ID == "" {
		t.ID = uuid.New().String()
	}
	if c.Audit != nil {
		fillCommitAudit(c, newVersion)
		if _, err := newAuditEntry(c.Audit); err != nil {
			return err
		}
	}

	if inc != nil {
		inc.ActiveConversations++
	}
	if c.DecrementAgentID != "" {
		if dec, ok := m.agents[c.DecrementAgentID]; ok && dec.ActiveConversations > 0 {
			dec.ActiveConversations--
		}
	}
	if finalize != nil {
		f := c.FinalizeTransfer
		finalize.Status = f.Status
		finalize.ToAgentID = f.ToAgentID
		finalize.CompletedAt = f.CompletedAt
		finalize.Notes = f.Notes
		finalize.CommitVersion = newVersion
		f.CommitVersion = newVersion
	}
	if t := c.InsertTransfer; t != nil {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.TransferredAt.IsZero() {
			t.TransferredAt = now
		}
		if t.Priority == "" {
			t.Priority = PriorityNormal
		}
		t.CommitVersion = newVersion
		m.transfers[t.ID] = copyTransfer(t)
	}

	if c.Audit != nil {
		m.audit = append(m.audit, *c.Audit)
	}

	conv.Version = newVersion
	conv.UpdatedAt = now
	stored := copyConversation(conv)
	stored.CreatedAt = existing.CreatedAt
	m.conversations[conv.ID] = stored
	return nil
}

// GetTransfer retrieves a transfer by ID.
func (m *MockStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTransfer(t), nil
}

// GetPendingTransfer returns the conversation's pending row.
func (m *MockStore) GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.transfers {
		if t.ConversationID == conversationID && t.Status == TransferPending {
			return copyTransfer(t), nil
		}
	}
	return nil, ErrNotFound
}

// ListTransfers returns transfers matching the filter, newest first.
func (m *MockStore) ListTransfers(ctx context.Context, f TransferFilter) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []*Transfer{}
	for _, t := range m.transfers {
		if f.TenantID != "" && t.TenantID != f.TenantID {
			continue
		}
		if f.ConversationID != "" && t.ConversationID != f.ConversationID {
			continue
		}
		if f.AgentID != "" && t.FromAgentID != f.AgentID && t.ToAgentID != f.AgentID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, copyTransfer(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CommitVersion > out[j].CommitVersion
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ActiveCountsFromLog derives per-agent counts from the latest Completed row of each conversation.
func (m *MockStore) ActiveCountsFromLog(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCounts(), nil
}

// RepairActiveConversations derives and writes agentID's counter under the store lock.
func (m *MockStore) RepairActiveConversations(ctx context.Context, agentID string, audit *AuditEntry) (*CounterRepair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	r := &CounterRepair{Stored: a.ActiveConversations, Derived: m.activeCounts()[agentID]}
	if r.Stored == r.Derived {
		return r, nil
	}
	if audit != nil {
		fillRepairAudit(audit, a, r)
		if _, err := newAuditEntry(audit); err != nil {
			return nil, err
		}
		m.audit = append(m.audit, *audit)
	}
	a.ActiveConversations = r.Derived
	r.Repaired = true
	return r, nil
}

// activeCounts requires m.mu.
func (m *MockStore) activeCounts() map[string]int {
	latest := make(map[string]*Transfer)
	for _, t := range m.transfers {
		if t.Status != TransferCompleted {
			continue
		}
		if cur, ok := latest[t.ConversationID]; !ok || t.CommitVersion > cur.CommitVersion {
			latest[t.ConversationID] = t
		}
	}

	counts := make(map[string]int)
	for _, t := range latest {
		if t.ToAgentID != "" {
			counts[t.ToAgentID]++
		}
	}
	return counts
}

// AppendAuditLog appends an entry.
func (m *MockStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if _, err := newAuditEntry(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

// ListAuditLog returns entries matching the filter, newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []AuditEntry{}
	for i := len(m.audit) - 1; i >= 0; i-- {
		if matchesAuditFilter(&m.audit[i], f) {
			out = append(out, m.audit[i])
		}
	}
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
