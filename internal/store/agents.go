// ABOUTME: Agent and agent session persistence for SQLStore
// ABOUTME: Sessions enforce one open session per agent through a partial unique index

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const agentColumns = `id, tenant_id, name, email, department, skills_json, state,
	max_concurrent_chats, active_conversations, status_message, last_activity, created_at, updated_at`

// CreateAgent inserts a new agent. Returns ErrDuplicate if the ID exists.
func (s *SQLStore) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	if a.State == "" {
		a.State = AgentOffline
	}

	query := `INSERT INTO agents (` + agentColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, s.db, query,
		a.ID, a.TenantID, a.Name, a.Email, a.Department, encodeStrings(a.Skills), string(a.State),
		a.MaxConcurrentChats, a.ActiveConversations, a.StatusMessage, nullZeroTime(a.LastActivity),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", a.ID, "department", a.Department)
	return nil
}

// UpdateAgentProfile applies staff directory fields. State and counters are untouched.
func (s *SQLStore) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE agents
		SET name = ?, email = ?, department = ?, skills_json = ?, max_concurrent_chats = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.exec(ctx, s.db, query,
		a.Name, a.Email, a.Department, encodeStrings(a.Skills), a.MaxConcurrentChats, formatTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating agent profile: %w", err)
	}
	return expectOneRow(res)
}

// GetAgent retrieves an agent by ID.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgent(ctx, s.db, id)
}

func (s *SQLStore) getAgent(ctx context.Context, q queryer, id string) (*Agent, error) {
	row := s.queryRow(ctx, q, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAgents returns agents matching the filter ordered by ID.
func (s *SQLStore) ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error) {
	query := `
		SELECT ` + agentColumns + ` FROM agents
		WHERE (CAST(? AS TEXT) IS NULL OR tenant_id = ?)
		  AND (CAST(? AS TEXT) IS NULL OR department = ?)
		  AND (CAST(? AS TEXT) IS NULL OR state = ?)
		ORDER BY id
	`
	tenant, dept, state := nullString(f.TenantID), nullString(f.Department), nullString(string(f.State))
	rows, err := s.query(ctx, s.db, query, tenant, tenant, dept, dept, state, state)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	agents := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}
	return agents, nil
}

// SetAgentState records a presence state change.
func (s *SQLStore) SetAgentState(ctx context.Context, agentID string, state AgentState, statusMessage string, at time.Time) error {
	query := `UPDATE agents SET state = ?, status_message = ?, last_activity = ?, updated_at = ? WHERE id = ?`
	res, err := s.exec(ctx, s.db, query, string(state), statusMessage, formatTime(at), formatTime(at), agentID)
	if err != nil {
		return fmt.Errorf("updating agent state: %w", err)
	}
	return expectOneRow(res)
}

// RepairActiveConversations recomputes agentID's counter from the transfer log and
// writes it when it drifted, recording audit in the same transaction. The agent row
// is write-locked before the log is read, so a transition committing concurrently
// either lands before the count is taken or waits and adjusts the repaired value.
func (s *SQLStore) RepairActiveConversations(ctx context.Context, agentID string, audit *AuditEntry) (*CounterRepair, error) {
	var r *CounterRepair
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `UPDATE agents SET active_conversations = active_conversations WHERE id = ?`, agentID)
		if err != nil {
			return fmt.Errorf("locking agent: %w", err)
		}
		if err := expectOneRow(res); err != nil {
			return err
		}

		a, err := s.getAgent(ctx, tx, agentID)
		if err != nil {
			return err
		}
		var derived int
		err = s.queryRow(ctx, tx, `
			SELECT COUNT(*)
			FROM conversation_transfers t
			WHERE t.status = 'Completed'
			  AND t.to_agent_id = ?
			  AND t.commit_version = (
				SELECT MAX(t2.commit_version) FROM conversation_transfers t2
				WHERE t2.conversation_id = t.conversation_id AND t2.status = 'Completed'
			  )`, agentID).Scan(&derived)
		if err != nil {
			return fmt.Errorf("deriving active count: %w", err)
		}

		r = &CounterRepair{Stored: a.ActiveConversations, Derived: derived}
		if r.Stored == r.Derived {
			return nil
		}
		_, err = s.exec(ctx, tx, `UPDATE agents SET active_conversations = ?, updated_at = ? WHERE id = ?`,
			derived, formatTime(time.Now()), agentID)
		if err != nil {
			return fmt.Errorf("updating active conversations: %w", err)
		}
		if audit != nil {
			fillRepairAudit(audit, a, r)
			if err := s.insertAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		r.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SetActiveConversations overwrites the agent's counter without consulting the log.
func (s *SQLStore) SetActiveConversations(ctx context.Context, agentID string, n int) error {
	query := `UPDATE agents SET active_conversations = ?, updated_at = ? WHERE id = ?`
	res, err := s.exec(ctx, s.db, query, n, formatTime(time.Now()), agentID)
	if err != nil {
		return fmt.Errorf("updating active conversations: %w", err)
	}
	return expectOneRow(res)
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var skills, state, createdAt, updatedAt string
	var lastActivity sql.NullString

	if err := scanner.Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Email, &a.Department, &skills, &state,
		&a.MaxConcurrentChats, &a.ActiveConversations, &a.StatusMessage, &lastActivity, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.State = AgentState(state)
	var err error
	if a.Skills, err = decodeStrings(skills); err != nil {
		return nil, fmt.Errorf("decoding agent skills: %w", err)
	}
	if la, err := parseNullTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	} else if la != nil {
		a.LastActivity = *la
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &a, nil
}

const sessionColumns = `id, agent_id, tenant_id, state, status_message, session_started,
	last_heartbeat, active_conversations, session_ended, end_reason`

// OpenSession inserts a session and marks the agent with the session's state.
// Returns ErrNotFound for an unknown agent and ErrDuplicate if the agent already has an open session.
func (s *SQLStore) OpenSession(ctx context.Context, sess *AgentSession) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		var tenant string
		err := s.queryRow(ctx, tx, `SELECT tenant_id, active_conversations FROM agents WHERE id = ?`, sess.AgentID).
			Scan(&tenant, &active)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading agent: %w", err)
		}
		sess.TenantID = tenant
		sess.ActiveConversations = active

		query := `INSERT INTO agent_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, '')`
		_, err = s.exec(ctx, tx, query,
			sess.ID, sess.AgentID, sess.TenantID, string(sess.State), sess.StatusMessage,
			formatTime(sess.SessionStarted), formatTime(sess.LastHeartbeat), sess.ActiveConversations,
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("inserting session: %w", err)
		}

		_, err = s.exec(ctx, tx,
			`UPDATE agents SET state = ?, status_message = ?, last_activity = ?, updated_at = ? WHERE id = ?`,
			string(sess.State), sess.StatusMessage, formatTime(sess.SessionStarted), formatTime(sess.SessionStarted), sess.AgentID,
		)
		if err != nil {
			return fmt.Errorf("updating agent state: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session by ID, open or closed.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*AgentSession, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+sessionColumns+` FROM agent_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetOpenSession returns the agent's open session, or ErrNotFound.
func (s *SQLStore) GetOpenSession(ctx context.Context, agentID string) (*AgentSession, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE agent_id = ? AND session_ended IS NULL`, agentID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// TouchSession refreshes last_heartbeat on an open session, optionally changing its state.
// Returns ErrNotFound if the session is unknown or already ended.
func (s *SQLStore) TouchSession(ctx context.Context, id string, at time.Time, state *AgentState, statusMessage *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var agentID, curState, curMessage string
		err := s.queryRow(ctx, tx,
			`SELECT agent_id, state, status_message FROM agent_sessions WHERE id = ? AND session_ended IS NULL`, id).
			Scan(&agentID, &curState, &curMessage)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		if state != nil {
			curState = string(*state)
		}
		if statusMessage != nil {
			curMessage = *statusMessage
		}

		_, err = s.exec(ctx, tx,
			`UPDATE agent_sessions SET last_heartbeat = ?, state = ?, status_message = ? WHERE id = ?`,
			formatTime(at), curState, curMessage, id)
		if err != nil {
			return fmt.Errorf("updating session heartbeat: %w", err)
		}

		_, err = s.exec(ctx, tx,
			`UPDATE agents SET state = ?, status_message = ?, last_activity = ?, updated_at = ? WHERE id = ?`,
			curState, curMessage, formatTime(at), formatTime(at), agentID)
		if err != nil {
			return fmt.Errorf("updating agent activity: %w", err)
		}
		return nil
	})
}

// CloseSession ends an open session and marks its agent Offline.
// Returns ErrNotFound if the session is unknown or already ended.
func (s *SQLStore) CloseSession(ctx context.Context, id string, at time.Time, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var agentID string
		err := s.queryRow(ctx, tx,
			`SELECT agent_id FROM agent_sessions WHERE id = ? AND session_ended IS NULL`, id).Scan(&agentID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		_, err = s.exec(ctx, tx,
			`UPDATE agent_sessions SET session_ended = ?, end_reason = ?, state = ? WHERE id = ?`,
			formatTime(at), reason, string(AgentOffline), id)
		if err != nil {
			return fmt.Errorf("closing session: %w", err)
		}

		_, err = s.exec(ctx, tx,
			`UPDATE agents SET state = ?, updated_at = ? WHERE id = ?`,
			string(AgentOffline), formatTime(at), agentID)
		if err != nil {
			return fmt.Errorf("marking agent offline: %w", err)
		}
		return nil
	})
}

// ListOpenSessions returns every session that has not been closed.
func (s *SQLStore) ListOpenSessions(ctx context.Context) ([]*AgentSession, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE session_ended IS NULL ORDER BY last_heartbeat`)
	if err != nil {
		return nil, fmt.Errorf("querying open sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	sessions := []*AgentSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(scanner interface{ Scan(dest ...any) error }) (*AgentSession, error) {
	var sess AgentSession
	var state, started, heartbeat string
	var ended sql.NullString

	if err := scanner.Scan(
		&sess.ID, &sess.AgentID, &sess.TenantID, &state, &sess.StatusMessage, &started,
		&heartbeat, &sess.ActiveConversations, &ended, &sess.EndReason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.State = AgentState(state)
	var err error
	if sess.SessionStarted, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("parsing session_started: %w", err)
	}
	if sess.LastHeartbeat, err = parseTime(heartbeat); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	if sess.SessionEnded, err = parseNullTime(ended); err != nil {
		return nil, fmt.Errorf("parsing session_ended: %w", err)
	}
	return &sess, nil
}

// expectOneRow maps a zero-row update to ErrNotFound
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
