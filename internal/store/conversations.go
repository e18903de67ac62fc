// ABOUTME: Conversation assignment persistence and the atomic transition commit for SQLStore
// ABOUTME: Every ownership change is a version compare-and-set plus counters, transfer and audit rows in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, tenant_id, department, required_skills_json, priority, state,
	assigned_agent_id, is_transfer_requested, transfer_reason, transferred_at, transfer_completed_at,
	transfer_summary, version, created_at, updated_at`

// UpsertConversation registers a conversation from the external store or refreshes its
// routing metadata (department, required skills, priority, summary). Assignment fields
// of an existing conversation are never touched here; new conversations start Unassigned at version 1.
func (s *SQLStore) UpsertConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UTC()
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.getConversation(ctx, tx, c.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing == nil {
			c.State = ConversationUnassigned
			c.AssignedAgentID = ""
			c.IsTransferRequested = false
			c.Version = 1
			c.CreatedAt = now
			c.UpdatedAt = now
			query := `INSERT INTO conversations (` + conversationColumns + `)
				VALUES (?, ?, ?, ?, ?, ?, NULL, 0, '', NULL, NULL, ?, 1, ?, ?)`
			_, err := s.exec(ctx, tx, query,
				c.ID, c.TenantID, c.Department, encodeStrings(c.RequiredSkills), string(c.Priority),
				string(c.State), c.TransferSummary, formatTime(now), formatTime(now),
			)
			if err != nil {
				return fmt.Errorf("inserting conversation: %w", err)
			}
			s.logger.Debug("registered conversation", "id", c.ID, "tenant", c.TenantID)
			return nil
		}

		if existing.TenantID != c.TenantID {
			return fmt.Errorf("%w: conversation %s belongs to another tenant", ErrDuplicate, c.ID)
		}

		query := `UPDATE conversations
			SET department = ?, required_skills_json = ?, priority = ?, transfer_summary = ?, updated_at = ?
			WHERE id = ?`
		if _, err := s.exec(ctx, tx, query,
			c.Department, encodeStrings(c.RequiredSkills), string(c.Priority), c.TransferSummary, formatTime(now), c.ID,
		); err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}

		c.State = existing.State
		c.AssignedAgentID = existing.AssignedAgentID
		c.IsTransferRequested = existing.IsTransferRequested
		c.TransferReason = existing.TransferReason
		c.TransferredAt = existing.TransferredAt
		c.TransferCompletedAt = existing.TransferCompletedAt
		c.Version = existing.Version
		c.CreatedAt = existing.CreatedAt
		c.UpdatedAt = now
		return nil
	})
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.getConversation(ctx, s.db, id)
}

func (s *SQLStore) getConversation(ctx context.Context, q queryer, id string) (*Conversation, error) {
	row := s.queryRow(ctx, q, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConversations returns conversations matching the filter, most recently updated first.
func (s *SQLStore) ListConversations(ctx context.Context, f ConversationFilter) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + ` FROM conversations
		WHERE (CAST(? AS TEXT) IS NULL OR tenant_id = ?)
		  AND (CAST(? AS TEXT) IS NULL OR state = ?)
		  AND (CAST(? AS TEXT) IS NULL OR assigned_agent_id = ?)
		ORDER BY updated_at DESC, id
		LIMIT ?
	`
	tenant, state, agent := nullString(f.TenantID), nullString(string(f.State)), nullString(f.AssignedAgentID)
	rows, err := s.query(ctx, s.db, query, tenant, tenant, state, state, agent, agent, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	convs := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// CommitTransition applies one ownership transition atomically.
//
// The conversation row is updated only if its stored version equals
// c.Conversation.Version (ErrVersionConflict otherwise). The increment is guarded
// by capacity (ErrCapacity). A finalized row must still be Pending (ErrTransferFinalized).
// An inserted row that collides with an existing pending row yields ErrDuplicate.
// On success c.Conversation.Version and the transfer rows' CommitVersion carry the new version.
func (s *SQLStore) CommitTransition(ctx context.Context, c *Commit) error {
	conv := c.Conversation
	if conv == nil {
		return fmt.Errorf("commit without conversation")
	}
	now := time.Now().UTC()
	newVersion := conv.Version + 1

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := s.exec(ctx, tx, `
			UPDATE conversations
			SET state = ?, assigned_agent_id = ?, is_transfer_requested = ?, transfer_reason = ?,
			    transferred_at = ?, transfer_completed_at = ?, transfer_summary = ?,
			    version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(conv.State), nullString(conv.AssignedAgentID), boolToInt(conv.IsTransferRequested),
			string(conv.TransferReason), nullTime(conv.TransferredAt), nullTime(conv.TransferCompletedAt),
			conv.TransferSummary, newVersion, formatTime(now), conv.ID, conv.Version,
		)
		if err != nil {
			return fmt.Errorf("updating conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.getConversation(ctx, tx, conv.ID); errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return ErrVersionConflict
		}

		if c.IncrementAgentID != "" {
			res, err := s.exec(ctx, tx, `
				UPDATE agents SET active_conversations = active_conversations + 1, updated_at = ?
				WHERE id = ? AND active_conversations < max_concurrent_chats`,
				formatTime(now), c.IncrementAgentID)
			if err != nil {
				return fmt.Errorf("incrementing agent counter: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var exists int
				err := s.queryRow(ctx, tx, `SELECT 1 FROM agents WHERE id = ?`, c.IncrementAgentID).Scan(&exists)
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNotFound
				}
				return ErrCapacity
			}
		}

		if c.DecrementAgentID != "" {
			_, err := s.exec(ctx, tx, `
				UPDATE agents
				SET active_conversations = CASE WHEN active_conversations > 0 THEN active_conversations - 1 ELSE 0 END,
				    updated_at = ?
				WHERE id = ?`,
				formatTime(now), c.DecrementAgentID)
			if err != nil {
				return fmt.Errorf("decrementing agent counter: %w", err)
			}
		}

		if t := c.FinalizeTransfer; t != nil {
			res, err := s.exec(ctx, tx, `
				UPDATE conversation_transfers
				SET status = ?, to_agent_id = ?, completed_at = ?, notes = ?, commit_version = ?
				WHERE id = ? AND status = 'Pending'`,
				string(t.Status), nullString(t.ToAgentID), nullTime(t.CompletedAt), t.Notes, newVersion, t.ID)
			if err != nil {
				return fmt.Errorf("finalizing transfer: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrTransferFinalized
			}
		}

		if t := c.InsertTransfer; t != nil {
			if err := s.insertTransfer(ctx, tx, t, newVersion, now); err != nil {
				return err
			}
		}

		if c.Audit != nil {
			fillCommitAudit(c, newVersion)
			if err := s.insertAudit(ctx, tx, c.Audit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	conv.Version = newVersion
	conv.UpdatedAt = now
	if c.FinalizeTransfer != nil {
		c.FinalizeTransfer.CommitVersion = newVersion
	}
	if c.InsertTransfer != nil {
		c.InsertTransfer.CommitVersion = newVersion
	}

	s.logger.Debug("committed transition",
		"conversation", conv.ID,
		"state", conv.State,
		"version", newVersion,
	)
	return nil
}

func scanConversation(scanner interface{ Scan(dest ...any) error }) (*Conversation, error) {
	var c Conversation
	var skills, priority, state, reason, createdAt, updatedAt string
	var assigned, transferredAt, completedAt sql.NullString
	var requested int

	if err := scanner.Scan(
		&c.ID, &c.TenantID, &c.Department, &skills, &priority, &state,
		&assigned, &requested, &reason, &transferredAt, &completedAt,
		&c.TransferSummary, &c.Version, &createdAt, &updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.Priority = TransferPriority(priority)
	c.State = ConversationState(state)
	c.AssignedAgentID = assigned.String
	c.IsTransferRequested = requested != 0
	c.TransferReason = TransferReason(reason)

	var err error
	if c.RequiredSkills, err = decodeStrings(skills); err != nil {
		return nil, fmt.Errorf("decoding required skills: %w", err)
	}
	if c.TransferredAt, err = parseNullTime(transferredAt); err != nil {
		return nil, fmt.Errorf("parsing transferred_at: %w", err)
	}
	if c.TransferCompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing transfer_completed_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}
