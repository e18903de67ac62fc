// ABOUTME: Transfer log persistence for SQLStore
// ABOUTME: Rows are inserted by CommitTransition; reads here back audits and counter reconciliation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const transferColumns = `id, tenant_id, conversation_id, from_agent_id, to_agent_id, transfer_reason,
	priority, status, department, requested_by, transferred_at, completed_at, released_at,
	release_reason, notes, commit_version, created_at`

func (s *SQLStore) insertTransfer(ctx context.Context, tx *sql.Tx, t *Transfer, version int64, now time.Time) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.TransferredAt.IsZero() {
		t.TransferredAt = now
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}

	query := `INSERT INTO conversation_transfers (` + transferColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, tx, query,
		t.ID, t.TenantID, t.ConversationID, nullString(t.FromAgentID), nullString(t.ToAgentID),
		string(t.Reason), string(t.Priority), string(t.Status), t.Department, t.RequestedBy,
		formatTime(t.TransferredAt), nullTime(t.CompletedAt), nullTime(t.ReleasedAt),
		t.ReleaseReason, t.Notes, version, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting transfer: %w", err)
	}
	return nil
}

// GetTransfer retrieves a transfer row by ID.
func (s *SQLStore) GetTransfer(ctx context.Context, id string) (*Transfer, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+transferColumns+` FROM conversation_transfers WHERE id = ?`, id)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetPendingTransfer returns the single pending row of a conversation, or ErrNotFound.
func (s *SQLStore) GetPendingTransfer(ctx context.Context, conversationID string) (*Transfer, error) {
	row := s.queryRow(ctx, s.db,
		`SELECT `+transferColumns+` FROM conversation_transfers WHERE conversation_id = ? AND status = 'Pending'`,
		conversationID)
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTransfers returns transfer rows matching the filter, newest commit first.
func (s *SQLStore) ListTransfers(ctx context.Context, f TransferFilter) ([]*Transfer, error) {
	query := `
		SELECT ` + transferColumns + ` FROM conversation_transfers
		WHERE (CAST(? AS TEXT) IS NULL OR tenant_id = ?)
		  AND (CAST(? AS TEXT) IS NULL OR conversation_id = ?)
		  AND (CAST(? AS TEXT) IS NULL OR from_agent_id = ? OR to_agent_id = ?)
		  AND (CAST(? AS TEXT) IS NULL OR status = ?)
		ORDER BY created_at DESC, commit_version DESC
		LIMIT ?
	`
	tenant, conv, agent, status := nullString(f.TenantID), nullString(f.ConversationID), nullString(f.AgentID), nullString(string(f.Status))
	rows, err := s.query(ctx, s.db, query,
		tenant, tenant, conv, conv, agent, agent, agent, status, status, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("querying transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	transfers := []*Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transfers: %w", err)
	}
	return transfers, nil
}

// ActiveCountsFromLog derives each agent's active conversation count from the transfer log:
// a conversation belongs to the target of its latest Completed row.
func (s *SQLStore) ActiveCountsFromLog(ctx context.Context) (map[string]int, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT t.to_agent_id, COUNT(*)
		FROM conversation_transfers t
		WHERE t.status = 'Completed'
		  AND t.to_agent_id IS NOT NULL
		  AND t.commit_version = (
			SELECT MAX(t2.commit_version) FROM conversation_transfers t2
			WHERE t2.conversation_id = t.conversation_id AND t2.status = 'Completed'
		  )
		GROUP BY t.to_agent_id`)
	if err != nil {
		return nil, fmt.Errorf("querying active counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var agentID string
		var n int
		if err := rows.Scan(&agentID, &n); err != nil {
			return nil, fmt.Errorf("scanning active count: %w", err)
		}
		counts[agentID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating active counts: %w", err)
	}
	return counts, nil
}

func scanTransfer(scanner interface{ Scan(dest ...any) error }) (*Transfer, error) {
	var t Transfer
	var from, to, completed, released sql.NullString
	var reason, priority, status, transferredAt, createdAt string

	if err := scanner.Scan(
		&t.ID, &t.TenantID, &t.ConversationID, &from, &to, &reason,
		&priority, &status, &t.Department, &t.RequestedBy, &transferredAt, &completed, &released,
		&t.ReleaseReason, &t.Notes, &t.CommitVersion, &createdAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning transfer: %w", err)
	}

	t.FromAgentID = from.String
	t.ToAgentID = to.String
	t.Reason = TransferReason(reason)
	t.Priority = TransferPriority(priority)
	t.Status = TransferStatus(status)

	var err error
	if t.TransferredAt, err = parseTime(transferredAt); err != nil {
		return nil, fmt.Errorf("parsing transferred_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	if t.ReleasedAt, err = parseNullTime(released); err != nil {
		return nil, fmt.Errorf("parsing released_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &t, nil
}
