// ABOUTME: Audit log entity and store methods for tracking operator and system actions
// ABOUTME: Records who changed which conversation, session or agent counter and when

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditAssign          AuditAction = "assign"
	AuditRelease         AuditAction = "release"
	AuditComplete        AuditAction = "complete"
	AuditRequestTransfer AuditAction = "request_transfer"
	AuditCancelTransfer  AuditAction = "cancel_transfer"
	AuditRejectTransfer  AuditAction = "reject_transfer"
	AuditStartSession    AuditAction = "start_session"
	AuditEndSession      AuditAction = "end_session"
	AuditExpireSession   AuditAction = "expire_session"
	AuditRepairCounter   AuditAction = "repair_counter"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditAssign,
	AuditRelease,
	AuditComplete,
	AuditRequestTransfer,
	AuditCancelTransfer,
	AuditRejectTransfer,
	AuditStartSession,
	AuditEndSession,
	AuditExpireSession,
	AuditRepairCounter,
}

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	TenantID   string         // tenant of the target
	Actor      string         // principal that performed the action, "system" for background tasks
	Action     AuditAction    // what action was performed
	TargetType string         // "conversation", "session", "agent"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	TenantID   *string
	Since      *time.Time
	Until      *time.Time
	Actor      *string
	Action     *AuditAction
	TargetType *string
	TargetID   *string
	Limit      int // max results (default 100, max 1000)
}

// newAuditEntry fills ID and Timestamp if unset and encodes the detail
func newAuditEntry(e *AuditEntry) (*string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Detail == nil {
		return nil, nil
	}
	data, err := json.Marshal(e.Detail)
	if err != nil {
		return nil, fmt.Errorf("marshaling audit detail: %w", err)
	}
	str := string(data)
	return &str, nil
}

// fillCommitAudit points c.Audit at the committed conversation and records the
// version, state and transfer row the commit produced.
func fillCommitAudit(c *Commit, version int64) {
	e := c.Audit
	if e == nil {
		return
	}
	conv := c.Conversation
	if e.TenantID == "" {
		e.TenantID = conv.TenantID
	}
	if e.TargetType == "" {
		e.TargetType = "conversation"
		e.TargetID = conv.ID
	}
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail["version"] = version
	e.Detail["state"] = string(conv.State)
	switch {
	case c.InsertTransfer != nil:
		e.Detail["transfer_id"] = c.InsertTransfer.ID
	case c.FinalizeTransfer != nil:
		e.Detail["transfer_id"] = c.FinalizeTransfer.ID
	}
}

// fillRepairAudit points e at the repaired agent counter.
func fillRepairAudit(e *AuditEntry, a *Agent, r *CounterRepair) {
	if e.TenantID == "" {
		e.TenantID = a.TenantID
	}
	e.TargetType = "agent"
	e.TargetID = a.ID
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail["stored"] = r.Stored
	e.Detail["derived"] = r.Derived
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	return s.insertAudit(ctx, s.db, e)
}

// insertAudit writes e through q, so commits can record their entry in the same transaction.
func (s *SQLStore) insertAudit(ctx context.Context, q queryer, e *AuditEntry) error {
	detailJSON, err := newAuditEntry(e)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (audit_id, tenant_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.exec(ctx, q, query,
		e.ID,
		e.TenantID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// auditQueryArgs holds the string forms of time/action filter fields.
type auditQueryArgs struct {
	sinceStr  *string
	untilStr  *string
	actionStr *string
}

func buildAuditQueryArgs(f AuditFilter) auditQueryArgs {
	var args auditQueryArgs
	if f.Since != nil {
		s := formatTime(*f.Since)
		args.sinceStr = &s
	}
	if f.Until != nil {
		s := formatTime(*f.Until)
		args.untilStr = &s
	}
	if f.Action != nil {
		a := string(*f.Action)
		args.actionStr = &a
	}
	return args
}

// scanAuditEntry scans a row into an AuditEntry.
func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.TenantID,
		&e.Actor,
		&actionStr,
		&e.TargetType,
		&e.TargetID,
		&tsStr,
		&detailJSON,
	); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = parseTime(tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}

const auditLogQuery = `
	SELECT audit_id, tenant_id, actor, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (CAST(? AS TEXT) IS NULL OR tenant_id = ?)
	  AND (CAST(? AS TEXT) IS NULL OR ts >= ?)
	  AND (CAST(? AS TEXT) IS NULL OR ts <= ?)
	  AND (CAST(? AS TEXT) IS NULL OR actor = ?)
	  AND (CAST(? AS TEXT) IS NULL OR action = ?)
	  AND (CAST(? AS TEXT) IS NULL OR target_type = ?)
	  AND (CAST(? AS TEXT) IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeLimit(f.Limit)
	args := buildAuditQueryArgs(f)

	rows, err := s.query(ctx, s.db, auditLogQuery,
		f.TenantID, f.TenantID,
		args.sinceStr, args.sinceStr,
		args.untilStr, args.untilStr,
		f.Actor, f.Actor,
		args.actionStr, args.actionStr,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// matchesAuditFilter reports whether e passes f. Used by the in-memory store.
func matchesAuditFilter(e *AuditEntry, f AuditFilter) bool {
	if f.TenantID != nil && e.TenantID != *f.TenantID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.Actor != nil && e.Actor != *f.Actor {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.TargetType != nil && e.TargetType != *f.TargetType {
		return false
	}
	if f.TargetID != nil && e.TargetID != *f.TargetID {
		return false
	}
	return true
}
