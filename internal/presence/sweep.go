// ABOUTME: Periodic liveness sweep closing sessions whose heartbeat fell outside the window
// ABOUTME: Each record is processed in isolation so one failure never stops the rest

package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// ExpiredReason is recorded on sessions closed by the sweep.
const ExpiredReason = "heartbeat timeout"

// ExpiryHook runs after the sweep closes a session. Errors are logged and counted.
type ExpiryHook func(ctx context.Context, session *store.AgentSession) error

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int
	Expired int
	Failed  int
	Live    int
}

// OnExpire registers a hook for expired sessions. Call before starting the sweeper.
func (t *Tracker) OnExpire(h ExpiryHook) {
	t.onExpire = append(t.onExpire, h)
}

// Sweep closes every open session whose heartbeat is older than the liveness window.
// It returns an error only if the session list cannot be read.
func (t *Tracker) Sweep(ctx context.Context) (SweepResult, error) {
	sessions, err := t.store.ListOpenSessions(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("listing open sessions: %w", err)
	}

	now := t.clock.Now()
	res := SweepResult{Scanned: len(sessions)}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		if now.Sub(sess.LastHeartbeat) <= t.window {
			res.Live++
			continue
		}

		expired, err := t.expire(ctx, sess, now)
		if expired {
			res.Expired++
		}
		if err != nil {
			res.Failed++
			t.logger.Error("sweep failed for session",
				"session_id", sess.ID,
				"agent_id", sess.AgentID,
				"error", err,
			)
		}
	}

	t.metrics.Sweep(res.Expired, res.Failed, res.Live)
	if res.Expired > 0 || res.Failed > 0 {
		t.logger.Info("liveness sweep",
			"scanned", res.Scanned,
			"expired", res.Expired,
			"failed", res.Failed,
			"live", res.Live,
		)
	}
	return res, nil
}

// expire closes one stale session. A panic in a hook is converted to an error.
func (t *Tracker) expire(ctx context.Context, sess *store.AgentSession, now time.Time) (expired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while expiring session: %v", r)
		}
	}()

	if err := t.store.CloseSession(ctx, sess.ID, now, ExpiredReason); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Closed by logout between the scan and now.
			return false, nil
		}
		return false, fmt.Errorf("closing session: %w", err)
	}

	t.logger.Warn("=== AGENT EXPIRED ===",
		"agent_id", sess.AgentID,
		"session_id", sess.ID,
		"last_heartbeat", sess.LastHeartbeat,
		"silent_for", now.Sub(sess.LastHeartbeat).Round(time.Second),
	)
	t.audit(ctx, &store.AuditEntry{
		TenantID:   sess.TenantID,
		Actor:      "system",
		Action:     store.AuditExpireSession,
		TargetType: "session",
		TargetID:   sess.ID,
		Detail: map[string]any{
			"agent_id":       sess.AgentID,
			"last_heartbeat": sess.LastHeartbeat.Format(time.RFC3339),
		},
	})

	var hookErr error
	for _, h := range t.onExpire {
		if err := h(ctx, sess); err != nil {
			hookErr = errors.Join(hookErr, err)
		}
	}
	if hookErr != nil {
		return true, fmt.Errorf("expiry hook: %w", hookErr)
	}
	return true, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info("liveness sweeper started", "interval", interval, "window", t.window)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}
