// ABOUTME: Reconciles agent active counters against the transfer log
// ABOUTME: The log is authoritative; drift is logged, counted and optionally repaired

package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/handoff-gateway/internal/store"
)

// Drift is one agent whose stored counter disagrees with the log.
type Drift struct {
	AgentID string `json:"agentId"`
	Stored  int    `json:"stored"`
	Derived int    `json:"derived"`
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Checked  int     `json:"checked"`
	Drifted  []Drift `json:"drifted"`
	Repaired int     `json:"repaired"`
}

// Reconcile compares every agent's active counter with the count derived from
// each conversation's latest Completed transfer row. With repair set, each
// drifted counter is re-derived and rewritten atomically by the store.
func (c *Coordinator) Reconcile(ctx context.Context, repair bool) (*ReconcileReport, error) {
	derived, err := c.store.ActiveCountsFromLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("deriving counts: %w", err)
	}
	agents, err := c.store.ListAgents(ctx, store.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}

	report := &ReconcileReport{Checked: len(agents), Drifted: []Drift{}}
	for _, a := range agents {
		if a.ActiveConversations == derived[a.ID] {
			continue
		}
		d := Drift{AgentID: a.ID, Stored: a.ActiveConversations, Derived: derived[a.ID]}
		report.Drifted = append(report.Drifted, d)
		c.logger.Warn("agent counter drift",
			"agent_id", a.ID,
			"stored", d.Stored,
			"derived", d.Derived,
		)
		if !repair {
			continue
		}
		ok, err := c.repair(ctx, a)
		if err != nil {
			c.logger.Error("counter repair failed", "agent_id", a.ID, "error", err)
			continue
		}
		if ok {
			report.Repaired++
		}
	}

	c.metrics.CounterDrift(len(report.Drifted))
	if len(report.Drifted) > 0 {
		c.logger.Info("reconciliation finished",
			"checked", report.Checked,
			"drifted", len(report.Drifted),
			"repaired", report.Repaired,
		)
	}
	return report, nil
}

// repair lets the store derive and write the counter in one transaction, so a
// transition committing alongside it is either counted or applied on top.
func (c *Coordinator) repair(ctx context.Context, a *store.Agent) (bool, error) {
	r, err := c.store.RepairActiveConversations(ctx, a.ID, &store.AuditEntry{
		Actor:  System.ID,
		Action: store.AuditRepairCounter,
	})
	if err != nil {
		return false, fmt.Errorf("repairing counter: %w", err)
	}
	if r.Repaired {
		c.logger.Info("agent counter repaired", "agent_id", a.ID, "stored", r.Stored, "derived", r.Derived)
	}
	return r.Repaired, nil
}

// RunReconciler reconciles every interval until ctx is cancelled.
func (c *Coordinator) RunReconciler(ctx context.Context, interval time.Duration, repair bool) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("counter reconciler started", "interval", interval, "repair", repair)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Reconcile(ctx, repair); err != nil {
				c.logger.Error("reconciliation failed", "error", err)
			}
		}
	}
}
