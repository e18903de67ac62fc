// ABOUTME: Rego-based authorization for ownership transitions
// ABOUTME: Evaluates data.handoff.decision against the actor, event and conversation owner

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/open-policy-agent/opa/rego"

	"github.com/2389/handoff-gateway/internal/routing"
	"github.com/2389/handoff-gateway/internal/transfer"
)

// Decisions a policy may return.
const (
	Allow = "allow"
	Deny  = "deny"
)

// DefaultPolicy lets admins and the system do anything, agents act only on
// themselves and bots only open transfer requests.
const DefaultPolicy = `
package handoff

default decision = "allow"

agent_owned = {"release", "complete", "cancel_transfer"}

decision = "deny" {
	input.actor.role == "agent"
	input.event == "assign"
	input.agent_id != input.actor.id
}

decision = "deny" {
	input.actor.role == "agent"
	input.event == "reject_transfer"
	input.agent_id != input.actor.id
}

decision = "deny" {
	input.actor.role == "agent"
	agent_owned[input.event]
	input.current_agent_id != input.actor.id
}

decision = "deny" {
	input.actor.role == "bot"
	input.event != "request_transfer"
}
`

// Engine evaluates a prepared rego query.
type Engine struct {
	query  rego.PreparedEvalQuery
	logger *slog.Logger
}

// NewEngine compiles module. It must define data.handoff.decision.
func NewEngine(ctx context.Context, module string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := rego.New(
		rego.Query("data.handoff.decision"),
		rego.Module("handoff.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing rego: %w", err)
	}
	return &Engine{query: query, logger: logger.With("component", "policy")}, nil
}

// Load compiles the policy at path, or DefaultPolicy when path is empty.
func Load(ctx context.Context, path string, logger *slog.Logger) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy, logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return NewEngine(ctx, string(data), logger)
}

// Decide returns the decision for op. An undefined decision is "allow".
func (e *Engine) Decide(ctx context.Context, op transfer.Operation) (string, error) {
	input := map[string]any{
		"event": string(op.Event),
		"actor": map[string]any{
			"id":        op.Actor.ID,
			"role":      op.Actor.Role,
			"tenant_id": op.Actor.TenantID,
		},
		"tenant_id":        op.TenantID,
		"conversation_id":  op.ConversationID,
		"agent_id":         op.AgentID,
		"current_agent_id": op.CurrentAgentID,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, nil
	}
	s, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("policy returned %T, want string", results[0].Expressions[0].Value)
	}
	return s, nil
}

// Authorize implements transfer.Authorizer. Any decision other than "allow" denies.
func (e *Engine) Authorize(ctx context.Context, op transfer.Operation) error {
	decision, err := e.Decide(ctx, op)
	if err != nil {
		return err
	}
	if decision == Allow {
		return nil
	}
	e.logger.Warn("operation denied by policy",
		"event", op.Event,
		"actor", op.Actor.ID,
		"role", op.Actor.Role,
		"conversation_id", op.ConversationID,
		"decision", decision,
	)
	return fmt.Errorf("%w: %s may not %s %s", routing.ErrPolicyDenied, op.Actor.ID, op.Event, op.ConversationID)
}
