// ABOUTME: Bridges the liveness sweep to the coordinator
// ABOUTME: Conversations owned by an agent whose session expired go back to the pool

package transfer

import (
	"context"

	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/store"
)

// ExpiredSessionReason is recorded on rows released after a session expiry.
const ExpiredSessionReason = "agent session expired"

// ExpiryHook returns a presence hook releasing the expired agent's conversations.
func (c *Coordinator) ExpiryHook() presence.ExpiryHook {
	return func(ctx context.Context, sess *store.AgentSession) error {
		n, err := c.ReleaseAgentConversations(ctx, sess.AgentID, ExpiredSessionReason)
		if n > 0 {
			c.logger.Warn("released conversations of expired agent", "agent_id", sess.AgentID, "count", n)
		}
		return err
	}
}
