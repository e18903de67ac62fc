// ABOUTME: Matrix sink posting assignment notices into a staff room
// ABOUTME: Only ownership changes are posted; presence chatter stays out of the room

package notify

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Matrix posts notices to one room.
type Matrix struct {
	client *mautrix.Client
	room   id.RoomID
}

// NewMatrix creates a Matrix sink using an existing access token.
func NewMatrix(homeserver, userID, accessToken, roomID string) (*Matrix, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Matrix{client: client, room: id.RoomID(roomID)}, nil
}

// Name implements Sink.
func (m *Matrix) Name() string { return "matrix" }

// Notify posts a notice for ownership changes and ignores everything else.
func (m *Matrix) Notify(ctx context.Context, ev Event) error {
	text := FormatNotice(ev)
	if text == "" {
		return nil
	}
	if _, err := m.client.SendText(ctx, m.room, text); err != nil {
		return fmt.Errorf("sending to %s: %w", m.room, err)
	}
	return nil
}

// FormatNotice renders a one-line staff notice, or "" for events not posted to the room.
func FormatNotice(ev Event) string {
	var b strings.Builder
	switch ev.Kind {
	case KindAssigned:
		fmt.Fprintf(&b, "Conversation %s assigned to %s", ev.ConversationID, ev.AgentID)
		if ev.PreviousAgentID != "" {
			fmt.Fprintf(&b, " (from %s)", ev.PreviousAgentID)
		}
	case KindTransferRequested:
		fmt.Fprintf(&b, "Handoff requested for conversation %s", ev.ConversationID)
		if ev.Reason != "" {
			fmt.Fprintf(&b, ": %s", ev.Reason)
		}
		if ev.Priority != "" {
			fmt.Fprintf(&b, " [%s]", ev.Priority)
		}
	case KindReleased:
		fmt.Fprintf(&b, "Conversation %s released by %s", ev.ConversationID, ev.PreviousAgentID)
		if ev.Reason != "" {
			fmt.Fprintf(&b, " (%s)", ev.Reason)
		}
	case KindCompleted:
		fmt.Fprintf(&b, "Conversation %s completed by %s", ev.ConversationID, ev.PreviousAgentID)
	default:
		return ""
	}
	return b.String()
}
