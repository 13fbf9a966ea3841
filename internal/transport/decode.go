package transport

import (
	"encoding/json"
	"fmt"

	"github.com/lumachat/sync-engine/internal/models"
)

// Change is the decoded, closed-variant form of an Event. Exactly one of
// Message or Notification is non-nil; internal logic never branches on
// untyped payloads.
type Change struct {
	Op           Op
	Message      *models.Message
	Notification *models.Notification
}

// Decode unmarshals an event's row at the boundary into its typed variant.
func Decode(ev Event) (Change, error) {
	switch ev.Entity {
	case EntityMessage:
		var m models.Message
		if err := json.Unmarshal(ev.Row, &m); err != nil {
			return Change{}, fmt.Errorf("transport: decode message row: %w", err)
		}
		return Change{Op: ev.Op, Message: &m}, nil
	case EntityNotification:
		var n models.Notification
		if err := json.Unmarshal(ev.Row, &n); err != nil {
			return Change{}, fmt.Errorf("transport: decode notification row: %w", err)
		}
		return Change{Op: ev.Op, Notification: &n}, nil
	default:
		return Change{}, fmt.Errorf("transport: unknown entity %q", ev.Entity)
	}
}

// EncodeMessage builds an Event carrying a message row.
func EncodeMessage(op Op, m *models.Message) (Event, error) {
	row, err := json.Marshal(m)
	if err != nil {
		return Event{}, fmt.Errorf("transport: encode message row: %w", err)
	}
	return Event{Op: op, Entity: EntityMessage, Row: row}, nil
}

// EncodeNotification builds an Event carrying a notification row.
func EncodeNotification(op Op, n *models.Notification) (Event, error) {
	row, err := json.Marshal(n)
	if err != nil {
		return Event{}, fmt.Errorf("transport: encode notification row: %w", err)
	}
	return Event{Op: op, Entity: EntityNotification, Row: row}, nil
}
