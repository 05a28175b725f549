// Package realtime carries committed message-log changes to every
// subscriber in the process and, through an optional relay, to other
// daemon instances.
package realtime

import (
	"time"

	"github.com/unilink/chatd/internal/bus"
	"github.com/unilink/chatd/internal/store"
)

// ChangeType is the kind of row change on the message log.
type ChangeType string

const (
	Insert ChangeType = "INSERT"
	Update ChangeType = "UPDATE"
	Delete ChangeType = "DELETE"
)

// TableMessages is the only table the feed carries.
const TableMessages = "messages"

// Change is one committed change to the message log. New is set for
// INSERT and UPDATE, Old for UPDATE and DELETE.
type Change struct {
	ID           string         `json:"id"`
	Type         ChangeType     `json:"type"`
	Table        string         `json:"table"`
	New          *store.Message `json:"new,omitempty"`
	Old          *store.Message `json:"old,omitempty"`
	Participants [2]string      `json:"participants"`
	CommittedAt  time.Time      `json:"committed_at"`
	Origin       string         `json:"origin"`
}

// Message returns the row the change refers to, preferring the new image.
func (c Change) Message() *store.Message {
	if c.New != nil {
		return c.New
	}
	return c.Old
}

// ConversationID returns the conversation the changed row belongs to.
func (c Change) ConversationID() string {
	if m := c.Message(); m != nil {
		return m.ConversationID
	}
	return ""
}

// Involves reports whether userID is a participant of the changed
// conversation. Consumers use it to scope a global subscription to the
// rows a viewer may see.
func (c Change) Involves(userID string) bool {
	return userID != "" && (c.Participants[0] == userID || c.Participants[1] == userID)
}

func kindFor(t ChangeType) string {
	switch t {
	case Update:
		return bus.KindMessageUpdate
	case Delete:
		return bus.KindMessageDelete
	default:
		return bus.KindMessageInsert
	}
}
