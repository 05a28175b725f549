package bus

import "time"

// Event kinds. Subscribers filter by prefix, so "messages." receives all
// three message kinds.
const (
	KindMessageInsert = "messages.insert"
	KindMessageUpdate = "messages.update"
	KindMessageDelete = "messages.delete"

	// KindNotificationQueued is published after a message commit enqueued a
	// push for the receiver. It wakes the dispatch scheduler early.
	KindNotificationQueued = "notifications.queued"

	KindDaemonStatus = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
