package session

import "time"

// EventKind tags the variants a Session publishes to its mailbox. Using a
// tagged-variant channel instead of library callbacks keeps SessionGroup and
// Session decoupled: the Session never holds a reference back to whatever
// consumes its events (spec.md §9, "Cyclic ownership").
type EventKind string

const (
	EventConnected         EventKind = "connected"
	EventDisconnected      EventKind = "disconnected"
	EventLoggedOut         EventKind = "logged_out"
	EventKeepAliveTimeout  EventKind = "keepalive_timeout"
	EventKeepAliveRestored EventKind = "keepalive_restored"
	EventTempBlocked       EventKind = "temp_blocked"
	EventReceipt           EventKind = "receipt"
)

// Event is one tagged-variant message published on a Session's mailbox.
type Event struct {
	Kind EventKind
	Slot int

	// Expires is set on EventTempBlocked.
	Expires time.Time

	// ReceiptKind/MessageID are set on EventReceipt.
	ReceiptKind string
	MessageID   string
}
