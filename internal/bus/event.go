package bus

import "time"

// Event is a message published on the bus. Kind is a dotted topic path
// ("event.message_new", "sync.chats_updated", "conn.status_changed");
// subscribers match kinds by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
