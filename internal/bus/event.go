package bus

import "time"

// Event represents a domain event published on the bus. Session carries the
// originating session key so subscribers can scope to a single room.
type Event struct {
	Kind      string
	Session   string
	Timestamp time.Time
	Payload   any
}
