// Package push delivers motion-record events to the UI. The supervisor
// only knows the Sink interface; the websocket hub is one implementation,
// tests use Nop or a recording sink.
package push

// Event types broadcast by the supervisor.
const (
	EventMovementNew      = "movement_new"
	EventMovementUpdate   = "movement_update"
	EventMovementComplete = "movement_complete"
	EventKeepAlive        = "keepalive"
)

// Sink receives broadcast events. Implementations must be safe for
// concurrent use and must never block the caller for long.
type Sink interface {
	Broadcast(event string, payload any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Broadcast(string, any) {}
