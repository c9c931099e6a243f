package session

type EventType string

const (
	EventSessionReady EventType = "session_ready"
	EventSessionError EventType = "session_error"
)

// Event is a lifecycle notification delivered to registered subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message,omitempty"`
}

// Close codes for subscriber connections torn down by the service.
const (
	CloseSessionNotRunning = 4004
	CloseSessionStopped    = 4005
)

// Subscriber is one live network client attached to a session. Registration
// and removal are explicit and bound to connection lifecycle events so
// cleanup never depends on collector timing.
type Subscriber interface {
	ID() string
	Deliver(evt Event) error
	Close(code int, reason string) error
}
