package supervisor

import "time"

type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventCrashed EventType = "crashed"
)

// Event is a lifecycle notification. ExitCode is unset for EventStarted.
type Event struct {
	Type     EventType
	Service  string
	PID      int
	At       time.Time
	ExitCode int
}
