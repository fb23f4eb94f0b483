package history

import (
	"context"
	"time"

	"github.com/loykin/svcwrap/internal/supervisor"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
	EventCrash EventType = "crash"
)

// Record describes one incarnation of the supervised process.
type Record struct {
	Service   string     `json:"service"`
	PID       int        `json:"pid"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	State     string     `json:"state"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Status renders the record state the way sinks store it.
func (r Record) Status() string {
	if r.State != "" {
		return r.State
	}
	if r.StoppedAt == nil {
		return "running"
	}
	return "stopped"
}

// FromSupervisor maps a supervisor lifecycle event onto a history event.
// startedAt is the start time of the incarnation the event belongs to.
func FromSupervisor(ev supervisor.Event, startedAt time.Time) Event {
	rec := Record{Service: ev.Service, PID: ev.PID, StartedAt: startedAt}
	out := Event{OccurredAt: ev.At, Record: rec}
	switch ev.Type {
	case supervisor.EventStarted:
		out.Type = EventStart
		out.Record.StartedAt = ev.At
		out.Record.State = "running"
	case supervisor.EventCrashed:
		out.Type = EventCrash
		out.Record.State = "crashed"
	default:
		out.Type = EventStop
		out.Record.State = "stopped"
	}
	if out.Type != EventStart {
		at, code := ev.At, ev.ExitCode
		out.Record.StoppedAt = &at
		out.Record.ExitCode = &code
	}
	return out
}

// Columns returns the nullable SQL column values for r.
func Columns(r Record) (startedAt, stoppedAt, exitCode any) {
	if !r.StartedAt.IsZero() {
		startedAt = r.StartedAt.UTC()
	}
	if r.StoppedAt != nil {
		stoppedAt = r.StoppedAt.UTC()
	}
	if r.ExitCode != nil {
		exitCode = *r.ExitCode
	}
	return startedAt, stoppedAt, exitCode
}
