package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn       EventType = "spawn"        // child launched at a new address
	EventSpawnFailed EventType = "spawn_failed" // child could not be launched
	EventDead        EventType = "dead"         // check found the child exited
	EventHung        EventType = "hung"         // check found the child alive but unresponsive
	EventStop        EventType = "stop"         // supervisor teardown killed the child
)

// Record describes the child at the time of an event.
type Record struct {
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`
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

// ExitCodeArg converts an optional exit code into a nullable SQL argument.
func ExitCodeArg(code *int) any {
	if code == nil {
		return nil
	}
	return int64(*code)
}
