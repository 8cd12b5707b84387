package history

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTable is used by the SQL and ClickHouse sinks when no table is configured.
const DefaultTable = "tapline_history"

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted        EventType = "started"
	EventReloaded       EventType = "reloaded"
	EventReloadRejected EventType = "reload_rejected"
	EventCrashed        EventType = "crashed"
	EventStopped        EventType = "stopped"
	EventQuit           EventType = "quit"
)

// Event is one lifecycle transition of the running topology.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Generation uint64    `json:"generation"`
	Components int       `json:"components"`
	Detail     string    `json:"detail,omitempty"`
}

func NewEvent(t EventType, generation uint64, components int, detail string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Generation: generation,
		Components: components,
		Detail:     detail,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
