package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventCrash   EventType = "crash"
	EventRestart EventType = "restart"
)

// Record is the state of one downstream server process at the time of an event.
type Record struct {
	ID        string         `json:"id"`
	Server    string         `json:"server"`
	PID       int            `json:"pid"`
	State     string         `json:"state"`
	Restarts  int            `json:"restarts"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt sql.NullTime   `json:"stopped_at"`
	ExitErr   sql.NullString `json:"exit_err"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Broadcast delivers e to every sink concurrently and joins their errors.
func Broadcast(ctx context.Context, sinks []Sink, e Event) error {
	if len(sinks) == 0 {
		return nil
	}
	errs := make([]error, len(sinks))
	var g errgroup.Group
	for i, s := range sinks {
		g.Go(func() error {
			errs[i] = s.Send(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func nullable(t sql.NullTime) any {
	if t.Valid {
		return t.Time.UTC()
	}
	return nil
}

func nullableString(s sql.NullString) any {
	if s.Valid {
		return s.String
	}
	return nil
}

// Args returns the positional insert arguments shared by the SQL sinks in
// column order: id, occurred_at, event, server, pid, state, restarts,
// started_at, stopped_at, exit_err.
func (e Event) Args() []any {
	r := e.Record
	return []any{
		r.ID, e.OccurredAt.UTC(), string(e.Type), r.Server, r.PID, r.State, r.Restarts,
		r.StartedAt.UTC(), nullable(r.StoppedAt), nullableString(r.ExitErr),
	}
}
