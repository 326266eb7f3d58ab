package history

import (
	"context"
	"time"
)

// Event is one status transition exported to external analytics systems.
// It mirrors the audit row the store keeps, enriched with the instance
// identity so downstream systems need no join.
type Event struct {
	InstanceID     string    `json:"instance_id"`
	InstanceType   string    `json:"instance_type"`
	MachineID      string    `json:"machine_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	Reason         string    `json:"reason"`
	UptimeSeconds  float64   `json:"uptime_seconds"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Sink is a destination for transition events (analytics/statistics systems).
// Implementations must be safe for concurrent use. Sinks are best-effort:
// the control plane never blocks or fails on a sink error.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans one event out to several sinks; the last error wins.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var err error
	for _, s := range m {
		if serr := s.Send(ctx, e); serr != nil {
			err = serr
		}
	}
	return err
}
