package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type captureSink struct {
	events []Event
	err    error
}

func (c *captureSink) Send(_ context.Context, e Event) error {
	c.events = append(c.events, e)
	return c.err
}

func TestMultiFansOutToAllSinks(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	m := Multi{a, b}

	ev := Event{
		InstanceID:     "id-1",
		InstanceType:   "persistence-worker",
		MachineID:      "machine-a",
		PreviousStatus: "healthy",
		NewStatus:      "crashed",
		Reason:         "missed heartbeats",
		UptimeSeconds:  42,
		OccurredAt:     time.Now().UTC(),
	}
	if err := m.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out incomplete: %d/%d", len(a.events), len(b.events))
	}
	if a.events[0] != ev {
		t.Fatalf("event mutated in transit: %+v", a.events[0])
	}
}

func TestMultiKeepsSendingPastFailures(t *testing.T) {
	boom := errors.New("sink down")
	a := &captureSink{err: boom}
	b := &captureSink{}
	m := Multi{a, b}

	err := m.Send(context.Background(), Event{InstanceID: "id-1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error surfaced, got %v", err)
	}
	if len(b.events) != 1 {
		t.Fatalf("later sink skipped after earlier failure")
	}
}

func TestEmptyMulti(t *testing.T) {
	if err := (Multi{}).Send(context.Background(), Event{}); err != nil {
		t.Fatalf("empty multi: %v", err)
	}
}
