package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/vigil/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "vigil.db"))
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func testInstance(id string, started time.Time) store.Instance {
	return store.Instance{
		ID:            id,
		InstanceType:  "collector",
		MachineID:     "machine-1",
		Status:        store.StatusStarting,
		Hostname:      "host-a",
		ProcessID:     4242,
		StartedAt:     started,
		LastHeartbeat: started,
		Environment:   "test",
	}
}

func TestCreateAndGetInstance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := db.CreateInstance(ctx, testInstance("a", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := db.GetInstance(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.InstanceType != "collector" || got.Status != store.StatusStarting || got.ProcessID != 4242 {
		t.Fatalf("unexpected record: %+v", got)
	}
	// registration history entry exists
	hist, err := db.History(ctx, "a", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].NewStatus != store.StatusStarting || hist[0].Reason != "registered" {
		t.Fatalf("unexpected history: %+v", hist)
	}

	if _, err := db.GetInstance(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveUniquenessConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := db.CreateInstance(ctx, testInstance("a", now)); err != nil {
		t.Fatalf("create a: %v", err)
	}
	err := db.CreateInstance(ctx, testInstance("b", now))
	if !errors.Is(err, store.ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}

	// a different machine is not a conflict
	other := testInstance("c", now)
	other.MachineID = "machine-2"
	if err := db.CreateInstance(ctx, other); err != nil {
		t.Fatalf("create on other machine: %v", err)
	}

	// terminating the holder frees the slot
	if _, err := db.Transition(ctx, "a", store.StatusStopped, "done", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := db.CreateInstance(ctx, testInstance("d", now)); err != nil {
		t.Fatalf("create after stop: %v", err)
	}
}

func TestTransitionWritesHistoryAndTerminalIsFinal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-90 * time.Second)

	if err := db.CreateInstance(ctx, testInstance("a", start)); err != nil {
		t.Fatalf("create: %v", err)
	}
	at := start.Add(90 * time.Second)
	applied, err := db.Transition(ctx, "a", store.StatusCrashed, "missed heartbeats (timeout: 1m0s)", at)
	if err != nil || !applied {
		t.Fatalf("transition: applied=%v err=%v", applied, err)
	}
	got, err := db.GetInstance(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusCrashed || !got.StoppedAt.Valid {
		t.Fatalf("expected crashed with stopped_at, got %+v", got)
	}
	hist, err := db.History(ctx, "a", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	// newest first
	if hist[0].PreviousStatus != store.StatusStarting || hist[0].NewStatus != store.StatusCrashed {
		t.Fatalf("unexpected crash entry: %+v", hist[0])
	}
	if got, want := hist[0].UptimeSeconds, 90.0; got < want-1 || got > want+1 {
		t.Fatalf("uptime = %v, want about %v", got, want)
	}

	// a second monitor transitioning an already-terminal record is a no-op
	applied, err = db.Transition(ctx, "a", store.StatusCrashed, "dup", at.Add(time.Second))
	if err != nil {
		t.Fatalf("dup transition: %v", err)
	}
	if applied {
		t.Fatalf("terminal record transitioned again")
	}
	hist, _ = db.History(ctx, "a", 10)
	if len(hist) != 2 {
		t.Fatalf("duplicate transition appended history: %d entries", len(hist))
	}

	if _, err := db.Transition(ctx, "missing", store.StatusCrashed, "x", at); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatAdvancesAndNeverMovesBackwards(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	if err := db.CreateInstance(ctx, testInstance("a", start)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := db.IncrementMissedHeartbeats(ctx, "a"); err != nil {
		t.Fatalf("increment missed: %v", err)
	}

	later := start.Add(10 * time.Second)
	hb := store.Heartbeat{At: later, CommandsProcessed: 7, ErrorsEncountered: 2}
	if err := db.RecordHeartbeat(ctx, "a", hb); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := db.GetInstance(ctx, "a")
	if !got.LastHeartbeat.Equal(later) || got.CommandsProcessed != 7 || got.ErrorsEncountered != 2 {
		t.Fatalf("heartbeat not applied: %+v", got)
	}
	if got.MissedHeartbeats != 0 {
		t.Fatalf("missed heartbeats not reset: %d", got.MissedHeartbeats)
	}

	// a delayed retry with an older timestamp is absorbed silently
	stale := store.Heartbeat{At: start.Add(5 * time.Second), CommandsProcessed: 3}
	if err := db.RecordHeartbeat(ctx, "a", stale); err != nil {
		t.Fatalf("stale heartbeat: %v", err)
	}
	got, _ = db.GetInstance(ctx, "a")
	if !got.LastHeartbeat.Equal(later) || got.CommandsProcessed != 7 {
		t.Fatalf("stale heartbeat moved state backwards: %+v", got)
	}

	if err := db.RecordHeartbeat(ctx, "missing", hb); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStaleActiveQuery(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := testInstance("old", now.Add(-5*time.Minute))
	if err := db.CreateInstance(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	fresh := testInstance("fresh", now)
	fresh.MachineID = "machine-2"
	if err := db.CreateInstance(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	stale, err := db.StaleActive(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale query: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old" {
		t.Fatalf("unexpected stale set: %+v", stale)
	}

	// terminal records are never reported stale
	if _, err := db.Transition(ctx, "old", store.StatusCrashed, "x", now); err != nil {
		t.Fatalf("transition: %v", err)
	}
	stale, _ = db.StaleActive(ctx, now.Add(-time.Minute))
	if len(stale) != 0 {
		t.Fatalf("terminal record reported stale: %+v", stale)
	}
}

func TestRecordFault(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if err := db.CreateInstance(ctx, testInstance("a", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.RecordFault(ctx, "a", "read timeout on serial bus", now); err != nil {
		t.Fatalf("record fault: %v", err)
	}
	got, _ := db.GetInstance(ctx, "a")
	if !got.LastErrorMessage.Valid || got.LastErrorMessage.String != "read timeout on serial bus" {
		t.Fatalf("fault not recorded: %+v", got)
	}
	if !got.LastErrorAt.Valid {
		t.Fatalf("last_error_at not set")
	}
	if err := db.RecordFault(ctx, "missing", "x", now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPurgeOlderThanKeepsActiveAndRecent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := testInstance("a", now.Add(-48*time.Hour))
	if err := db.CreateInstance(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := db.Transition(ctx, "a", store.StatusStopped, "done", now.Add(-47*time.Hour)); err != nil {
		t.Fatalf("transition a: %v", err)
	}
	b := testInstance("b", now)
	if err := db.CreateInstance(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	n, err := db.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d rows, want 1", n)
	}
	if _, err := db.GetInstance(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("terminal record not purged: %v", err)
	}
	if _, err := db.GetInstance(ctx, "b"); err != nil {
		t.Fatalf("active record purged: %v", err)
	}
	if hist, _ := db.History(ctx, "a", 10); len(hist) != 0 {
		t.Fatalf("history not purged: %+v", hist)
	}
}

func TestActiveInstanceLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := db.ActiveInstance(ctx, "collector", "machine-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := db.CreateInstance(ctx, testInstance("a", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := db.ActiveInstance(ctx, "collector", "machine-1")
	if err != nil {
		t.Fatalf("active lookup: %v", err)
	}
	if got.ID != "a" {
		t.Fatalf("unexpected instance: %+v", got)
	}
	all, err := db.ActiveInstances(ctx)
	if err != nil {
		t.Fatalf("active list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 active, got %d", len(all))
	}
}
