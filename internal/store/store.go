package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Status is the lifecycle state of an instance record.
type Status string

const (
	StatusStarting Status = "starting"
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusCrashed  Status = "crashed"
)

// Active reports whether s is a non-terminal status. At most one active
// record may exist per (instance_type, machine_id); the drivers enforce
// this with a partial unique index, not with application-level locking.
func (s Status) Active() bool {
	switch s {
	case StatusStarting, StatusHealthy, StatusDegraded, StatusStopping:
		return true
	}
	return false
}

// Terminal reports whether s is stopped or crashed. Terminal records are
// never mutated again; a recovered worker creates a new record.
func (s Status) Terminal() bool { return s == StatusStopped || s == StatusCrashed }

var (
	// ErrNotFound is returned when no instance matches the query.
	ErrNotFound = errors.New("instance not found")
	// ErrDuplicateActive is returned by CreateInstance when another active
	// record already holds the same (instance_type, machine_id).
	ErrDuplicateActive = errors.New("active instance already registered")
)

// Instance is one registration of a worker process. A crashed-and-restarted
// worker produces a new row; history is preserved across restarts.
type Instance struct {
	ID                string
	InstanceType      string
	MachineID         string
	Status            Status
	Hostname          string
	ProcessID         int
	StartedAt         time.Time
	StoppedAt         sql.NullTime
	LastHeartbeat     time.Time
	MissedHeartbeats  int
	CommandsProcessed int64
	ErrorsEncountered int64
	LastErrorMessage  sql.NullString
	LastErrorAt       sql.NullTime
	Environment       string
}

// Uptime returns the observed lifetime of the instance as of t.
func (i Instance) Uptime(t time.Time) time.Duration { return t.Sub(i.StartedAt) }

// HistoryEntry is one immutable audit row describing a status transition.
type HistoryEntry struct {
	ID             int64
	InstanceID     string
	PreviousStatus Status
	NewStatus      Status
	Reason         string
	UptimeSeconds  float64
	CreatedAt      time.Time
}

// Heartbeat carries one liveness tick: the new heartbeat time plus the
// self-reported counters accumulated since registration. Counters are
// absolute values, not deltas, so a retried write is idempotent.
type Heartbeat struct {
	At                time.Time
	CommandsProcessed int64
	ErrorsEncountered int64
}

// Store is the liveness persistence interface shared by the registry and
// the monitor. Implementations exist for SQLite and PostgreSQL.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// CreateInstance atomically inserts a new record with status=starting
	// and appends its registration history entry. Returns
	// ErrDuplicateActive when the active-uniqueness constraint rejects it.
	CreateInstance(ctx context.Context, inst Instance) error

	// Transition moves the record to a new status, appends exactly one
	// history entry carrying the uptime at transition time, and stamps
	// stopped_at when the new status is terminal. It reports false
	// without error when the record is already terminal, which makes a
	// concurrent duplicate transition (two monitors) a no-op.
	Transition(ctx context.Context, id string, to Status, reason string, at time.Time) (bool, error)

	// RecordHeartbeat advances last_heartbeat and the self-reported
	// counters, and resets missed_heartbeats. last_heartbeat never moves
	// backwards; a stale retry is absorbed, not applied.
	RecordHeartbeat(ctx context.Context, id string, hb Heartbeat) error

	// RecordFault stores the most recent captured error for forensics.
	// The message should already be truncated by the caller.
	RecordFault(ctx context.Context, id string, msg string, at time.Time) error

	// IncrementMissedHeartbeats bumps the monitor-maintained counter and
	// returns the new value.
	IncrementMissedHeartbeats(ctx context.Context, id string) (int, error)

	GetInstance(ctx context.Context, id string) (Instance, error)

	// ActiveInstance returns the single active record for the key, or
	// ErrNotFound.
	ActiveInstance(ctx context.Context, instanceType, machineID string) (Instance, error)

	// ActiveInstances returns every record in an active status.
	ActiveInstances(ctx context.Context) ([]Instance, error)

	// StaleActive returns active records whose last_heartbeat is strictly
	// older than cutoff.
	StaleActive(ctx context.Context, cutoff time.Time) ([]Instance, error)

	// History returns the newest-first transitions for one instance.
	History(ctx context.Context, instanceID string, limit int) ([]HistoryEntry, error)

	// RecentHistory returns the newest-first transitions across all
	// instances.
	RecentHistory(ctx context.Context, limit int) ([]HistoryEntry, error)

	// PurgeOlderThan deletes terminal instance rows (and their history)
	// stopped before olderThan. Active rows are never purged.
	PurgeOlderThan(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
