package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/resilience"
	"github.com/loykin/vigil/internal/store"
)

const DefaultHeartbeatInterval = 10 * time.Second

// DefaultErrorMessageLimit bounds stored error messages.
const DefaultErrorMessageLimit = 512

// Config describes one worker's identity and heartbeat behavior.
// InstanceType and MachineID form the key the store's active-uniqueness
// constraint is enforced over.
type Config struct {
	InstanceType      string
	MachineID         string
	Environment       string
	Hostname          string        // defaults to os.Hostname()
	ProcessID         int           // defaults to os.Getpid()
	HeartbeatInterval time.Duration // defaults to DefaultHeartbeatInterval
	ErrorMessageLimit int           // defaults to DefaultErrorMessageLimit

	HeartbeatPolicy resilience.Policy // defaults to resilience.HeartbeatPolicy()
	StorePolicy     resilience.Policy // defaults to resilience.StorePolicy()

	Logger *slog.Logger // defaults to slog.Default()
	Sinks  []history.Sink
}

func (c *Config) normalize() error {
	if c.InstanceType == "" {
		return errors.New("registry: instance type is required")
	}
	if c.MachineID == "" {
		return errors.New("registry: machine id is required")
	}
	if c.Hostname == "" {
		hn, err := os.Hostname()
		if err != nil {
			hn = "unknown"
		}
		c.Hostname = hn
	}
	if c.ProcessID == 0 {
		c.ProcessID = os.Getpid()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ErrorMessageLimit <= 0 {
		c.ErrorMessageLimit = DefaultErrorMessageLimit
	}
	if c.HeartbeatPolicy.MaxAttempts == 0 {
		c.HeartbeatPolicy = resilience.HeartbeatPolicy()
	}
	if err := c.HeartbeatPolicy.Validate(); err != nil {
		return err
	}
	if c.StorePolicy.MaxAttempts == 0 {
		c.StorePolicy = resilience.StorePolicy()
	}
	if err := c.StorePolicy.Validate(); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// ConflictError reports an already-active instance for the same key.
// It is an expected outcome of Register, not a fault; callers inspect it
// with errors.As to produce an actionable message.
type ConflictError struct {
	InstanceID   string
	InstanceType string
	MachineID    string
	Hostname     string
	ProcessID    int
	Status       store.Status
	HeartbeatAge time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already running on machine %s: PID %d on host %s (status %s, last heartbeat %s ago)",
		e.InstanceType, e.MachineID, e.ProcessID, e.Hostname, e.Status, e.HeartbeatAge.Round(time.Second))
}

// Registry registers a worker process in the liveness store and keeps its
// record alive with background heartbeats. One Registry serves one worker
// process; it is constructed explicitly with its store client held as a
// field so independent instances can coexist in tests.
type Registry struct {
	st      store.Store
	breaker *resilience.Breaker
	cfg     Config
	log     *slog.Logger
	sinks   history.Multi
	nowFunc func() time.Time
}

// New constructs a Registry with a dedicated circuit breaker for the
// liveness store.
func New(st store.Store, cfg Config) (*Registry, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	b, err := resilience.NewBreaker("liveness-store", resilience.DefaultBreakerConfig())
	if err != nil {
		return nil, err
	}
	return &Registry{
		st:      st,
		breaker: b,
		cfg:     cfg,
		log:     cfg.Logger.With("instance_type", cfg.InstanceType, "machine_id", cfg.MachineID),
		sinks:   cfg.Sinks,
		nowFunc: time.Now,
	}, nil
}

// Register atomically inserts a new instance record, transitions it to
// healthy, and starts the background heartbeat loop. The store's partial
// unique constraint is the duplicate gate: on conflict, the existing
// active record's identity is fetched and returned inside *ConflictError.
func (r *Registry) Register(ctx context.Context) (*Handle, error) {
	now := r.nowFunc().UTC()
	inst := store.Instance{
		ID:            uuid.NewString(),
		InstanceType:  r.cfg.InstanceType,
		MachineID:     r.cfg.MachineID,
		Status:        store.StatusStarting,
		Hostname:      r.cfg.Hostname,
		ProcessID:     r.cfg.ProcessID,
		StartedAt:     now,
		LastHeartbeat: now,
		Environment:   r.cfg.Environment,
	}
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		return r.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
			return r.st.CreateInstance(ctx, inst)
		})
	})
	if errors.Is(err, store.ErrDuplicateActive) {
		metrics.IncRegistration(r.cfg.InstanceType, "conflict")
		return nil, r.conflict(ctx)
	}
	if err != nil {
		metrics.IncRegistration(r.cfg.InstanceType, "error")
		return nil, fmt.Errorf("register %s: %w", r.cfg.InstanceType, err)
	}

	if err := r.transition(ctx, inst.ID, store.StatusStarting, store.StatusHealthy, "startup complete"); err != nil {
		// do not leave an active row behind that nothing heartbeats
		_ = r.transition(context.WithoutCancel(ctx), inst.ID, store.StatusStarting, store.StatusStopped, "registration failed")
		metrics.IncRegistration(r.cfg.InstanceType, "error")
		return nil, fmt.Errorf("register %s: mark healthy: %w", r.cfg.InstanceType, err)
	}
	metrics.IncRegistration(r.cfg.InstanceType, "registered")
	r.log.Info("instance registered", "id", inst.ID, "pid", inst.ProcessID, "hostname", inst.Hostname)

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		r:      r,
		id:     inst.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.run(hctx)
	return h, nil
}

// conflict fetches the winner's identity so the caller can say exactly
// who is already running.
func (r *Registry) conflict(ctx context.Context) error {
	var existing store.Instance
	err := r.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
		var gerr error
		existing, gerr = r.st.ActiveInstance(ctx, r.cfg.InstanceType, r.cfg.MachineID)
		return gerr
	})
	if err != nil {
		// the winner vanished between insert and lookup; still a conflict,
		// just without diagnostics
		return fmt.Errorf("%s already active on machine %s (details unavailable: %w)",
			r.cfg.InstanceType, r.cfg.MachineID, err)
	}
	return &ConflictError{
		InstanceID:   existing.ID,
		InstanceType: existing.InstanceType,
		MachineID:    existing.MachineID,
		Hostname:     existing.Hostname,
		ProcessID:    existing.ProcessID,
		Status:       existing.Status,
		HeartbeatAge: r.nowFunc().UTC().Sub(existing.LastHeartbeat),
	}
}

// transition performs one status move with retry, then exports it
// best-effort to the configured sinks.
func (r *Registry) transition(ctx context.Context, id string, from, to store.Status, reason string) error {
	at := r.nowFunc().UTC()
	var applied bool
	err := r.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
		var terr error
		applied, terr = r.st.Transition(ctx, id, to, reason, at)
		return terr
	})
	if err != nil {
		return err
	}
	if applied && len(r.sinks) > 0 {
		r.publish(ctx, id, from, to, reason, at)
	}
	return nil
}

func (r *Registry) publish(ctx context.Context, id string, from, to store.Status, reason string, at time.Time) {
	inst, err := r.st.GetInstance(ctx, id)
	uptime := 0.0
	if err == nil {
		uptime = at.Sub(inst.StartedAt).Seconds()
	}
	ev := history.Event{
		InstanceID:     id,
		InstanceType:   r.cfg.InstanceType,
		MachineID:      r.cfg.MachineID,
		PreviousStatus: string(from),
		NewStatus:      string(to),
		Reason:         reason,
		UptimeSeconds:  uptime,
		OccurredAt:     at,
	}
	if err := r.sinks.Send(ctx, ev); err != nil {
		r.log.Warn("history sink send failed", "error", err)
	}
}
