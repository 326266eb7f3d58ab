package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/history"
	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/resilience"
	"github.com/loykin/vigil/internal/store"
)

const (
	DefaultDetectionInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultDegradedErrorRate = 0.5
)

// RecoveryConfig bounds automatic relaunching after a detected crash.
type RecoveryConfig struct {
	Enabled       bool            `mapstructure:"enabled"`
	MaxAttempts   int             `mapstructure:"max_attempts"`   // default 3
	Delays        []time.Duration `mapstructure:"delays"`         // default 5s, 15s, 30s; last repeats
	ConfirmWindow time.Duration   `mapstructure:"confirm_window"` // default 10s
	ConfirmPoll   time.Duration   `mapstructure:"confirm_poll"`   // default 500ms
}

// Config describes one monitor process.
type Config struct {
	MachineID         string
	DetectionInterval time.Duration
	HeartbeatTimeout  time.Duration
	// HeartbeatInterval is the registry-side interval, used only to
	// validate that the timeout cannot fire off a single missed tick.
	HeartbeatInterval time.Duration
	DegradedErrorRate float64 // <= 0 disables degraded detection
	PurgeAfter        time.Duration
	Recovery          RecoveryConfig
	LaunchSpecs       map[string]LaunchSpec // keyed by instance type

	StorePolicy resilience.Policy
	Logger      *slog.Logger
	Sinks       []history.Sink
}

func (c *Config) normalize() error {
	if c.MachineID == "" {
		return fmt.Errorf("monitor: machine id is required")
	}
	if c.DetectionInterval <= 0 {
		c.DetectionInterval = DefaultDetectionInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout < 2*c.HeartbeatInterval {
		return fmt.Errorf("monitor: heartbeat timeout %v must be at least twice the heartbeat interval %v",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.DegradedErrorRate == 0 {
		c.DegradedErrorRate = DefaultDegradedErrorRate
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = 3
	}
	if len(c.Recovery.Delays) == 0 {
		c.Recovery.Delays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}
	}
	if c.Recovery.ConfirmWindow <= 0 {
		c.Recovery.ConfirmWindow = 10 * time.Second
	}
	if c.Recovery.ConfirmPoll <= 0 {
		c.Recovery.ConfirmPoll = 500 * time.Millisecond
	}
	for name, spec := range c.LaunchSpecs {
		if err := spec.validate(); err != nil {
			return fmt.Errorf("monitor: instance type %q: %w", name, err)
		}
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

// Monitor is the control-loop process that detects dead instances from
// heartbeat staleness and drives bounded recovery. It owns no worker
// state; the liveness store is the single source of truth.
type Monitor struct {
	st      store.Store
	breaker *resilience.Breaker
	cfg     Config
	log     *slog.Logger
	sinks   history.Multi
	nowFunc func() time.Time

	// launch is injectable for tests; the default spawns the launch spec.
	launch func(LaunchSpec) error

	mu       sync.Mutex
	inFlight map[string]struct{} // recovery keys: instance_type + machine_id
	wg       sync.WaitGroup
}

func New(st store.Store, cfg Config) (*Monitor, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	b, err := resilience.NewBreaker("liveness-store", resilience.DefaultBreakerConfig())
	if err != nil {
		return nil, err
	}
	m := &Monitor{
		st:       st,
		breaker:  b,
		cfg:      cfg,
		log:      cfg.Logger.With("machine_id", cfg.MachineID),
		sinks:    cfg.Sinks,
		nowFunc:  time.Now,
		inFlight: make(map[string]struct{}),
	}
	m.launch = m.spawn
	return m, nil
}

// Run executes detection cycles until ctx is cancelled, then waits for
// in-flight recovery attempts to wind down.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("health monitor started",
		"detection_interval", m.cfg.DetectionInterval,
		"heartbeat_timeout", m.cfg.HeartbeatTimeout,
		"recovery_enabled", m.cfg.Recovery.Enabled)
	t := time.NewTicker(m.cfg.DetectionInterval)
	defer t.Stop()
	for {
		m.detect(ctx)
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.log.Info("health monitor stopped")
			return nil
		case <-t.C:
		}
	}
}

// detect runs one detection cycle: crash detection by staleness, then
// degraded detection by error rate, then optional retention purge.
// A store that cannot be observed is not a store full of dead instances:
// on read failure the cycle is skipped and retried next interval.
func (m *Monitor) detect(ctx context.Context) {
	now := m.nowFunc().UTC()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout)

	var stale []store.Instance
	err := m.breaker.Do(ctx, func(ctx context.Context) error {
		return m.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
			var qerr error
			stale, qerr = m.st.StaleActive(ctx, cutoff)
			return qerr
		})
	})
	if err != nil {
		m.log.Warn("cannot observe instances, skipping detection cycle", "error", err)
		return
	}
	for _, inst := range stale {
		m.markCrashed(ctx, inst, now)
	}

	if m.cfg.DegradedErrorRate > 0 {
		m.detectDegraded(ctx, now)
	}
	if m.cfg.PurgeAfter > 0 {
		var purged int64
		err := m.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
			var perr error
			purged, perr = m.st.PurgeOlderThan(ctx, now.Add(-m.cfg.PurgeAfter))
			return perr
		})
		if err != nil {
			m.log.Warn("purge failed", "error", err)
		} else if purged > 0 {
			m.log.Debug("purged terminal records", "count", purged)
		}
	}
}

// markCrashed writes the authoritative declaration of death. Until the
// transition commits, the instance is still considered possibly alive;
// a concurrent monitor losing this race observes a terminal no-op.
func (m *Monitor) markCrashed(ctx context.Context, inst store.Instance, now time.Time) {
	var missed int
	err := m.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
		var ierr error
		missed, ierr = m.st.IncrementMissedHeartbeats(ctx, inst.ID)
		return ierr
	})
	if err != nil {
		m.log.Warn("missed-heartbeat bump failed", "id", inst.ID, "error", err)
	}
	reason := fmt.Sprintf("missed heartbeats (timeout: %s)", m.cfg.HeartbeatTimeout)
	applied, err := m.transition(ctx, inst, store.StatusCrashed, reason, now)
	if err != nil {
		m.log.Error("crash transition failed", "id", inst.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	metrics.IncCrashDetected(inst.InstanceType)
	m.log.Error("instance crashed",
		"id", inst.ID,
		"instance_type", inst.InstanceType,
		"pid", inst.ProcessID,
		"missed_heartbeats", missed,
		"last_heartbeat", inst.LastHeartbeat,
		"uptime", now.Sub(inst.StartedAt).Round(time.Second))
	m.maybeRecover(ctx, inst)
}

// detectDegraded surfaces a high lifetime error rate. Observational only:
// nothing is killed or restarted on this signal.
func (m *Monitor) detectDegraded(ctx context.Context, now time.Time) {
	var active []store.Instance
	err := m.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
		var qerr error
		active, qerr = m.st.ActiveInstances(ctx)
		return qerr
	})
	if err != nil {
		m.log.Warn("degraded scan failed", "error", err)
		return
	}
	for _, inst := range active {
		if inst.Status != store.StatusHealthy {
			continue
		}
		denom := inst.CommandsProcessed
		if denom < 1 {
			denom = 1
		}
		rate := float64(inst.ErrorsEncountered) / float64(denom)
		if rate <= m.cfg.DegradedErrorRate {
			continue
		}
		reason := fmt.Sprintf("error rate %.2f exceeds threshold %.2f (%d errors / %d commands)",
			rate, m.cfg.DegradedErrorRate, inst.ErrorsEncountered, inst.CommandsProcessed)
		applied, err := m.transition(ctx, inst, store.StatusDegraded, reason, now)
		if err != nil {
			m.log.Warn("degraded transition failed", "id", inst.ID, "error", err)
			continue
		}
		if applied {
			metrics.IncDegraded(inst.InstanceType)
			m.log.Warn("instance degraded", "id", inst.ID, "instance_type", inst.InstanceType, "reason", reason)
		}
	}
}

func (m *Monitor) transition(ctx context.Context, inst store.Instance, to store.Status, reason string, at time.Time) (bool, error) {
	var applied bool
	err := m.cfg.StorePolicy.Do(ctx, func(ctx context.Context) error {
		var terr error
		applied, terr = m.st.Transition(ctx, inst.ID, to, reason, at)
		return terr
	})
	if err != nil || !applied {
		return applied, err
	}
	if len(m.sinks) > 0 {
		ev := history.Event{
			InstanceID:     inst.ID,
			InstanceType:   inst.InstanceType,
			MachineID:      inst.MachineID,
			PreviousStatus: string(inst.Status),
			NewStatus:      string(to),
			Reason:         reason,
			UptimeSeconds:  at.Sub(inst.StartedAt).Seconds(),
			OccurredAt:     at,
		}
		if serr := m.sinks.Send(ctx, ev); serr != nil {
			m.log.Warn("history sink send failed", "error", serr)
		}
	}
	return true, nil
}
