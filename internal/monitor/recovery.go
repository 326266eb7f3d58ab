package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
)

// maybeRecover starts one bounded recovery sequence for a crashed
// instance of an auto-restartable type. Recovery is serialized per
// (instance_type, machine_id): while an attempt sequence is outstanding,
// further crash observations for the same key are ignored.
func (m *Monitor) maybeRecover(ctx context.Context, inst store.Instance) {
	if !m.cfg.Recovery.Enabled {
		return
	}
	spec, ok := m.cfg.LaunchSpecs[inst.InstanceType]
	if !ok || !spec.AutoRestart {
		return
	}
	key := inst.InstanceType + "/" + inst.MachineID
	m.mu.Lock()
	if _, busy := m.inFlight[key]; busy {
		m.mu.Unlock()
		return
	}
	m.inFlight[key] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, key)
			m.mu.Unlock()
		}()
		m.runRecovery(ctx, inst, spec)
	}()
}

// runRecovery performs the bounded, backoff-delayed restart sequence for
// one crash event. Attempts never overlap; exhaustion is a terminal
// operational failure surfaced at the highest severity, never a silent
// or infinite retry.
func (m *Monitor) runRecovery(ctx context.Context, crashed store.Instance, spec LaunchSpec) {
	log := m.log.With("instance_type", crashed.InstanceType, "crashed_id", crashed.ID)
	for attempt := 1; attempt <= m.cfg.Recovery.MaxAttempts; attempt++ {
		delay := m.recoveryDelay(attempt)
		log.Info("scheduling recovery attempt",
			"attempt", attempt, "max_attempts", m.cfg.Recovery.MaxAttempts, "delay", delay)
		if !wait(ctx, delay) {
			log.Warn("recovery aborted by shutdown", "attempt", attempt)
			return
		}
		metrics.IncRecoveryAttempt(crashed.InstanceType)
		if err := m.launch(spec); err != nil {
			log.Warn("relaunch failed to start", "attempt", attempt, "error", err)
			continue
		}
		if replacement, ok := m.awaitConfirmation(ctx, crashed); ok {
			metrics.IncRecoveryOutcome(crashed.InstanceType, "success")
			log.Info("recovery succeeded",
				"attempt", attempt, "new_id", replacement.ID, "new_pid", replacement.ProcessID)
			return
		}
		log.Warn("relaunched process did not self-register in time",
			"attempt", attempt, "confirm_window", m.cfg.Recovery.ConfirmWindow)
	}
	metrics.IncRecoveryOutcome(crashed.InstanceType, "exhausted")
	log.Error("recovery exhausted, manual intervention required",
		"attempts", m.cfg.Recovery.MaxAttempts)
}

func (m *Monitor) recoveryDelay(attempt int) time.Duration {
	delays := m.cfg.Recovery.Delays
	if attempt-1 < len(delays) {
		return delays[attempt-1]
	}
	return delays[len(delays)-1]
}

// awaitConfirmation polls for a new healthy record under the crashed
// instance's key, proving the relaunched process self-registered. The
// wait is bounded by the confirmation window and cancellable.
func (m *Monitor) awaitConfirmation(ctx context.Context, crashed store.Instance) (store.Instance, bool) {
	deadline := m.nowFunc().Add(m.cfg.Recovery.ConfirmWindow)
	for m.nowFunc().Before(deadline) {
		if !wait(ctx, m.cfg.Recovery.ConfirmPoll) {
			return store.Instance{}, false
		}
		cur, err := m.st.ActiveInstance(ctx, crashed.InstanceType, crashed.MachineID)
		if err != nil {
			continue
		}
		if cur.ID != crashed.ID && cur.Status == store.StatusHealthy {
			return cur, true
		}
	}
	return store.Instance{}, false
}

// spawn is the default launcher: it starts the spec's command detached
// and reaps it in the background so the monitor never accumulates
// zombies. Liveness of the child is judged solely by its self-registration.
func (m *Monitor) spawn(spec LaunchSpec) error {
	cmd := spec.BuildCommand()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %q: %w", spec.Command, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// wait sleeps for d, returning false if ctx is cancelled first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
