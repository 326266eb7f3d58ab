package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/vigil/internal/metrics"
	"github.com/loykin/vigil/internal/store"
)

// DefaultShutdownGrace bounds the final store writes of a signal-triggered
// shutdown.
const DefaultShutdownGrace = 10 * time.Second

// Handle is the worker-facing surface of a registered instance: counter
// bumps, the background heartbeat loop, and graceful shutdown.
type Handle struct {
	r      *Registry
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	commands atomic.Int64
	faults   atomic.Int64

	// most recent captured error, flushed on the next heartbeat tick
	errMu      sync.Mutex
	errPending bool
	errMsg     string
	errAt      time.Time

	stopOnce sync.Once
	stopErr  error
}

// ID returns the instance record id assigned at registration.
func (h *Handle) ID() string { return h.id }

// IncrementCommands bumps the self-reported work counter. It is a pure
// in-memory operation; the value reaches the store with the next
// heartbeat tick, trading seconds of staleness for far fewer writes.
func (h *Handle) IncrementCommands() { h.commands.Add(1) }

// RecordError bumps the error counter and remembers the message for the
// next heartbeat tick. The message is truncated to the configured limit.
func (h *Handle) RecordError(msg string) {
	h.faults.Add(1)
	if limit := h.r.cfg.ErrorMessageLimit; len(msg) > limit {
		msg = msg[:limit]
	}
	h.errMu.Lock()
	h.errMsg = msg
	h.errAt = h.r.nowFunc().UTC()
	h.errPending = true
	h.errMu.Unlock()
}

// run is the heartbeat loop. Ticks are strictly sequential; a slow store
// write delays the next tick rather than overlapping it.
func (h *Handle) run(ctx context.Context) {
	defer close(h.done)
	t := time.NewTicker(h.r.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.tick(ctx)
		}
	}
}

// tick writes one heartbeat under the heartbeat retry policy and breaker.
// A heartbeat that still fails is logged and dropped: only the monitor,
// observing staleness from the store's side, may declare this instance
// dead. Self-transitioning here would let a transient local failure kill
// an instance that is still doing useful work.
func (h *Handle) tick(ctx context.Context) {
	hb := store.Heartbeat{
		At:                h.r.nowFunc().UTC(),
		CommandsProcessed: h.commands.Load(),
		ErrorsEncountered: h.faults.Load(),
	}
	err := h.r.breaker.Do(ctx, func(ctx context.Context) error {
		return h.r.cfg.HeartbeatPolicy.Do(ctx, func(ctx context.Context) error {
			return h.r.st.RecordHeartbeat(ctx, h.id, hb)
		})
	})
	if err != nil {
		metrics.IncHeartbeatFailure(h.r.cfg.InstanceType)
		h.r.log.Warn("heartbeat failed", "id", h.id, "error", err)
		return
	}
	metrics.IncHeartbeat(h.r.cfg.InstanceType)
	h.flushFault(ctx)
}

// flushFault pushes a pending captured error after a successful heartbeat.
func (h *Handle) flushFault(ctx context.Context) {
	h.errMu.Lock()
	if !h.errPending {
		h.errMu.Unlock()
		return
	}
	msg, at := h.errMsg, h.errAt
	h.errMu.Unlock()

	err := h.r.cfg.HeartbeatPolicy.Do(ctx, func(ctx context.Context) error {
		return h.r.st.RecordFault(ctx, h.id, msg, at)
	})
	if err != nil {
		h.r.log.Warn("fault record failed", "id", h.id, "error", err)
		return
	}
	h.errMu.Lock()
	// a newer error may have arrived while writing; only clear our own
	if h.errMsg == msg && h.errAt.Equal(at) {
		h.errPending = false
	}
	h.errMu.Unlock()
}

// Shutdown stops the heartbeat loop and transitions the record through
// stopping to stopped with a final counter flush, so a deliberately
// stopped instance never appears crashed to the monitor. It is
// idempotent: the second and later calls return the first result.
func (h *Handle) Shutdown(ctx context.Context, reason string) error {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		h.stopErr = h.finalize(ctx, reason)
	})
	return h.stopErr
}

// ShutdownOnSignal completes the record when SIGTERM or SIGINT arrives.
// The final store writes run under a fresh context bounded by grace, never
// under the signal context itself (which is typically already cancelled by
// the time shutdown runs), so a deliberate stop is recorded before the
// process exits instead of aging into a crash. The returned channel yields
// the shutdown result once. Workers that shut down through other paths
// simply never receive from it.
func (h *Handle) ShutdownOnSignal(grace time.Duration, reason string) <-chan error {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	res := make(chan error, 1)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sig)
		select {
		case <-sig:
		case <-h.done:
			// shut down directly; nothing left to do on a later signal
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		res <- h.Shutdown(ctx, reason)
	}()
	return res
}

func (h *Handle) finalize(ctx context.Context, reason string) error {
	// the record may have been marked degraded by the monitor; export the
	// status it actually leaves from
	prev := store.StatusHealthy
	if cur, err := h.r.st.GetInstance(ctx, h.id); err == nil {
		prev = cur.Status
	}
	if err := h.r.transition(ctx, h.id, prev, store.StatusStopping, reason); err != nil {
		return fmt.Errorf("shutdown %s: %w", h.id, err)
	}
	// final counter flush while the record is still active
	hb := store.Heartbeat{
		At:                h.r.nowFunc().UTC(),
		CommandsProcessed: h.commands.Load(),
		ErrorsEncountered: h.faults.Load(),
	}
	err := h.r.cfg.HeartbeatPolicy.Do(ctx, func(ctx context.Context) error {
		return h.r.st.RecordHeartbeat(ctx, h.id, hb)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		h.r.log.Warn("final heartbeat flush failed", "id", h.id, "error", err)
	}
	if err := h.r.transition(ctx, h.id, store.StatusStopping, store.StatusStopped, reason); err != nil {
		return fmt.Errorf("shutdown %s: %w", h.id, err)
	}
	h.r.log.Info("instance stopped", "id", h.id, "reason", reason)
	return nil
}

// CaptureCrash is meant to be deferred at the top of the worker's main
// loop. When a panic escapes, it best-effort records the panic message
// and stack so the monitor and operators have forensic context, then
// re-panics. The abnormal exit itself is later classified as crashed by
// the monitor; no graceful shutdown is attempted here.
func (h *Handle) CaptureCrash() {
	v := recover()
	if v == nil {
		return
	}
	msg := fmt.Sprintf("panic: %v\n%s", v, debug.Stack())
	h.RecordError(msg)
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	h.errMu.Lock()
	m, at := h.errMsg, h.errAt
	h.errMu.Unlock()
	if err := h.r.st.RecordFault(ctx, h.id, m, at); err != nil {
		h.r.log.Error("failed to record crash context", "id", h.id, "error", err)
	}
	h.r.log.Error("uncaught panic, instance exiting", "id", h.id, "panic", fmt.Sprint(v))
	panic(v)
}
