// Package supervisor implements the three-layer watchdog model: per-instance staleness
// detection, worker recreation after too many failures, and process-level availability
// escalation. It never touches SystemState; it only sends commands to workers and reads
// their last-activity timestamps via Worker.Status().
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/metrics"
	"github.com/mikef5410/solarcore/internal/plugin"
)

// WorkerFactory builds a fresh, unstarted *plugin.Worker for one plugin instance. The
// worker-liveness monitor calls it again to recreate a worker that terminated
// unexpectedly, so it must not close over any state the prior worker mutated.
type WorkerFactory func() (*plugin.Worker, error)

type handle struct {
	instanceID string
	factory    WorkerFactory
	out        chan<- keys.Reading

	worker   *plugin.Worker
	commands chan plugin.Command
	cancel   context.CancelFunc
	done     chan struct{}

	reloadAttempts int
	lastFireAt     time.Time
	offline        bool
}

// Supervisor runs the watchdog, worker-recreate, and availability layers on a single
// timer loop.
type Supervisor struct {
	WatchdogTimeout      time.Duration // default 120s
	Grace                time.Duration // default 30s from process start
	MaxReloadAttempts    int           // default 3
	StaleDataTimeout     time.Duration // default 900s
	TickInterval         time.Duration // default 5s

	Logger               *slog.Logger
	Exit                 func(code int) // overridable for tests; defaults to os.Exit
	OnAvailabilityChange func(instanceID string, offline bool)

	mu        sync.Mutex
	handles   []*handle
	rootCtx   context.Context
	startedAt time.Time
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Supervisor) exit() func(int) {
	if s.Exit != nil {
		return s.Exit
	}
	return os.Exit
}

func (s *Supervisor) watchdogTimeout() time.Duration {
	if s.WatchdogTimeout <= 0 {
		return 120 * time.Second
	}
	return s.WatchdogTimeout
}

func (s *Supervisor) grace() time.Duration {
	if s.Grace <= 0 {
		return 30 * time.Second
	}
	return s.Grace
}

func (s *Supervisor) maxReloadAttempts() int {
	if s.MaxReloadAttempts <= 0 {
		return 3
	}
	return s.MaxReloadAttempts
}

func (s *Supervisor) staleDataTimeout() time.Duration {
	if s.StaleDataTimeout <= 0 {
		return 900 * time.Second
	}
	return s.StaleDataTimeout
}

func (s *Supervisor) tickInterval() time.Duration {
	if s.TickInterval <= 0 {
		return 5 * time.Second
	}
	return s.TickInterval
}

// Register adds a plugin instance to the supervisor and spawns its first worker. Run must
// be called (concurrently or afterward) to drive the watchdog layers for this instance.
func (s *Supervisor) Register(ctx context.Context, instanceID string, factory WorkerFactory, out chan<- keys.Reading) error {
	h := &handle{instanceID: instanceID, factory: factory, out: out}
	if err := s.spawn(ctx, h); err != nil {
		return err
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, h *handle) error {
	w, err := h.factory()
	if err != nil {
		return err
	}
	commands := make(chan plugin.Command, 4)
	w.Commands = commands
	w.Out = h.out
	w.InstanceID = h.instanceID

	workerCtx, cancel := context.WithCancel(ctx)
	h.worker = w
	h.commands = commands
	h.cancel = cancel
	h.done = make(chan struct{})
	h.reloadAttempts = 0
	h.lastFireAt = time.Time{}

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				s.logger().Error("plugin worker panicked", "instance", h.instanceID, "panic", r)
			}
		}()
		w.Run(workerCtx)
	}()
	return nil
}

// Run drives the watchdog tick loop until ctx is cancelled. It does not stop the workers;
// Shutdown does that.
func (s *Supervisor) Run(ctx context.Context) {
	s.rootCtx = ctx
	s.startedAt = time.Now()

	ticker := time.NewTicker(s.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// Shutdown sends CmdShutdown to every registered worker and waits up to grace for each to
// exit, so transports get a chance to close cleanly before the process terminates.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	handles := append([]*handle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range handles {
		select {
		case h.commands <- plugin.CmdShutdown:
		default:
		}
	}
	deadline := time.After(grace)
	for _, h := range handles {
		select {
		case <-h.done:
		case <-deadline:
			s.logger().Error("worker did not release transport within shutdown grace", "instance", h.instanceID)
		}
	}
}

func (s *Supervisor) tick(now time.Time) {
	s.mu.Lock()
	handles := append([]*handle(nil), s.handles...)
	s.mu.Unlock()

	for _, h := range handles {
		s.checkLiveness(h, now)
		s.checkWatchdog(h, now)
		s.checkAvailability(h, now)
	}
}

// checkLiveness is the worker-liveness monitor: if the worker's goroutine has exited,
// recreate it in Init with the same configuration. An exit caused by a CmdShutdown sent
// directly to the worker is treated the same as a crash.
func (s *Supervisor) checkLiveness(h *handle, now time.Time) {
	select {
	case <-h.done:
		s.logger().Error("worker terminated unexpectedly, recreating", "instance", h.instanceID)
		ctx := s.rootCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.spawn(ctx, h); err != nil {
			s.logger().Error("failed to recreate worker", "instance", h.instanceID, "err", err)
		}
	default:
	}
}

// checkWatchdog is the poll-freshness watchdog: issues reconnects on staleness and
// escalates to process exit after too many consecutive fires.
func (s *Supervisor) checkWatchdog(h *handle, now time.Time) {
	if now.Sub(s.startedAt) <= s.grace() {
		return
	}
	status := h.worker.Status()
	if status.LastActivity.IsZero() {
		return // never completed a successful dynamic read; Init/backoff handles this case
	}

	if now.Sub(status.LastActivity) <= s.watchdogTimeout() {
		h.reloadAttempts = 0
		h.lastFireAt = time.Time{}
		return
	}

	if !h.lastFireAt.IsZero() && now.Sub(h.lastFireAt) < s.watchdogTimeout() {
		return
	}

	h.reloadAttempts++
	h.lastFireAt = now

	if h.reloadAttempts > s.maxReloadAttempts() {
		s.logger().Error("watchdog escalation: max reload attempts exceeded, exiting",
			"instance", h.instanceID, "attempts", h.reloadAttempts)
		s.exit()(2)
		return
	}

	s.logger().Warn("watchdog fired, reissuing reconnect", "instance", h.instanceID, "attempt", h.reloadAttempts)
	metrics.WatchdogReconnects.WithLabelValues(h.instanceID).Inc()
	select {
	case h.commands <- plugin.CmdReconnect:
	default:
	}
}

// checkAvailability is the availability publisher: marks a plugin offline once its last
// activity exceeds stale_data_timeout, notifying OnAvailabilityChange on each transition.
func (s *Supervisor) checkAvailability(h *handle, now time.Time) {
	status := h.worker.Status()
	if status.Connected {
		metrics.PluginConnectionState.WithLabelValues(h.instanceID).Set(1)
	} else {
		metrics.PluginConnectionState.WithLabelValues(h.instanceID).Set(0)
	}
	metrics.PluginConsecutiveFailures.WithLabelValues(h.instanceID).Set(float64(status.ConsecutiveFailures))

	stale := !status.LastActivity.IsZero() && now.Sub(status.LastActivity) > s.staleDataTimeout()
	if stale == h.offline {
		return
	}
	h.offline = stale
	if s.OnAvailabilityChange != nil {
		s.OnAvailabilityChange(h.instanceID, stale)
	}
}
