package plugin

import (
	"context"
	"log/slog"
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
)

// state is the worker's position in the Init→ReadStatic→ReadDynamic→Sleep machine.
type state int

const (
	stateInit state = iota
	stateReadStatic
	stateReadDynamic
	stateSleep
	stateBackoff
	stateWaitingForSupervisor
)

// Command is sent by the supervisor to a running Worker.
type Command int

const (
	CmdReconnect Command = iota
	CmdShutdown
)

// Status is the worker's externally-observable state, read by the supervisor without
// touching SystemState.
type Status struct {
	InstanceID          string
	Connected           bool
	LastActivity        time.Time
	ConsecutiveFailures int
	LastError           error
	Halted              bool
}

// Worker drives one plugin instance through its state machine, single-threaded relative to
// the underlying device: only one Connect/ReadStatic/ReadDynamic call is ever in flight at
// a time.
type Worker struct {
	InstanceID             string
	Plugin                 DevicePlugin
	PollInterval           time.Duration
	ConnectTimeout         time.Duration
	MaxConsecutiveFailures int // default 5; supervisor informed at this count
	BackoffCap             time.Duration // default 60s
	MaxConsecutiveWaitingPolls int // device reports initializing/waiting N times -> reconnect

	Out      chan<- keys.Reading
	Commands <-chan Command
	Logger   *slog.Logger

	status              Status
	consecutiveWaiting  int
	staticCached        keys.Reading
	reconnectPending    bool
}

// Status returns a snapshot of the worker's current externally-observable state.
func (w *Worker) Status() Status { return w.status }

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run drives the state machine until ctx is cancelled or a CmdShutdown is received.
// It never returns an error; permanent failures land the worker in
// stateWaitingForSupervisor, observable via Status().Halted.
func (w *Worker) Run(ctx context.Context) {
	w.status = Status{InstanceID: w.InstanceID}
	st := stateInit
	backoffAttempt := 0

	for {
		select {
		case <-ctx.Done():
			w.Plugin.Disconnect()
			return
		case cmd := <-w.Commands:
			switch cmd {
			case CmdShutdown:
				w.Plugin.Disconnect()
				return
			case CmdReconnect:
				w.reconnectPending = true
			}
		default:
		}
		if w.reconnectPending {
			w.reconnectPending = false
			w.Plugin.Disconnect()
			w.status.Connected = false
			st = stateInit
			backoffAttempt = 0
			w.status.Halted = false
		}

		switch st {
		case stateInit:
			st, backoffAttempt = w.doInit(ctx, backoffAttempt)

		case stateBackoff:
			wait := backoffDuration(backoffAttempt, w.backoffCap())
			w.logger().Warn("plugin backoff", "instance", w.InstanceID, "attempt", backoffAttempt, "wait", wait)
			if !w.sleepOrCancel(ctx, wait) {
				return
			}
			st = stateInit

		case stateWaitingForSupervisor:
			// Sit idle until the supervisor sends CmdReconnect or we're cancelled; the
			// select above already handles both.
			if !w.sleepOrCancel(ctx, 1*time.Second) {
				return
			}

		case stateReadStatic:
			readCtx, cancel := w.connectTimeoutCtx(ctx)
			reading, err := w.Plugin.ReadStatic(readCtx)
			cancel()
			if err != nil {
				w.logger().Error("read_static failed", "instance", w.InstanceID, "err", err)
				w.status.LastError = err
				st = stateInit
				continue
			}
			w.staticCached = reading
			w.emit(reading)
			st = stateReadDynamic

		case stateReadDynamic:
			cycleStart := time.Now()
			reading, err := w.Plugin.ReadDynamic(ctx)
			if err != nil {
				w.status.LastError = err
				w.logger().Error("read_dynamic failed", "instance", w.InstanceID, "err", err)
				st = stateInit
				continue
			}
			w.status.LastActivity = time.Now()
			w.status.ConsecutiveFailures = 0
			w.emit(reading)

			if isWaitingStatus(reading) {
				w.consecutiveWaiting++
				if w.consecutiveWaiting >= w.maxWaitingPolls() {
					w.logger().Warn("device reported waiting/initializing status too many cycles, reconnecting", "instance", w.InstanceID, "count", w.consecutiveWaiting)
					w.consecutiveWaiting = 0
					w.Plugin.Disconnect()
					st = stateInit
					continue
				}
			} else {
				w.consecutiveWaiting = 0
			}

			elapsed := time.Since(cycleStart)
			remaining := w.PollInterval - elapsed
			if remaining <= 0 {
				w.logger().Warn("read_dynamic exceeded poll interval", "instance", w.InstanceID, "elapsed", elapsed, "poll_interval", w.PollInterval)
				st = stateReadDynamic
				continue
			}
			st = stateSleep

		case stateSleep:
			remaining := w.PollInterval
			if !w.sleepOrCancel(ctx, remaining) {
				return
			}
			st = stateReadDynamic
		}
	}
}

func (w *Worker) doInit(ctx context.Context, backoffAttempt int) (state, int) {
	connectCtx, cancel := w.connectTimeoutCtx(ctx)
	ok, err := w.Plugin.Connect(connectCtx)
	cancel()
	if err != nil || !ok {
		w.status.Connected = false
		w.status.ConsecutiveFailures++
		w.status.LastError = err
		if w.status.ConsecutiveFailures >= w.maxFailures() {
			w.logger().Error("plugin exceeded max consecutive connect failures, awaiting supervisor", "instance", w.InstanceID, "failures", w.status.ConsecutiveFailures)
			w.status.Halted = true
			return stateWaitingForSupervisor, backoffAttempt
		}
		return stateBackoff, backoffAttempt + 1
	}
	w.status.Connected = true
	w.status.ConsecutiveFailures = 0
	return stateReadStatic, 0
}

func (w *Worker) connectTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := w.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (w *Worker) emit(r keys.Reading) {
	select {
	case w.Out <- r:
	default:
		w.logger().Warn("aggregator channel full, dropping reading", "instance", w.InstanceID)
	}
}

func (w *Worker) maxWaitingPolls() int {
	if w.MaxConsecutiveWaitingPolls <= 0 {
		return 3
	}
	return w.MaxConsecutiveWaitingPolls
}

func isWaitingStatus(r keys.Reading) bool {
	v, ok := r.Values[keys.OperationalInverterStatusText]
	if !ok {
		return false
	}
	text, ok := v.AsText()
	if !ok {
		return false
	}
	switch text {
	case "Initializing", "Waiting", "Standby":
		return true
	default:
		return false
	}
}

func (w *Worker) maxFailures() int {
	if w.MaxConsecutiveFailures <= 0 {
		return 5
	}
	return w.MaxConsecutiveFailures
}

func (w *Worker) backoffCap() time.Duration {
	if w.BackoffCap <= 0 {
		return 60 * time.Second
	}
	return w.BackoffCap
}

// sleepOrCancel blocks for d or until ctx is cancelled / a shutdown command arrives,
// returning false if the worker should stop running.
func (w *Worker) sleepOrCancel(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		w.Plugin.Disconnect()
		return false
	case cmd := <-w.Commands:
		if cmd == CmdShutdown {
			w.Plugin.Disconnect()
			return false
		}
		// CmdReconnect during sleep: end the sleep early and leave the reset to the main
		// loop, which performs it at the top of its next iteration.
		w.reconnectPending = true
		return true
	case <-t.C:
		return true
	}
}

// backoffDuration computes an exponential backoff schedule capped at cap, starting at 1s.
func backoffDuration(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(1) * time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
