package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/plugin"
)

// stubPlugin never produces a dynamic read after the first, letting tests simulate
// watchdog staleness deterministically by blocking on a channel.
type stubPlugin struct {
	mu          sync.Mutex
	connected   bool
	block       chan struct{}
	dynamicCall int
}

func (p *stubPlugin) Name() string                                   { return "stub" }
func (p *stubPlugin) PrettyName() string                             { return "Stub" }
func (p *stubPlugin) Category() plugin.Category                      { return plugin.CategoryInverter }
func (p *stubPlugin) ConfigurableParams() []plugin.ParamDescriptor    { return nil }
func (p *stubPlugin) IsConnected() bool                               { p.mu.Lock(); defer p.mu.Unlock(); return p.connected }
func (p *stubPlugin) Connect(ctx context.Context) (bool, error) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return true, nil
}
func (p *stubPlugin) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}
func (p *stubPlugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	return keys.NewReading("stub", time.Now(), time.Now()), nil
}
func (p *stubPlugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	p.mu.Lock()
	p.dynamicCall++
	first := p.dynamicCall == 1
	p.mu.Unlock()
	if !first {
		select {
		case <-p.block:
		case <-ctx.Done():
		}
	}
	return keys.NewReading("stub", time.Now(), time.Now()), nil
}

func newStubWorker(out chan<- keys.Reading) (*plugin.Worker, error) {
	return &plugin.Worker{
		InstanceID:     "stub",
		Plugin:         &stubPlugin{block: make(chan struct{})},
		PollInterval:   10 * time.Millisecond,
		ConnectTimeout: time.Second,
		Out:            out,
	}, nil
}

func TestWatchdogEscalatesAfterRepeatedFires(t *testing.T) {
	out := make(chan keys.Reading, 16)
	s := &Supervisor{
		WatchdogTimeout:   20 * time.Millisecond,
		Grace:             0,
		MaxReloadAttempts: 3,
		StaleDataTimeout:  time.Hour,
	}

	var exitCode int
	exited := make(chan struct{})
	s.Exit = func(code int) {
		exitCode = code
		close(exited)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Register(ctx, "stub", func() (*plugin.Worker, error) { return newStubWorker(out) }, out); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Drain the initial static+dynamic readings so LastActivity becomes non-zero, then the
	// plugin blocks forever on its second ReadDynamic call, simulating a stuck poll.
	deadline := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-out:
		case <-deadline:
			t.Fatalf("timed out waiting for initial readings")
		}
	}

	s.mu.Lock()
	h := s.handles[0]
	s.mu.Unlock()

	start := time.Now()
	for time.Since(start) < time.Second {
		s.tick(time.Now())
		select {
		case <-exited:
			if exitCode != 2 {
				t.Fatalf("expected exit code 2, got %d", exitCode)
			}
			return
		case <-h.commands:
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected watchdog escalation within 1s, never exited")
}

func TestAvailabilityCallbackFiresOnStaleness(t *testing.T) {
	out := make(chan keys.Reading, 16)
	s := &Supervisor{StaleDataTimeout: 10 * time.Millisecond}

	var mu sync.Mutex
	var notified []bool
	s.OnAvailabilityChange = func(instanceID string, offline bool) {
		mu.Lock()
		notified = append(notified, offline)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Register(ctx, "stub", func() (*plugin.Worker, error) { return newStubWorker(out) }, out); err != nil {
		t.Fatalf("Register: %v", err)
	}
	<-out
	<-out

	time.Sleep(20 * time.Millisecond)
	s.tick(time.Now())

	mu.Lock()
	defer mu.Unlock()
	if len(notified) == 0 || !notified[len(notified)-1] {
		t.Fatalf("expected offline=true notification, got %+v", notified)
	}
}

func TestWorkerLivenessRecreatesTerminatedWorker(t *testing.T) {
	out := make(chan keys.Reading, 16)
	s := &Supervisor{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callCount := 0
	factory := func() (*plugin.Worker, error) {
		callCount++
		return newStubWorker(out)
	}
	if err := s.Register(ctx, "stub", factory, out); err != nil {
		t.Fatalf("Register: %v", err)
	}
	<-out

	s.mu.Lock()
	h := s.handles[0]
	s.mu.Unlock()

	h.commands <- plugin.CmdShutdown
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatalf("worker did not shut down")
	}

	s.tick(time.Now())
	if callCount != 2 {
		t.Fatalf("expected factory called twice (initial + recreate), got %d", callCount)
	}
}
