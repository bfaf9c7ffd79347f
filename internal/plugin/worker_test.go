package plugin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
)

// fakePlugin is a minimal DevicePlugin for exercising Worker's state machine.
type fakePlugin struct {
	connectOK    bool
	connectErr   error
	connected    bool
	staticReads  int32
	dynamicReads int32
	dynamicErr   error
}

func (p *fakePlugin) Name() string       { return "fake" }
func (p *fakePlugin) PrettyName() string { return "Fake Plugin" }
func (p *fakePlugin) Category() Category { return CategoryInverter }

func (p *fakePlugin) Connect(ctx context.Context) (bool, error) {
	if p.connectErr != nil {
		return false, p.connectErr
	}
	p.connected = p.connectOK
	return p.connectOK, nil
}

func (p *fakePlugin) Disconnect()        { p.connected = false }
func (p *fakePlugin) IsConnected() bool  { return p.connected }

func (p *fakePlugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	atomic.AddInt32(&p.staticReads, 1)
	r := keys.NewReading("fake-1", time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("inverter"))
	return r, nil
}

func (p *fakePlugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	atomic.AddInt32(&p.dynamicReads, 1)
	if p.dynamicErr != nil {
		return keys.Reading{}, p.dynamicErr
	}
	r := keys.NewReading("fake-1", time.Now(), time.Now())
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(1000))
	return r, nil
}

func (p *fakePlugin) ConfigurableParams() []ParamDescriptor { return nil }

func TestWorkerHappyPathEmitsStaticThenDynamic(t *testing.T) {
	plug := &fakePlugin{connectOK: true}
	out := make(chan keys.Reading, 8)
	cmds := make(chan Command)
	w := &Worker{
		InstanceID:   "fake-1",
		Plugin:       plug,
		PollInterval: 10 * time.Millisecond,
		Out:          out,
		Commands:     cmds,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	if atomic.LoadInt32(&plug.staticReads) == 0 {
		t.Fatalf("expected at least one static read")
	}
	if atomic.LoadInt32(&plug.dynamicReads) == 0 {
		t.Fatalf("expected at least one dynamic read")
	}
	if len(out) == 0 {
		t.Fatalf("expected at least one emitted reading")
	}
}

func TestWorkerConnectFailureEntersBackoffThenHalts(t *testing.T) {
	plug := &fakePlugin{connectOK: false}
	out := make(chan keys.Reading, 8)
	cmds := make(chan Command)
	w := &Worker{
		InstanceID:             "fake-1",
		Plugin:                 plug,
		PollInterval:           5 * time.Millisecond,
		Out:                    out,
		Commands:               cmds,
		MaxConsecutiveFailures: 2,
		BackoffCap:             5 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	status := w.Status()
	if !status.Halted {
		t.Fatalf("expected worker to halt awaiting supervisor after repeated connect failures, got %+v", status)
	}
	if status.ConsecutiveFailures < 2 {
		t.Fatalf("expected at least 2 consecutive failures, got %d", status.ConsecutiveFailures)
	}
}

func TestWorkerReconnectCommandResetsState(t *testing.T) {
	plug := &fakePlugin{connectOK: true}
	out := make(chan keys.Reading, 8)
	cmds := make(chan Command, 1)
	w := &Worker{
		InstanceID:   "fake-1",
		Plugin:       plug,
		PollInterval: 10 * time.Millisecond,
		Out:          out,
		Commands:     cmds,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(5 * time.Millisecond)
		cmds <- CmdReconnect
	}()
	w.Run(ctx)

	if atomic.LoadInt32(&plug.staticReads) == 0 {
		t.Fatalf("expected static read after reconnect")
	}
}

func TestBackoffDurationCapsAtMax(t *testing.T) {
	cap := 60 * time.Second
	if d := backoffDuration(1, cap); d != 1*time.Second {
		t.Fatalf("attempt 1: got %v, want 1s", d)
	}
	if d := backoffDuration(10, cap); d != cap {
		t.Fatalf("attempt 10: got %v, want capped at %v", d, cap)
	}
}
