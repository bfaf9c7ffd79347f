package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/filter"
	"github.com/mikef5410/solarcore/internal/keys"
)

func TestIngestMergesKnownKeysAndDropsUnknown(t *testing.T) {
	state := NewSystemState()
	a := &Aggregator{State: state}

	r := keys.NewReading("inv1", time.Now(), time.Now())
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(1500))
	r.Values["totally_made_up_key"] = keys.Number(1) // bypass Reading.Set's own guard

	a.ingest(r)

	snap := state.Snapshot(time.Now(), 0)
	if v, ok := snap.Values[keys.PVTotalDCPowerWatts]; !ok {
		t.Fatalf("expected known key present")
	} else if n, _ := v.AsNumber(); n != 1500 {
		t.Fatalf("got %v, want 1500", n)
	}
	if _, ok := snap.Values[keys.StandardKey("totally_made_up_key")]; ok {
		t.Fatalf("unknown key must not be merged into SystemState")
	}
}

func TestIngestRoutesThroughFilter(t *testing.T) {
	state := NewSystemState()
	f := filter.NewFilter(map[keys.StandardKey]filter.KeyConfig{
		keys.PVTotalDCPowerWatts: {Kind: filter.KindInstantaneous, HasRange: true, MinValue: 0, MaxValue: 10000},
	}, time.UTC)
	a := &Aggregator{State: state, Filter: f}

	r1 := keys.NewReading("inv1", time.Now(), time.Now())
	r1.Set(keys.PVTotalDCPowerWatts, keys.Number(5000))
	a.ingest(r1)

	r2 := keys.NewReading("inv1", time.Now(), time.Now())
	r2.Set(keys.PVTotalDCPowerWatts, keys.Number(999999)) // out of range, must be rejected
	a.ingest(r2)

	snap := state.Snapshot(time.Now(), 0)
	v, _ := snap.Values[keys.PVTotalDCPowerWatts].AsNumber()
	if v != 5000 {
		t.Fatalf("expected filter to preserve last good value 5000, got %v", v)
	}
}

func TestDerivedLoadTotalPowerComputedWhenInputsPresent(t *testing.T) {
	state := NewSystemState()
	a := &Aggregator{State: state, Derived: DefaultDerivedFields()}

	r := keys.NewReading("inv1", time.Now(), time.Now())
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(3000))
	r.Set(keys.GridTotalActivePowerWatts, keys.Number(500))
	r.Set(keys.BatteryPowerWatts, keys.Number(200))
	a.ingest(r)

	snap := state.Snapshot(time.Now(), 0)
	v, ok := snap.Values[keys.LoadTotalPowerWatts]
	if !ok {
		t.Fatalf("expected derived load_total_power_watts to be present")
	}
	n, _ := v.AsNumber()
	if n != 2300 {
		t.Fatalf("got %v, want 2300", n)
	}
}

func TestDerivedFieldNeverOverwritesDirectlyReportedValue(t *testing.T) {
	state := NewSystemState()
	a := &Aggregator{State: state, Derived: DefaultDerivedFields()}

	r := keys.NewReading("inv1", time.Now(), time.Now())
	r.Set(keys.LoadTotalPowerWatts, keys.Number(4242))
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(3000))
	r.Set(keys.GridTotalActivePowerWatts, keys.Number(500))
	r.Set(keys.BatteryPowerWatts, keys.Number(200))
	a.ingest(r)

	snap := state.Snapshot(time.Now(), 0)
	v, _ := snap.Values[keys.LoadTotalPowerWatts].AsNumber()
	if v != 4242 {
		t.Fatalf("expected directly-reported value preserved, got %v", v)
	}
}

func TestSnapshotDowngradesStaleKeys(t *testing.T) {
	state := NewSystemState()
	a := &Aggregator{State: state}

	old := time.Now().Add(-time.Hour)
	r := keys.NewReading("inv1", old, old)
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(100))
	a.ingest(r)

	snap := state.Snapshot(time.Now(), 5*time.Minute)
	if !snap.StaleKeys[keys.PVTotalDCPowerWatts] {
		t.Fatalf("expected PV power to be downgraded to stale")
	}
}

func TestRunConsumesChannelUntilCancelled(t *testing.T) {
	state := NewSystemState()
	in := make(chan keys.Reading, 1)
	a := &Aggregator{State: state, In: in}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	r := keys.NewReading("inv1", time.Now(), time.Now())
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(42))
	in <- r

	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	snap := state.Snapshot(time.Now(), 0)
	if v, ok := snap.Values[keys.PVTotalDCPowerWatts]; !ok {
		t.Fatalf("expected reading to have been ingested before cancellation")
	} else if n, _ := v.AsNumber(); n != 42 {
		t.Fatalf("got %v, want 42", n)
	}
}
