package publish

import (
	"context"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/keys"
)

func TestSubscribeReceivesPublishedSnapshot(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.Subscribe(ctx, nil)

	snap := aggregator.Snapshot{
		Version: 1,
		Values:  map[keys.StandardKey]keys.Value{keys.PVTotalDCPowerWatts: keys.Number(100)},
	}
	h.Publish(snap)

	select {
	case got := <-ch:
		if got.Version != 1 {
			t.Fatalf("expected version 1, got %d", got.Version)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
}

func TestSubscribeFilterDropsUnmatchedKeys(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	filter := func(k keys.StandardKey) bool { return k == keys.PVTotalDCPowerWatts }
	ch := h.Subscribe(ctx, filter)

	h.Publish(aggregator.Snapshot{
		Version: 1,
		Values: map[keys.StandardKey]keys.Value{
			keys.PVTotalDCPowerWatts:       keys.Number(100),
			keys.GridTotalActivePowerWatts: keys.Number(50),
		},
	})

	got := <-ch
	if _, ok := got.Values[keys.GridTotalActivePowerWatts]; ok {
		t.Fatalf("expected filtered-out key absent")
	}
	if _, ok := got.Values[keys.PVTotalDCPowerWatts]; !ok {
		t.Fatalf("expected matching key present")
	}
}

func TestSubscribeCoalescesRapidPublishes(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := h.Subscribe(ctx, nil)
	// Drain the initial snapshot delivery, if any race beats us to it.
	select {
	case <-ch:
	default:
	}

	for v := uint64(1); v <= 5; v++ {
		h.Publish(aggregator.Snapshot{Version: v})
	}

	time.Sleep(20 * time.Millisecond)

	var last aggregator.Snapshot
	drained := 0
	for {
		select {
		case s := <-ch:
			last = s
			drained++
		default:
			goto done
		}
	}
done:
	if drained == 0 {
		t.Fatalf("expected at least one snapshot delivered")
	}
	if last.Version != 5 {
		t.Fatalf("expected last delivered snapshot to be the latest version 5, got %d", last.Version)
	}
}

func TestSubscribeChannelClosesOnCancel(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, nil)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// one last in-flight snapshot may still arrive; drain until closed
			for range ch {
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for channel close")
	}
}
