// Package publish implements subscribe(filter) -> stream<Snapshot> with pull-on-demand
// semantics and coalescing: a subscriber that falls behind sees the latest Snapshot, not a
// backlog. Concrete sinks (MQTT, dashboard, persistence writer) are subscribers built on
// top of this package; it only defines the contract.
package publish

import (
	"context"
	"sync"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/keys"
)

// Filter selects which StandardKeys a subscriber receives. A nil Filter passes every key.
type Filter func(key keys.StandardKey) bool

// Hub is the single publish point the aggregator calls after each ingested Reading. It
// holds no queue: slow subscribers only ever see the latest Snapshot, never a backlog.
type Hub struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest aggregator.Snapshot
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	h := &Hub{}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish records snap as the latest view and wakes every blocked subscriber. Safe to call
// from the aggregator's single goroutine after every ingested Reading.
func (h *Hub) Publish(snap aggregator.Snapshot) {
	h.mu.Lock()
	h.latest = snap
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Subscribe returns a channel delivering Snapshots matching filter, coalesced to the
// latest version: a subscriber that falls behind never receives a queue of stale
// snapshots, only the newest one once it's ready to receive again. The channel is closed
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) <-chan aggregator.Snapshot {
	out := make(chan aggregator.Snapshot, 1)

	go func() {
		<-ctx.Done()
		h.cond.Broadcast() // unblock a waiting Wait() so the loop below can observe cancellation
	}()

	go func() {
		defer close(out)
		var lastSent uint64
		first := true
		for {
			h.mu.Lock()
			for !first && h.latest.Version == lastSent && ctx.Err() == nil {
				h.cond.Wait()
			}
			if ctx.Err() != nil {
				h.mu.Unlock()
				return
			}
			snap := applyFilter(h.latest, filter)
			lastSent = h.latest.Version
			first = false
			h.mu.Unlock()

			select {
			case out <- snap:
			case <-ctx.Done():
				return
			default:
				// Coalesce: drop whatever the subscriber hasn't consumed yet, keep latest.
				select {
				case <-out:
				default:
				}
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func applyFilter(snap aggregator.Snapshot, filter Filter) aggregator.Snapshot {
	if filter == nil {
		return snap
	}
	values := make(map[keys.StandardKey]keys.Value, len(snap.Values))
	stale := make(map[keys.StandardKey]bool, len(snap.StaleKeys))
	for k, v := range snap.Values {
		if filter(k) {
			values[k] = v
			if snap.StaleKeys[k] {
				stale[k] = true
			}
		}
	}
	out := snap
	out.Values = values
	out.StaleKeys = stale
	return out
}
