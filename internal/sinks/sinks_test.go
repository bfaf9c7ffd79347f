package sinks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/publish"
)

func TestToDocConvertsEveryValueKind(t *testing.T) {
	snap := aggregator.Snapshot{
		Version: 3,
		TakenAt: time.Unix(1000, 0),
		Values: map[keys.StandardKey]keys.Value{
			keys.PVTotalDCPowerWatts:  keys.Number(123.5),
			keys.StaticInverterModelName: keys.Text("DEYE-12K"),
		},
	}
	doc := toDoc(snap)
	if doc.SnapshotVersion != 3 {
		t.Fatalf("expected version 3, got %d", doc.SnapshotVersion)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty json")
	}
}

func TestFileSnapshotSinkWritesYAMLOnPublish(t *testing.T) {
	hub := publish.NewHub()
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	sink := &FileSnapshotSink{Filename: path}

	ctx, cancel := context.WithCancel(context.Background())
	go sink.Run(ctx, hub, nil)

	hub.Publish(aggregator.Snapshot{
		Version: 1,
		TakenAt: time.Now(),
		Values:  map[keys.StandardKey]keys.Value{keys.PVTotalDCPowerWatts: keys.Number(42)},
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for snapshot file to be written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
}
