package sinks

import (
	"context"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/mikef5410/solarcore/internal/publish"
)

// FileSnapshotSink writes each coalesced Snapshot as a YAML file for local dashboard
// consumption: one file, overwritten atomically-enough for a local reader on every update.
type FileSnapshotSink struct {
	Filename string
	Logger   *slog.Logger
}

func (s *FileSnapshotSink) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run subscribes to hub and rewrites Filename on every coalesced Snapshot until ctx is
// cancelled.
func (s *FileSnapshotSink) Run(ctx context.Context, hub *publish.Hub, filter publish.Filter) {
	ch := hub.Subscribe(ctx, filter)
	for snap := range ch {
		serialized, err := yaml.Marshal(toDoc(snap))
		if err != nil {
			s.logger().Error("yaml marshal snapshot", "err", err)
			continue
		}
		if err := os.WriteFile(s.Filename, serialized, 0644); err != nil {
			s.logger().Error("write snapshot file", "file", s.Filename, "err", err)
		}
	}
}
