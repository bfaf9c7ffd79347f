// Package metrics defines the process's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilterRejections counts values the adaptive spike filter dropped, per key and reason.
	FilterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarcore_filter_rejections_total",
		Help: "Values rejected by the adaptive spike filter.",
	}, []string{"key", "reason"})

	// PluginConnectionState reports 1 when a plugin instance is connected, 0 otherwise.
	PluginConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarcore_plugin_connected",
		Help: "Whether a plugin instance is currently connected (1) or not (0).",
	}, []string{"instance"})

	// PluginConsecutiveFailures tracks each instance's current consecutive connect-failure count.
	PluginConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "solarcore_plugin_consecutive_failures",
		Help: "Consecutive connect failures for a plugin instance since its last success.",
	}, []string{"instance"})

	// SnapshotVersion is the aggregator's current monotonic SystemState version.
	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "solarcore_snapshot_version",
		Help: "Current monotonic SystemState snapshot version.",
	})

	// WatchdogReconnects counts reconnect commands the supervisor issued per instance.
	WatchdogReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "solarcore_watchdog_reconnects_total",
		Help: "Reconnect commands issued by the poll-freshness watchdog.",
	}, []string{"instance"})
)
