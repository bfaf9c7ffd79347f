// Package aggregator merges plugin Readings into the single process-wide SystemState,
// routing values through the adaptive filter, and publishing snapshots.
package aggregator

import (
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
)

// PluginStatus is the aggregator's view of one instance's connection health.
type PluginStatus struct {
	Connected           bool
	LastError           string
	ConsecutiveFailures int
}

// SystemState is the single process-wide merged view keyed by StandardKey. Only the
// aggregator ever writes to it; readers obtain a Snapshot.
type SystemState struct {
	values           map[keys.StandardKey]keys.Value
	lastWriterByKey  map[keys.StandardKey]string
	lastSeenByKey    map[keys.StandardKey]time.Time
	lastSeenByInstance map[string]time.Time
	pluginStatus     map[string]PluginStatus
	version          uint64
}

// NewSystemState builds an empty SystemState.
func NewSystemState() *SystemState {
	return &SystemState{
		values:             make(map[keys.StandardKey]keys.Value),
		lastWriterByKey:    make(map[keys.StandardKey]string),
		lastSeenByKey:      make(map[keys.StandardKey]time.Time),
		lastSeenByInstance: make(map[string]time.Time),
		pluginStatus:       make(map[string]PluginStatus),
	}
}

// set writes k=v attributed to instanceID at wallTS and bumps the snapshot version.
func (s *SystemState) set(k keys.StandardKey, v keys.Value, instanceID string, wallTS time.Time) {
	s.values[k] = v
	s.lastWriterByKey[k] = instanceID
	s.lastSeenByKey[k] = wallTS
	s.version++
}

// markInstanceSeen records wallTS as the instance's most recent successful reading time.
func (s *SystemState) markInstanceSeen(instanceID string, wallTS time.Time) {
	s.lastSeenByInstance[instanceID] = wallTS
}

// SetPluginStatus records an instance's current connection health.
func (s *SystemState) SetPluginStatus(instanceID string, status PluginStatus) {
	s.pluginStatus[instanceID] = status
	s.version++
}

// Snapshot is an immutable, versioned copy-on-read view of SystemState: taking one never
// mutates the live state, and two snapshots taken at different times never alias the same
// backing maps.
type Snapshot struct {
	Version            uint64
	Values             map[keys.StandardKey]keys.Value
	LastSeenByInstance map[string]time.Time
	PluginStatus       map[string]PluginStatus
	TakenAt            time.Time
	StaleKeys          map[keys.StandardKey]bool
}

// Snapshot copies SystemState into an immutable view, downgrading any key whose last
// writer's wall-ts exceeds staleAfter to "stale" rather than reporting an outdated value
// as current.
func (s *SystemState) Snapshot(now time.Time, staleAfter time.Duration) Snapshot {
	values := make(map[keys.StandardKey]keys.Value, len(s.values))
	stale := make(map[keys.StandardKey]bool)
	for k, v := range s.values {
		values[k] = v
		if staleAfter > 0 {
			if seenAt, ok := s.lastSeenByKey[k]; ok && now.Sub(seenAt) > staleAfter {
				stale[k] = true
			}
		}
	}
	lastSeen := make(map[string]time.Time, len(s.lastSeenByInstance))
	for k, v := range s.lastSeenByInstance {
		lastSeen[k] = v
	}
	status := make(map[string]PluginStatus, len(s.pluginStatus))
	for k, v := range s.pluginStatus {
		status[k] = v
	}
	return Snapshot{
		Version:            s.version,
		Values:             values,
		LastSeenByInstance: lastSeen,
		PluginStatus:       status,
		TakenAt:            now,
		StaleKeys:          stale,
	}
}
