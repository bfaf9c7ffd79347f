package aggregator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mikef5410/solarcore/internal/filter"
	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/metrics"
)

// namespacedKeys are routed per-instance rather than merged directly: each instance's
// mapping entries are prefixed with its instance id before being written into the shared
// SystemState slot, since two instances can both report alerts and neither should clobber
// the other's entries.
var namespacedKeys = map[keys.StandardKey]bool{
	keys.OperationalCategorizedAlertsDict: true,
}

// DerivedFn computes one derived field from a snapshot's current values. It returns
// (value, ok); ok=false means a required input was missing and the field is left absent
// rather than guessed.
type DerivedFn func(values map[keys.StandardKey]keys.Value) (float64, bool)

// Aggregator consumes Readings from every plugin worker through In, filters each value,
// merges accepted values into SystemState, recomputes derived fields, and publishes a
// Snapshot to Publish after each Reading.
type Aggregator struct {
	In      <-chan keys.Reading
	Filter  *filter.Filter
	State   *SystemState
	Publish func(Snapshot)
	Logger  *slog.Logger

	StaleAfter time.Duration // snapshot keys older than this are downgraded to stale
	Derived    map[keys.StandardKey]DerivedFn

	warnedUnknownKeys map[string]bool
}

func (a *Aggregator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Run processes Readings from In until ctx is cancelled or In is closed. The aggregator is
// single-threaded: readings are merged in plugin emission order for a given instance, and
// across instances this loop never interleaves the key-writes of one Reading with another.
func (a *Aggregator) Run(ctx context.Context) {
	if a.warnedUnknownKeys == nil {
		a.warnedUnknownKeys = make(map[string]bool)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case reading, ok := <-a.In:
			if !ok {
				return
			}
			a.ingest(reading)
		}
	}
}

func (a *Aggregator) ingest(r keys.Reading) {
	now := time.Now()
	a.State.markInstanceSeen(r.InstanceID, r.WallTSUTC)

	seenAt := r.WallTSUTC
	if seenAt.IsZero() {
		seenAt = now
	}
	for k, v := range r.Values {
		a.route(r.InstanceID, k, v, seenAt)
	}

	a.applyDerivedFields()

	snap := a.State.Snapshot(now, a.StaleAfter)
	metrics.SnapshotVersion.Set(float64(snap.Version))
	if a.Publish != nil {
		a.Publish(snap)
	}
}

func (a *Aggregator) route(instanceID string, k keys.StandardKey, v keys.Value, now time.Time) {
	if !keys.IsKnown(k) {
		warnKey := instanceID + ":" + string(k)
		if a.warnedUnknownKeys == nil {
			a.warnedUnknownKeys = make(map[string]bool)
		}
		if !a.warnedUnknownKeys[warnKey] {
			a.logger().Warn("dropping unrecognized key from plugin reading", "instance", instanceID, "key", k)
			a.warnedUnknownKeys[warnKey] = true
		}
		return
	}

	if namespacedKeys[k] {
		a.mergeNamespaced(instanceID, k, v, now)
		return
	}

	num, isNumber := v.AsNumber()
	if !isNumber {
		a.State.set(k, v, instanceID, now)
		return
	}

	if a.Filter == nil {
		a.State.set(k, v, instanceID, now)
		return
	}

	result := a.Filter.Apply(k, num, now)
	if !result.Accepted {
		a.logger().Debug("filter rejected value", "instance", instanceID, "key", k, "value", num, "reason", result.Reason)
		metrics.FilterRejections.WithLabelValues(string(k), result.Reason).Inc()
		return
	}
	a.State.set(k, keys.Number(result.Value), instanceID, now)
}

// mergeNamespaced merges a mapping-valued Reading into SystemState, keying each entry by
// "<instanceID>.<category>" so multiple instances' alert dictionaries don't collide.
func (a *Aggregator) mergeNamespaced(instanceID string, k keys.StandardKey, v keys.Value, now time.Time) {
	incoming, ok := v.AsMapping()
	if !ok {
		return
	}
	existing, _ := a.State.values[k].AsMapping()
	merged := make(map[string]string, len(existing)+len(incoming))
	for ek, ev := range existing {
		merged[ek] = ev
	}
	for ck, cv := range incoming {
		merged[instanceID+"."+ck] = cv
	}
	a.State.set(k, keys.Mapping(merged), instanceID, now)
}

const derivedWriter = "aggregator:derived"

func (a *Aggregator) applyDerivedFields() {
	for key, fn := range a.Derived {
		if writer, ok := a.State.lastWriterByKey[key]; ok && writer != derivedWriter {
			continue // a plugin reports this key directly; never overwrite with a derivation
		}
		v, ok := fn(a.State.values)
		if !ok {
			continue
		}
		a.State.set(key, keys.Number(v), derivedWriter, time.Now())
	}
}

// DefaultDerivedFields returns the standard set of derivation formulas (total load power
// and daily load energy), each tolerating missing inputs by returning ok=false
// rather than guessing.
func DefaultDerivedFields() map[keys.StandardKey]DerivedFn {
	num := func(values map[keys.StandardKey]keys.Value, k keys.StandardKey) (float64, bool) {
		v, ok := values[k]
		if !ok {
			return 0, false
		}
		return v.AsNumber()
	}

	return map[keys.StandardKey]DerivedFn{
		keys.LoadTotalPowerWatts: func(values map[keys.StandardKey]keys.Value) (float64, bool) {
			pv, ok1 := num(values, keys.PVTotalDCPowerWatts)
			grid, ok2 := num(values, keys.GridTotalActivePowerWatts)
			batt, ok3 := num(values, keys.BatteryPowerWatts)
			if !ok1 || !ok2 || !ok3 {
				return 0, false
			}
			return pv - grid - batt, true
		},
		keys.EnergyLoadDailyKWh: func(values map[keys.StandardKey]keys.Value) (float64, bool) {
			pv, ok1 := num(values, keys.EnergyPVDailyKWh)
			gridExport, ok2 := num(values, keys.EnergyGridDailyExportKWh)
			battCharge, ok3 := num(values, keys.EnergyBatteryDailyChargeKWh)
			gridImport, ok4 := num(values, keys.EnergyGridDailyImportKWh)
			battDischarge, ok5 := num(values, keys.EnergyBatteryDailyDischargeKWh)
			if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
				return 0, false
			}
			result := pv - gridExport - battCharge + gridImport + battDischarge
			if result < 0 {
				result = 0
			}
			return result, true
		},
	}
}
