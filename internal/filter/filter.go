// Package filter implements the adaptive spike filter: per-key rolling memory that accepts
// or rejects incoming values before they land in SystemState.
package filter

import (
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
)

// Kind distinguishes the two filtering regimes a key can be evaluated under.
type Kind int

const (
	// KindEnergyCounter applies to monotonically-increasing daily energy keys: hard
	// ceiling, time-bounded spike rule with confirmation, decrease self-correction,
	// daily reset.
	KindEnergyCounter Kind = iota
	// KindInstantaneous applies to power/voltage/current/SOC: range sanity plus a soft
	// rate-of-change check, no confirmation deferral.
	KindInstantaneous
)

// KeyConfig is the per-key filtering policy.
type KeyConfig struct {
	Kind Kind

	// KindEnergyCounter fields.
	DailyLimitKWh     float64 // 0 disables the hard ceiling
	BaseRateKWhPerSec float64 // 0 falls back to DailyLimitKWh/86400 as the assumed peak rate

	// KindInstantaneous fields.
	MinValue              float64
	MaxValue              float64
	HasRange              bool
	MaxRateOfChangePerSec float64 // 0 disables the soft check
}

// FilterState is one key's rolling memory: the last accepted value, a pending-confirmation
// buffer for suspected spikes, and bookkeeping for the decrease/daily-reset rules.
type FilterState struct {
	LastAccepted   float64
	LastAcceptedAt time.Time
	HasLast        bool

	pendingValue   float64
	pendingCount   int
	pendingHasBase bool

	consecutiveLower int
	firstLowerAt     time.Time
	lastTouchedAt    time.Time
	resetDate        string // YYYY-MM-DD of the last local-midnight reset applied
}

// Filter holds every key's FilterState and the configuration it's evaluated against. It is
// called serially by the aggregator and holds no locks of its own.
type Filter struct {
	Keys     map[keys.StandardKey]KeyConfig
	Location *time.Location

	ConfirmationCount     int           // default 3
	DecreaseWindow        time.Duration // default 10 min
	MinConsistentSamples  int           // default 5
	StateTTL              time.Duration // default 5 min

	states map[keys.StandardKey]*FilterState
}

// NewFilter builds a Filter ready to evaluate samples against keyConfig.
func NewFilter(keyConfig map[keys.StandardKey]KeyConfig, loc *time.Location) *Filter {
	if loc == nil {
		loc = time.UTC
	}
	return &Filter{
		Keys:                 keyConfig,
		Location:             loc,
		ConfirmationCount:    3,
		DecreaseWindow:       10 * time.Minute,
		MinConsistentSamples: 5,
		StateTTL:             5 * time.Minute,
		states:               make(map[keys.StandardKey]*FilterState),
	}
}

// Result reports the filter's verdict for one candidate sample.
type Result struct {
	Accepted bool
	Value    float64 // the value to store: the new sample if accepted, else the prior value
	Reason   string
}

// Apply evaluates one candidate sample for key at wall-clock time now against its
// configured policy, accepting, rejecting, or deferring it for confirmation.
func (f *Filter) Apply(key keys.StandardKey, value float64, now time.Time) Result {
	cfg, known := f.Keys[key]
	st := f.state(key)
	st.lastTouchedAt = now

	f.maybeDailyReset(key, cfg, st, now)

	if !known {
		return f.acceptBare(st, value, now, "no configured policy")
	}

	switch cfg.Kind {
	case KindEnergyCounter:
		return f.applyEnergyCounter(cfg, st, value, now)
	default:
		return f.applyInstantaneous(cfg, st, value, now)
	}
}

func (f *Filter) state(key keys.StandardKey) *FilterState {
	st, ok := f.states[key]
	if !ok {
		st = &FilterState{}
		f.states[key] = st
	}
	return st
}

// Prune drops FilterState entries untouched for longer than StateTTL, so a key from a
// disconnected or removed instance doesn't pin memory forever.
func (f *Filter) Prune(now time.Time) {
	ttl := f.StateTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	for k, st := range f.states {
		if now.Sub(st.lastTouchedAt) > ttl {
			delete(f.states, k)
		}
	}
}

func (f *Filter) acceptBare(st *FilterState, value float64, now time.Time, reason string) Result {
	st.LastAccepted = value
	st.LastAcceptedAt = now
	st.HasLast = true
	return Result{Accepted: true, Value: value, Reason: reason}
}

func (f *Filter) reject(st *FilterState, reason string) Result {
	if !st.HasLast {
		return Result{Accepted: false, Value: 0, Reason: reason}
	}
	return Result{Accepted: false, Value: st.LastAccepted, Reason: reason}
}

// isDailyEnergyKey identifies keys whose FilterState resets at local midnight — the
// "daily" energy counters, not lifetime/monthly/yearly totals.
func isDailyEnergyKey(key keys.StandardKey) bool {
	switch key {
	case keys.EnergyPVDailyKWh, keys.EnergyGridDailyImportKWh, keys.EnergyGridDailyExportKWh,
		keys.EnergyBatteryDailyChargeKWh, keys.EnergyBatteryDailyDischargeKWh,
		keys.EnergyLoadDailyKWh, keys.EnergyEPSDailyKWh:
		return true
	default:
		return false
	}
}

func (f *Filter) maybeDailyReset(key keys.StandardKey, cfg KeyConfig, st *FilterState, now time.Time) {
	if cfg.Kind != KindEnergyCounter || !isDailyEnergyKey(key) {
		return
	}
	local := now.In(f.Location)
	dateStr := local.Format("2006-01-02")
	if st.resetDate == "" {
		st.resetDate = dateStr
		return
	}
	if st.resetDate != dateStr {
		st.HasLast = false
		st.pendingHasBase = false
		st.pendingCount = 0
		st.consecutiveLower = 0
		st.resetDate = dateStr
	}
}

func (f *Filter) baseRate(cfg KeyConfig) float64 {
	if cfg.BaseRateKWhPerSec > 0 {
		return cfg.BaseRateKWhPerSec
	}
	if cfg.DailyLimitKWh > 0 {
		return cfg.DailyLimitKWh / 86400
	}
	return 0
}

func (f *Filter) applyEnergyCounter(cfg KeyConfig, st *FilterState, value float64, now time.Time) Result {
	if value < 0 {
		return f.reject(st, "negative energy value")
	}
	if cfg.DailyLimitKWh > 0 && value > cfg.DailyLimitKWh {
		if !st.HasLast {
			return f.acceptBare(st, 0, now, "initial value exceeded daily limit, seeded at 0")
		}
		return f.reject(st, "value exceeds configured daily limit")
	}
	if !st.HasLast {
		return f.acceptBare(st, value, now, "initial value")
	}

	diff := value - st.LastAccepted
	if diff < 0 {
		return f.applyDecrease(st, value, now)
	}

	baseRate := f.baseRate(cfg)
	if baseRate <= 0 {
		// No configured rate basis: accept growth, reject nothing further.
		st.pendingHasBase = false
		st.pendingCount = 0
		return f.acceptBare(st, value, now, "growth accepted (no base rate configured)")
	}

	elapsed := now.Sub(st.LastAcceptedAt)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	if elapsed > time.Hour {
		elapsed = time.Hour
	}
	maxIncrease := baseRate * elapsed.Seconds()

	switch {
	case diff > 10*maxIncrease:
		st.pendingHasBase = false
		st.pendingCount = 0
		return f.reject(st, "immediate spike rejection: exceeds 10x max_increase")
	case diff > maxIncrease:
		return f.confirmSpike(st, value, now)
	default:
		st.pendingHasBase = false
		st.pendingCount = 0
		return f.acceptBare(st, value, now, "within expected growth rate")
	}
}

// confirmSpike implements the confirmation window: N consecutive samples all exceeding
// last by a consistent margin before accepting.
func (f *Filter) confirmSpike(st *FilterState, value float64, now time.Time) Result {
	threshold := f.ConfirmationCount
	if threshold <= 0 {
		threshold = 3
	}

	if !st.pendingHasBase || !withinTolerance(st.pendingValue, value, 0.2) {
		st.pendingHasBase = true
		st.pendingValue = value
		st.pendingCount = 1
		return f.reject(st, "candidate spike entering confirmation window")
	}

	st.pendingValue = value
	st.pendingCount++
	if st.pendingCount >= threshold {
		st.pendingHasBase = false
		st.pendingCount = 0
		return f.acceptBare(st, value, now, "spike confirmed by consecutive consistent samples")
	}
	return f.reject(st, "candidate spike awaiting further confirmation")
}

func (f *Filter) applyDecrease(st *FilterState, value float64, now time.Time) Result {
	window := f.DecreaseWindow
	if window <= 0 {
		window = 10 * time.Minute
	}
	minSamples := f.MinConsistentSamples
	if minSamples <= 0 {
		minSamples = 5
	}

	if st.consecutiveLower == 0 {
		st.firstLowerAt = now
	}
	st.consecutiveLower++

	if st.consecutiveLower >= minSamples && now.Sub(st.firstLowerAt) >= window {
		st.consecutiveLower = 0
		st.pendingHasBase = false
		st.pendingCount = 0
		return f.acceptBare(st, value, now, "decrease self-correction: persisted long enough")
	}
	return f.reject(st, "decrease pending self-correction window")
}

func (f *Filter) applyInstantaneous(cfg KeyConfig, st *FilterState, value float64, now time.Time) Result {
	if cfg.HasRange && (value < cfg.MinValue || value > cfg.MaxValue) {
		return f.reject(st, "outside configured range")
	}

	if st.HasLast && cfg.MaxRateOfChangePerSec > 0 {
		elapsed := now.Sub(st.LastAcceptedAt).Seconds()
		if elapsed < 1 {
			elapsed = 1
		}
		maxDelta := cfg.MaxRateOfChangePerSec * elapsed
		if absFloat(value-st.LastAccepted) > maxDelta {
			return f.reject(st, "rate-of-change soft check failed")
		}
	}

	return f.acceptBare(st, value, now, "instantaneous value accepted")
}

func withinTolerance(a, b, fraction float64) bool {
	if a == 0 {
		return b == 0
	}
	diff := absFloat(a-b) / absFloat(a)
	return diff <= fraction
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
