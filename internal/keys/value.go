package keys

import "time"

// Value is the closed set of shapes a StandardKey may carry: a scaled number, a short
// string, a bool, a list of numbers (cell voltages/temperatures), or a small string-keyed
// mapping (categorized alerts, keyed by {status, grid, battery, inverter, bms, eps}).
type Value struct {
	kind    valueKind
	num     float64
	text    string
	boolean bool
	nums    []float64
	mapping map[string]string
}

type valueKind uint8

const (
	kindNumber valueKind = iota
	kindText
	kindBool
	kindNumList
	kindMapping
)

// Number wraps a scaled numeric reading (the common case: watts, volts, amps, percent, kWh).
func Number(v float64) Value { return Value{kind: kindNumber, num: v} }

// Text wraps a short string value (status text, model name, serial number).
func Text(v string) Value { return Value{kind: kindText, text: v} }

// Bool wraps a boolean value (FET on/off, balancing active).
func Bool(v bool) Value { return Value{kind: kindBool, boolean: v} }

// NumList wraps a list of numbers (per-cell voltages, per-sensor temperatures).
func NumList(v []float64) Value {
	cp := make([]float64, len(v))
	copy(cp, v)
	return Value{kind: kindNumList, nums: cp}
}

// Mapping wraps a small string-keyed mapping (categorized alerts).
func Mapping(v map[string]string) Value {
	cp := make(map[string]string, len(v))
	for k, val := range v {
		cp[k] = val
	}
	return Value{kind: kindMapping, mapping: cp}
}

// AsNumber returns the numeric payload and whether this Value actually holds a number.
func (v Value) AsNumber() (float64, bool) {
	if v.kind != kindNumber {
		return 0, false
	}
	return v.num, true
}

// AsText returns the string payload and whether this Value actually holds text.
func (v Value) AsText() (string, bool) {
	if v.kind != kindText {
		return "", false
	}
	return v.text, true
}

// AsBool returns the boolean payload and whether this Value actually holds a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != kindBool {
		return false, false
	}
	return v.boolean, true
}

// AsNumList returns the numeric list payload and whether this Value actually holds one.
func (v Value) AsNumList() ([]float64, bool) {
	if v.kind != kindNumList {
		return nil, false
	}
	return v.nums, true
}

// AsMapping returns the string-mapping payload and whether this Value actually holds one.
func (v Value) AsMapping() (map[string]string, bool) {
	if v.kind != kindMapping {
		return nil, false
	}
	return v.mapping, true
}

// Reading is one atomic output of a plugin poll.
type Reading struct {
	InstanceID string
	MonotonicTS time.Time
	WallTSUTC   time.Time
	Values      map[StandardKey]Value
}

// NewReading builds an empty Reading ready to accumulate Values.
func NewReading(instanceID string, monotonic, wall time.Time) Reading {
	return Reading{
		InstanceID:  instanceID,
		MonotonicTS: monotonic,
		WallTSUTC:   wall,
		Values:      make(map[StandardKey]Value),
	}
}

// Set records v under k, dropping it (with the caller expected to log) if k is not part of
// the closed StandardKey vocabulary.
func (r Reading) Set(k StandardKey, v Value) bool {
	if !IsKnown(k) {
		return false
	}
	r.Values[k] = v
	return true
}
