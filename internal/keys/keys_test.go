package keys

import (
	"testing"
	"time"
)

func timeZero() time.Time { return time.Time{} }

func TestIsKnownPlainKeys(t *testing.T) {
	for _, k := range all {
		if !IsKnown(k) {
			t.Errorf("expected %q to be known", k)
		}
	}
}

func TestIsKnownCellFamilies(t *testing.T) {
	cases := []StandardKey{
		BMSCellVoltageN(1), BMSCellVoltageN(16), BMSCellTemperatureN(4),
	}
	for _, k := range cases {
		if !IsKnown(k) {
			t.Errorf("expected %q to be known", k)
		}
	}
}

func TestIsKnownRejectsGarbage(t *testing.T) {
	for _, k := range []StandardKey{"not_a_real_key", "bms_cell_voltage_", "bms_cell_voltage_x"} {
		if IsKnown(k) {
			t.Errorf("expected %q to be unknown", k)
		}
	}
}

func TestReadingSetDropsUnknownKeys(t *testing.T) {
	r := NewReading("inst-1", timeZero(), timeZero())
	if ok := r.Set(StandardKey("bogus_key"), Number(1)); ok {
		t.Fatalf("Set should have rejected an unknown key")
	}
	if _, present := r.Values[StandardKey("bogus_key")]; present {
		t.Fatalf("unknown key must not be stored")
	}
	if ok := r.Set(PVTotalDCPowerWatts, Number(1200.5)); !ok {
		t.Fatalf("Set should have accepted a known key")
	}
	got, ok := r.Values[PVTotalDCPowerWatts].AsNumber()
	if !ok || got != 1200.5 {
		t.Fatalf("expected 1200.5, got %v (ok=%v)", got, ok)
	}
}

func TestValueAccessorsCrossKind(t *testing.T) {
	v := Text("ok")
	if _, ok := v.AsNumber(); ok {
		t.Fatalf("Text value should not report as number")
	}
	if s, ok := v.AsText(); !ok || s != "ok" {
		t.Fatalf("expected text %q, got %q (ok=%v)", "ok", s, ok)
	}
}

func TestNumListAndMappingAreCopied(t *testing.T) {
	src := []float64{3.30, 3.31, 3.29}
	v := NumList(src)
	src[0] = 9.99
	got, _ := v.AsNumList()
	if got[0] != 3.30 {
		t.Fatalf("NumList must copy its input, got %v", got)
	}

	m := map[string]string{"battery": "overvoltage"}
	mv := Mapping(m)
	m["battery"] = "mutated"
	gm, _ := mv.AsMapping()
	if gm["battery"] != "overvoltage" {
		t.Fatalf("Mapping must copy its input, got %v", gm)
	}
}
