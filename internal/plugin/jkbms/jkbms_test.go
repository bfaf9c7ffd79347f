package jkbms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/plugin"
)

func TestClassifyReadErrTimeoutVsDecode(t *testing.T) {
	if got := classifyReadErr(context.DeadlineExceeded); got != plugin.ErrTimeout {
		t.Fatalf("context.DeadlineExceeded: got %v, want ErrTimeout", got)
	}
	if got := classifyReadErr(errors.New("garbled response")); got != plugin.ErrDecode {
		t.Fatalf("generic error: got %v, want ErrDecode", got)
	}
}

func TestReadWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	words, err := readWithRetry(context.Background(), 2, 0, func() ([]byte, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("transient")
		}
		return []byte{0xAB, 0xCD}, nil
	})
	if err != nil {
		t.Fatalf("readWithRetry: %v", err)
	}
	if len(words) != 2 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestCategoryIsBMS(t *testing.T) {
	p, _ := New(Config{InstanceName: "bms1"})
	if p.Category() != plugin.CategoryBMS {
		t.Fatalf("expected CategoryBMS, got %v", p.Category())
	}
}

func TestReadStaticReportsManufacturerAndSerial(t *testing.T) {
	p, _ := New(Config{InstanceName: "bms1", SlaveAddress: 3})
	r, err := p.ReadStatic(nil)
	if err != nil {
		t.Fatalf("ReadStatic: %v", err)
	}
	serial, ok := r.Values[keys.StaticBatterySerialNumber]
	if !ok {
		t.Fatalf("missing static_battery_serial_number")
	}
	if text, _ := serial.AsText(); text != "jk_3" {
		t.Fatalf("got serial %q, want jk_3", text)
	}
	manufacturer, ok := r.Values[keys.StaticBatteryManufacturer]
	if !ok {
		t.Fatalf("missing static_battery_manufacturer")
	}
	if text, _ := manufacturer.AsText(); text != "JK BMS" {
		t.Fatalf("got manufacturer %q, want JK BMS", text)
	}
}

func TestApplyReadingDerivesChargingStatusFromSignFlippedCurrent(t *testing.T) {
	p, _ := New(Config{InstanceName: "bms1"})
	r := keys.NewReading("bms1", time.Now(), time.Now())

	raw := map[string]float64{
		"total_voltage": 52.0,
		"total_current": 5.0, // positive raw current becomes -5 A (charging) once sign-flipped
		"soc":           80,
		"cell_count":    4,
		"cell_1_voltage": 3.3, "cell_2_voltage": 3.31, "cell_3_voltage": 3.29, "cell_4_voltage": 3.30,
		"max_cell_voltage": 3.31, "min_cell_voltage": 3.29,
	}
	p.applyReading(r, raw)

	status, ok := r.Values[keys.BatteryStatusText]
	if !ok {
		t.Fatalf("missing battery_status_text")
	}
	text, _ := status.AsText()
	if text != "Charging" {
		t.Fatalf("got status %q, want Charging", text)
	}

	voltages, ok := r.Values[keys.BMSCellVoltagesList]
	if !ok {
		t.Fatalf("missing bms_cell_voltages_list")
	}
	list, _ := voltages.AsNumList()
	if len(list) != 4 {
		t.Fatalf("expected 4 cell voltages, got %d", len(list))
	}
}

func TestApplyReadingDecodesAlarmBits(t *testing.T) {
	p, _ := New(Config{InstanceName: "bms1"})
	r := keys.NewReading("bms1", time.Now(), time.Now())

	raw := map[string]float64{
		"alarm_bits": float64(1<<0 | 1<<2), // Cell Overvoltage + Pack Overvoltage
	}
	p.applyReading(r, raw)

	summary, ok := r.Values[keys.BMSFaultSummaryText]
	if !ok {
		t.Fatalf("missing bms_fault_summary_text")
	}
	text, _ := summary.AsText()
	if text == "Normal" {
		t.Fatalf("expected a non-Normal fault summary with alarm bits set")
	}
}
