package deye

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mikef5410/solarcore/internal/plugin"
)

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "fake net error" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return e.timeout }

func TestClassifyReadErrTimeoutVsDecode(t *testing.T) {
	if got := classifyReadErr(context.DeadlineExceeded); got != plugin.ErrTimeout {
		t.Fatalf("context.DeadlineExceeded: got %v, want ErrTimeout", got)
	}
	if got := classifyReadErr(fakeNetErr{timeout: true}); got != plugin.ErrTimeout {
		t.Fatalf("net.Error timeout: got %v, want ErrTimeout", got)
	}
	if got := classifyReadErr(errors.New("garbled response")); got != plugin.ErrDecode {
		t.Fatalf("generic error: got %v, want ErrDecode", got)
	}
}

func TestReadGroupWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	words, err := readGroupWithRetry(context.Background(), 2, 0, func() ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return []byte{0x00, 0x01}, nil
	})
	if err != nil {
		t.Fatalf("readGroupWithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(words) != 2 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestReadGroupWithRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("persistent failure")
	_, err := readGroupWithRetry(context.Background(), 2, 0, func() ([]byte, error) {
		attempts++
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected maxRetries+1=3 attempts, got %d", attempts)
	}
}

func TestSleepOrDoneReturnsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepOrDone(ctx, 10*time.Millisecond); err == nil {
		t.Fatalf("expected error from cancelled context")
	}
}

func TestFieldsForSelectsRegisterMapByModelSeries(t *testing.T) {
	cases := map[ModelSeries]int{
		ModernHybrid: len(modernHybridFields()),
		LegacyHybrid: len(legacyHybridFields()),
		ThreePhase:   len(threePhaseFields()),
	}
	for series, want := range cases {
		got := fieldsFor(series)
		if len(got) != want {
			t.Fatalf("fieldsFor(%s): got %d fields, want %d", series, len(got), want)
		}
	}
}

func TestFieldsForUnknownSeriesFallsBackToModernHybrid(t *testing.T) {
	got := fieldsFor(ModelSeries("bogus"))
	want := modernHybridFields()
	if len(got) != len(want) {
		t.Fatalf("expected fallback to modern_hybrid (%d fields), got %d", len(want), len(got))
	}
}

func TestStatusTextKnownAndUnknownCodes(t *testing.T) {
	if got := statusText(1); got != "Generating" {
		t.Fatalf("statusText(1) = %q, want Generating", got)
	}
	if got := statusText(99); got != "Unknown" {
		t.Fatalf("statusText(99) = %q, want Unknown", got)
	}
}

func TestBytesToWordsBigEndianPairs(t *testing.T) {
	words := bytesToWords([]byte{0x12, 0x34, 0x00, 0x01})
	if len(words) != 2 || words[0] != 0x1234 || words[1] != 0x0001 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestConfigurableParamsExposesModelSeriesEnum(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1", ModelSeries: ModernHybrid}}
	params := p.ConfigurableParams()

	var found *plugin.ParamDescriptor
	for i := range params {
		if params[i].Name == "deye_model_series" {
			found = &params[i]
		}
	}
	if found == nil {
		t.Fatalf("expected a deye_model_series param descriptor")
	}
	if found.Kind != plugin.ParamEnum {
		t.Fatalf("expected ParamEnum, got %v", found.Kind)
	}
	if len(found.Options) != 3 {
		t.Fatalf("expected 3 model series options, got %d", len(found.Options))
	}
}

func TestCategoryIsInverter(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1"}}
	if p.Category() != plugin.CategoryInverter {
		t.Fatalf("expected CategoryInverter, got %v", p.Category())
	}
}

func TestReadStaticReportsManufacturerAndModelSeries(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1", ModelSeries: ThreePhase}}
	r, err := p.ReadStatic(nil)
	if err != nil {
		t.Fatalf("ReadStatic: %v", err)
	}
	if text, ok := r.Values["static_inverter_manufacturer"]; !ok {
		t.Fatalf("missing static_inverter_manufacturer")
	} else if s, _ := text.AsText(); s != "Deye" {
		t.Fatalf("got manufacturer %q, want Deye", s)
	}
	if text, ok := r.Values["static_inverter_model_name"]; !ok {
		t.Fatalf("missing static_inverter_model_name")
	} else if s, _ := text.AsText(); s != string(ThreePhase) {
		t.Fatalf("got model name %q, want %q", s, ThreePhase)
	}
}
