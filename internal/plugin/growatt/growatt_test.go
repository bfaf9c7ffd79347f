package growatt

import (
	"context"
	"errors"
	"testing"

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

func TestReadGroupWithRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	wantErr := errors.New("persistent failure")
	_, err := readGroupWithRetry(context.Background(), 1, 0, func() ([]byte, error) {
		attempts++
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wantErr, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected maxRetries+1=2 attempts, got %d", attempts)
	}
}

func TestStatusTextKnownAndUnknownCodes(t *testing.T) {
	if got := statusText(1); got != "Normal" {
		t.Fatalf("statusText(1) = %q, want Normal", got)
	}
	if got := statusText(42); got != "Unknown" {
		t.Fatalf("statusText(42) = %q, want Unknown", got)
	}
}

func TestBytesToWordsBigEndianPairs(t *testing.T) {
	words := bytesToWords([]byte{0x00, 0x03, 0xFF, 0x01})
	if len(words) != 2 || words[0] != 0x0003 || words[1] != 0xFF01 {
		t.Fatalf("unexpected words: %v", words)
	}
}

func TestDecodeASCIIWordsTrimsTrailingNulPadding(t *testing.T) {
	got := decodeASCIIWords([]uint16{0x4142, 0x4300, 0x0000})
	if got != "ABC" {
		t.Fatalf("got %q, want ABC", got)
	}
}

func TestConfigurableParamsExposesConnectionTypeEnum(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1"}}
	params := p.ConfigurableParams()

	var found *plugin.ParamDescriptor
	for i := range params {
		if params[i].Name == "connection_type" {
			found = &params[i]
		}
	}
	if found == nil {
		t.Fatalf("expected a connection_type param descriptor")
	}
	if found.Kind != plugin.ParamEnum {
		t.Fatalf("expected ParamEnum, got %v", found.Kind)
	}
}

func TestCategoryIsInverter(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1"}}
	if p.Category() != plugin.CategoryInverter {
		t.Fatalf("expected CategoryInverter, got %v", p.Category())
	}
}
