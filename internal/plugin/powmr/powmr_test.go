package powmr

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
	if got := classifyReadErr(errors.New("bad checksum")); got != plugin.ErrDecode {
		t.Fatalf("generic error: got %v, want ErrDecode", got)
	}
}

func TestRunModeTextKnownAndUnknownCodes(t *testing.T) {
	if got := runModeText(3); got != "Normal" {
		t.Fatalf("runModeText(3) = %q, want Normal", got)
	}
	if got := runModeText(99); got != "Unknown" {
		t.Fatalf("runModeText(99) = %q, want Unknown", got)
	}
}

func TestDecodeSystemFlagsExtractsActiveBits(t *testing.T) {
	flags := decodeSystemFlags(1<<0 | 1<<2) // System Power + Bus OK
	if len(flags) != 2 {
		t.Fatalf("expected 2 active flags, got %d: %v", len(flags), flags)
	}
	found := false
	for _, v := range flags {
		if v == "Bus OK" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected Bus OK among decoded flags: %v", flags)
	}
}

func TestConfigurableParamsExposesProtocolVersionEnum(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1"}}
	params := p.ConfigurableParams()

	var found *plugin.ParamDescriptor
	for i := range params {
		if params[i].Name == "powmr_protocol_version" {
			found = &params[i]
		}
	}
	if found == nil {
		t.Fatalf("expected a powmr_protocol_version param descriptor")
	}
	if len(found.Options) != 2 {
		t.Fatalf("expected 2 protocol version options, got %d", len(found.Options))
	}
}

func TestCategoryIsInverter(t *testing.T) {
	p := &Plugin{cfg: Config{InstanceName: "inv1"}}
	if p.Category() != plugin.CategoryInverter {
		t.Fatalf("expected CategoryInverter, got %v", p.Category())
	}
}
