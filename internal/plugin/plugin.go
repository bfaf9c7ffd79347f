// Package plugin defines the device plugin contract and the worker state machine that
// drives a plugin instance through connect/read/sleep cycles.
package plugin

import (
	"context"
	"fmt"

	"github.com/mikef5410/solarcore/internal/keys"
)

// Category is the coarse device family a plugin belongs to.
type Category string

const (
	CategoryInverter Category = "inverter"
	CategoryBMS      Category = "bms"
)

// ParamKind describes the primitive type of a configurable parameter, for UI/validation.
type ParamKind string

const (
	ParamInt    ParamKind = "int"
	ParamFloat  ParamKind = "float"
	ParamString ParamKind = "string"
	ParamBool   ParamKind = "bool"
	ParamEnum   ParamKind = "enum"
)

// ParamDescriptor self-describes one configuration knob a plugin type accepts, backing
// configurable_params(). internal/config does not read these descriptors; each plugin's
// constructor parses its own instance values.
type ParamDescriptor struct {
	Name    string
	Kind    ParamKind
	Default string
	Min     float64
	Max     float64
	Options []string // valid values when Kind == ParamEnum
}

// ReadErrorKind classifies a read_dynamic failure.
type ReadErrorKind int

const (
	ErrTimeout ReadErrorKind = iota
	ErrExceptionResponse
	ErrDecode
	ErrPartialGroup
	ErrConfig
)

func (k ReadErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrExceptionResponse:
		return "exception_response"
	case ErrDecode:
		return "decode"
	case ErrPartialGroup:
		return "partial_group"
	case ErrConfig:
		return "config_error"
	default:
		return "unknown"
	}
}

// ReadError wraps a read_dynamic/read_static failure with its classification.
type ReadError struct {
	Kind ReadErrorKind
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("plugin: read failed (%s): %v", e.Kind, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// DevicePlugin is the capability contract every device family implements: a fixed set of
// operations, with variant handling per device family done with register maps and
// dictionaries rather than a type hierarchy per model.
type DevicePlugin interface {
	Name() string
	PrettyName() string
	Category() Category

	// Connect establishes the transport and sets connected=true on success. Idempotent;
	// never blocks past ctx's deadline; cleans up any half-open resource on failure.
	Connect(ctx context.Context) (bool, error)
	// Disconnect is always safe to call and guarantees no descriptor or port lock leaks.
	Disconnect()
	// IsConnected reports the plugin's current connection state.
	IsConnected() bool

	// ReadStatic is called once per connect; the Reading MUST include
	// static_device_category and a manufacturer string.
	ReadStatic(ctx context.Context) (keys.Reading, error)
	// ReadDynamic is called every poll cycle.
	ReadDynamic(ctx context.Context) (keys.Reading, error)

	ConfigurableParams() []ParamDescriptor
}

// YesterdaySummaryReader is an optional capability (original_source/plugins/
// plugin_interface.py's read_yesterday_energy_summary) a plugin may implement to backfill
// yesterday's daily-energy totals directly from the device on startup.
type YesterdaySummaryReader interface {
	ReadYesterdayEnergySummary(ctx context.Context) (keys.Reading, error)
}

// Constructor builds a DevicePlugin instance from its resolved instance configuration.
// Defined generically here; internal/config.InstanceConfig is passed as an opaque
// map[string]string plus the well-known fields constructors need, to avoid an import cycle
// between internal/config and internal/plugin.
type Constructor func(instanceName string, extra map[string]string) (DevicePlugin, error)

var registry = map[string]Constructor{}

// Register adds a plugin type under pluginType (e.g. "plugin.inverter.deye"). Intended to
// be called from concrete plugin packages' init().
func Register(pluginType string, ctor Constructor) {
	registry[pluginType] = ctor
}

// Lookup returns the constructor registered for pluginType, if any.
func Lookup(pluginType string) (Constructor, bool) {
	ctor, ok := registry[pluginType]
	return ctor, ok
}

// RegisteredTypes returns the list of plugin_type strings currently registered, for
// diagnostics and config validation error messages.
func RegisteredTypes() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
