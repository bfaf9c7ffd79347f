package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults mirror original_source/core/constants.py, except poll_interval_seconds: the
// Python defaults module uses 15, but 5 is the documented external-interface default this
// port exposes, so that value wins here.
const (
	DefaultPollIntervalSeconds   = 5
	DefaultWatchdogTimeoutSec    = 120
	DefaultWatchdogGraceSec      = 30
	DefaultMaxReconnectAttempts  = 3
	DefaultReconnectBackoffMaxS  = 15
	DefaultHistoryMaxAgeHours    = 168
	DefaultPowerHistoryInterval  = 60
	DefaultFilterConfirmCount    = 3
	DefaultFilterDecreaseWindowM = 10
)

// InstanceConfig holds one general.plugin_instances section.
type InstanceConfig struct {
	Name                  string
	PluginType            string
	ConnectionType        string // "tcp" | "serial"
	Host                  string
	Port                  int
	SerialDevice          string
	SerialBaud            int
	SlaveAddress          int
	ModbusTimeoutSeconds  float64
	InterReadDelayMS      int
	MaxRegsPerRead        int
	MaxReadRetriesPerGroup int
	Extra                 map[string]string // plugin-specific flags, e.g. deye_model_series
}

// SystemConfig holds inverter_system.* physical sizing used for filter ceilings.
type SystemConfig struct {
	PVPeakWatts              float64
	ACMaxWatts               float64
	BatteryUsableKWh         float64
	BatteryMaxChargePowerW   float64
	BatteryMaxDischargePowerW float64
	MPPTCount                int
}

// FilterConfig holds filter.* ceilings and behavior knobs.
type FilterConfig struct {
	DailyLimitKWh          map[string]float64
	BaseRateOverrideKWhSec map[string]float64
	ConfirmationCount      int
	DecreaseWindowMinutes  int
}

// AppConfig is the fully resolved configuration for one solarcore process.
type AppConfig struct {
	PluginInstances     []string
	PollIntervalSeconds int
	LocalTimezone       string
	MaxReconnectAttempts int

	System SystemConfig
	Filter FilterConfig

	Instances map[string]InstanceConfig

	MQTTBrokerURL string
	MQTTTopic     string

	WatchdogTimeoutSeconds int
	WatchdogGraceSeconds   int

	v *viper.Viper
}

// Location resolves LocalTimezone to a *time.Location, defaulting to UTC on failure.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.LocalTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads path with the bit-exact INI tokenizer, registers every value as a viper
// default (so SOLARCORE_-prefixed environment variables win over file values per viper's
// own precedence), and resolves the typed AppConfig. Only general.plugin_instances and
// general.local_timezone are read back through viper; every other field is taken from the
// parsed file directly, so the environment does not override it.
func Load(path string) (AppConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	doc, err := parseINI(f)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	v := viper.New()
	v.SetEnvPrefix("solarcore")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, secName := range doc.order {
		sec := doc.sections[secName]
		for _, key := range sec.order {
			full := key
			if secName != "" {
				full = secName + "." + key
			}
			v.SetDefault(full, sec.values[key])
		}
	}

	general := doc.section("general")
	sys := doc.section("inverter_system")
	filterSec := doc.section("filter")
	mqtt := doc.section("mqtt")
	watchdog := doc.section("watchdog")

	cfg := AppConfig{
		PluginInstances:      parseList(v.GetString("general.plugin_instances")),
		PollIntervalSeconds:  parseIntDefault(general.values["poll_interval_seconds"], DefaultPollIntervalSeconds),
		LocalTimezone:        orDefault(v.GetString("general.local_timezone"), "UTC"),
		MaxReconnectAttempts: parseIntDefault(general.values["max_reconnect_attempts"], DefaultMaxReconnectAttempts),
		WatchdogTimeoutSeconds: parseIntDefault(watchdog.values["timeout_seconds"], DefaultWatchdogTimeoutSec),
		WatchdogGraceSeconds:   parseIntDefault(watchdog.values["grace_period_seconds"], DefaultWatchdogGraceSec),
		MQTTBrokerURL: mqtt.values["broker_url"],
		MQTTTopic:     orDefault(mqtt.values["topic"], "solarcore/state"),
		System: SystemConfig{
			PVPeakWatts:               parseFloatDefault(sys.values["pv_peak_watts"], 0),
			ACMaxWatts:                parseFloatDefault(sys.values["ac_max_watts"], 0),
			BatteryUsableKWh:          parseFloatDefault(sys.values["battery_usable_kwh"], 0),
			BatteryMaxChargePowerW:    parseFloatDefault(sys.values["battery_max_charge_power_w"], 0),
			BatteryMaxDischargePowerW: parseFloatDefault(sys.values["battery_max_discharge_power_w"], 0),
			MPPTCount:                 parseIntDefault(sys.values["mppt_count"], 1),
		},
		Filter: FilterConfig{
			DailyLimitKWh:          map[string]float64{},
			BaseRateOverrideKWhSec: map[string]float64{},
			ConfirmationCount:      parseIntDefault(filterSec.values["confirmation_count"], DefaultFilterConfirmCount),
			DecreaseWindowMinutes:  parseIntDefault(filterSec.values["decrease_window_minutes"], DefaultFilterDecreaseWindowM),
		},
		Instances: map[string]InstanceConfig{},
		v:         v,
	}

	for key, val := range filterSec.values {
		switch {
		case strings.HasPrefix(key, "daily_limit_kwh."):
			cfg.Filter.DailyLimitKWh[strings.TrimPrefix(key, "daily_limit_kwh.")] = parseFloatDefault(val, 0)
		case strings.HasPrefix(key, "base_rate."):
			cfg.Filter.BaseRateOverrideKWhSec[strings.TrimPrefix(key, "base_rate.")] = parseFloatDefault(val, 0)
		}
	}

	for _, name := range cfg.PluginInstances {
		sec, ok := doc.sections[name]
		if !ok {
			return AppConfig{}, fmt.Errorf("config: instance %q listed in general.plugin_instances but has no [%s] section", name, name)
		}
		inst := InstanceConfig{
			Name:                   name,
			PluginType:             sec.values["plugin_type"],
			ConnectionType:         strings.ToLower(sec.values["connection_type"]),
			Host:                   sec.values["host"],
			Port:                   parseIntDefault(sec.values["port"], 502),
			SerialDevice:           sec.values["serial_device"],
			SerialBaud:             parseIntDefault(sec.values["serial_baud"], 9600),
			SlaveAddress:           parseIntDefault(sec.values["slave_address"], 1),
			ModbusTimeoutSeconds:   parseFloatDefault(sec.values["modbus_timeout_seconds"], 3.0),
			InterReadDelayMS:       parseIntDefault(sec.values["inter_read_delay_ms"], 50),
			MaxRegsPerRead:         parseIntDefault(sec.values["max_regs_per_read"], 32),
			MaxReadRetriesPerGroup: parseIntDefault(sec.values["max_read_retries_per_group"], 2),
			Extra:                  map[string]string{},
		}
		if inst.PluginType == "" {
			return AppConfig{}, fmt.Errorf("config: instance %q missing required plugin_type", name)
		}
		known := map[string]bool{
			"plugin_type": true, "connection_type": true, "host": true, "port": true,
			"serial_device": true, "serial_baud": true, "slave_address": true,
			"modbus_timeout_seconds": true, "inter_read_delay_ms": true,
			"max_regs_per_read": true, "max_read_retries_per_group": true,
		}
		for k, val := range sec.values {
			if !known[k] {
				inst.Extra[k] = val
			}
		}
		cfg.Instances[name] = inst
	}

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate enforces the required-key checks original_source's validate_core_config
// describes, returning a fatal config error (exit code 1 at the CLI layer) on the first
// violation found.
func Validate(cfg AppConfig) error {
	if len(cfg.PluginInstances) == 0 {
		return fmt.Errorf("config: general.plugin_instances must list at least one instance")
	}
	if cfg.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: general.poll_interval_seconds must be positive, got %d", cfg.PollIntervalSeconds)
	}
	for name, inst := range cfg.Instances {
		if inst.ConnectionType != "tcp" && inst.ConnectionType != "serial" {
			return fmt.Errorf("config: instance %q has invalid connection_type %q (want tcp or serial)", name, inst.ConnectionType)
		}
		if inst.ConnectionType == "tcp" && inst.Host == "" {
			return fmt.Errorf("config: instance %q is connection_type=tcp but has no host", name)
		}
		if inst.ConnectionType == "serial" && inst.SerialDevice == "" {
			return fmt.Errorf("config: instance %q is connection_type=serial but has no serial_device", name)
		}
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
