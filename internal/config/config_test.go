package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "solarcore.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const minimalConfig = `
[general]
plugin_instances = deye1
poll_interval_seconds = 10
local_timezone = America/Denver

[inverter_system]
pv_peak_watts = 7600
battery_usable_kwh = 14.0
mppt_count = 2

[deye1]
plugin_type = plugin.inverter.deye
connection_type = tcp
host = 192.168.1.50
port = 502
slave_address = 1
deye_model_series = modern_hybrid
`

func TestLoadResolvesInstancesAndSystem(t *testing.T) {
	cfg, err := Load(writeTemp(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.PluginInstances) != 1 || cfg.PluginInstances[0] != "deye1" {
		t.Fatalf("unexpected instances: %v", cfg.PluginInstances)
	}
	if cfg.PollIntervalSeconds != 10 {
		t.Fatalf("poll interval: got %d", cfg.PollIntervalSeconds)
	}
	if cfg.System.PVPeakWatts != 7600 {
		t.Fatalf("pv peak watts: got %v", cfg.System.PVPeakWatts)
	}
	inst, ok := cfg.Instances["deye1"]
	if !ok {
		t.Fatalf("missing deye1 instance")
	}
	if inst.ConnectionType != "tcp" || inst.Host != "192.168.1.50" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if inst.Extra["deye_model_series"] != "modern_hybrid" {
		t.Fatalf("plugin-specific flag not preserved: %+v", inst.Extra)
	}
}

func TestLoadDefaultsPollInterval(t *testing.T) {
	cfg, err := Load(writeTemp(t, `
[general]
plugin_instances = deye1

[deye1]
plugin_type = plugin.inverter.deye
connection_type = tcp
host = 10.0.0.1
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollIntervalSeconds != DefaultPollIntervalSeconds {
		t.Fatalf("expected default poll interval %d, got %d", DefaultPollIntervalSeconds, cfg.PollIntervalSeconds)
	}
}

func TestLoadRejectsMissingPluginInstances(t *testing.T) {
	_, err := Load(writeTemp(t, "[general]\npoll_interval_seconds = 5\n"))
	if err == nil {
		t.Fatalf("expected error for missing plugin_instances")
	}
}

func TestLoadRejectsInstanceWithoutSection(t *testing.T) {
	_, err := Load(writeTemp(t, "[general]\nplugin_instances = ghost\n"))
	if err == nil {
		t.Fatalf("expected error for instance without a matching section")
	}
}

func TestLoadRejectsSerialInstanceMissingDevice(t *testing.T) {
	_, err := Load(writeTemp(t, `
[general]
plugin_instances = bms1

[bms1]
plugin_type = plugin.bms.jk
connection_type = serial
`))
	if err == nil {
		t.Fatalf("expected error for serial instance missing serial_device")
	}
}
