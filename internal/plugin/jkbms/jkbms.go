// Package jkbms implements the JK BMS Modbus RS485 battery management system plugin,
// grounded in original_source/plugins/battery/jk_bms_plugin.py: one contiguous
// holding-register block (0x0078-0x00E5) covering pack totals, per-cell voltages, and
// temperature/alarm/status bitfields.
package jkbms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	goburrow "github.com/goburrow/modbus"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/plugin"
	modbuscodec "github.com/mikef5410/solarcore/internal/protocol/modbus"
)

const (
	startAddr = 0x0078
	endAddr   = 0x00E5
	cellBase  = 0x009A
	maxCells  = 24
)

// alarmBits maps JK_ALARM_MAP bit positions to their human-readable alarm text.
var alarmBits = map[int]string{
	0: "Cell Overvoltage", 1: "Cell Undervoltage", 2: "Pack Overvoltage", 3: "Pack Undervoltage",
	4: "Charge Over-temp", 5: "Charge Under-temp", 6: "Discharge Over-temp", 7: "Discharge Under-temp",
	8: "Charge Overcurrent", 9: "Discharge Overcurrent", 10: "SOC Too High", 11: "SOC Too Low",
	12: "Cell Difference Too High", 13: "MOSFET Over-temp",
}

// fixedFields are the non-cell-voltage registers within the single contiguous block,
// mirroring JK_MODBUS_REGISTERS minus the per-cell entries.
var fixedFields = []modbuscodec.RegisterDescriptor{
	{Key: "total_voltage", Address: 0x0078, Type: modbuscodec.TypeU16, Scale: 0.01},
	{Key: "total_current", Address: 0x007A, Type: modbuscodec.TypeI16, Scale: 0.01},
	{Key: "soc", Address: 0x007C, Type: modbuscodec.TypeU16},
	{Key: "rated_capacity_ah", Address: 0x007D, Type: modbuscodec.TypeU16, Scale: 0.01},
	{Key: "cycle_count", Address: 0x007E, Type: modbuscodec.TypeU16},
	{Key: "soh", Address: 0x007F, Type: modbuscodec.TypeU16},
	{Key: "remaining_capacity_ah", Address: 0x0080, Type: modbuscodec.TypeU16, Scale: 0.01},
	{Key: "cell_count", Address: 0x0082, Type: modbuscodec.TypeU16},
	{Key: "max_cell_voltage", Address: 0x0088, Type: modbuscodec.TypeU16, Scale: 0.001},
	{Key: "max_cell_voltage_no", Address: 0x0089, Type: modbuscodec.TypeU16},
	{Key: "min_cell_voltage", Address: 0x008A, Type: modbuscodec.TypeU16, Scale: 0.001},
	{Key: "min_cell_voltage_no", Address: 0x008B, Type: modbuscodec.TypeU16},
	{Key: "max_cell_temp", Address: 0x008C, Type: modbuscodec.TypeI16},
	{Key: "min_cell_temp", Address: 0x008E, Type: modbuscodec.TypeI16},
	{Key: "temp_sensor_1", Address: 0x0090, Type: modbuscodec.TypeI16},
	{Key: "temp_sensor_2", Address: 0x0092, Type: modbuscodec.TypeI16},
	{Key: "status_bits", Address: 0x0096, Type: modbuscodec.TypeU16},
	{Key: "bms_error_code", Address: 0x0097, Type: modbuscodec.TypeU16},
	{Key: "alarm_bits", Address: 0x0098, Type: modbuscodec.TypeU32, LittleEndianWords: true},
}

func cellVoltageFields() []modbuscodec.RegisterDescriptor {
	out := make([]modbuscodec.RegisterDescriptor, 0, maxCells)
	for i := 0; i < maxCells; i++ {
		out = append(out, modbuscodec.RegisterDescriptor{
			Key:     fmt.Sprintf("cell_%d_voltage", i+1),
			Address: uint16(cellBase + i*2),
			Type:    modbuscodec.TypeU16,
			Scale:   0.001,
		})
	}
	return out
}

// Config is the resolved instance configuration for a JK BMS plugin.
type Config struct {
	InstanceName   string
	ConnectionType string // "tcp" | "serial"
	Host           string
	Port           int
	SerialDevice   string
	BaudRate       int
	SlaveAddress   byte
	TimeoutSeconds float64
	MaxReadRetries int
	InterReadDelay time.Duration
}

// Plugin implements plugin.DevicePlugin for JK BMS devices over Modbus.
type Plugin struct {
	cfg       Config
	client    goburrow.Client
	closer    func() error
	connected bool

	// lastKnown preserves the previous successful read's raw register values, mirroring
	// last_known_dynamic_data so a transient read error doesn't blank out the Reading.
	lastKnown map[string]float64
}

// New builds a JK BMS plugin instance from its resolved configuration.
func New(cfg Config) (*Plugin, error) {
	if cfg.SlaveAddress == 0 {
		cfg.SlaveAddress = 1
	}
	return &Plugin{cfg: cfg, lastKnown: make(map[string]float64)}, nil
}

func (p *Plugin) Name() string              { return p.cfg.InstanceName }
func (p *Plugin) PrettyName() string        { return "JK BMS (Modbus)" }
func (p *Plugin) Category() plugin.Category { return plugin.CategoryBMS }
func (p *Plugin) IsConnected() bool         { return p.connected }

func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "connection_type", Kind: plugin.ParamEnum, Default: "tcp", Options: []string{"tcp", "serial"}},
		{Name: "slave_address", Kind: plugin.ParamInt, Default: "1", Min: 1, Max: 247},
		{Name: "serial_baud", Kind: plugin.ParamInt, Default: "115200", Min: 1200, Max: 921600},
	}
}

func (p *Plugin) Connect(ctx context.Context) (bool, error) {
	timeout := time.Duration(p.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	switch p.cfg.ConnectionType {
	case "serial":
		handler := goburrow.NewRTUClientHandler(p.cfg.SerialDevice)
		handler.BaudRate = p.cfg.BaudRate
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.SlaveId = p.cfg.SlaveAddress
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return false, err
		}
		p.client = goburrow.NewClient(handler)
		p.closer = handler.Close
	default:
		handler := goburrow.NewTCPClientHandler(fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port))
		handler.SlaveId = p.cfg.SlaveAddress
		handler.Timeout = timeout
		if err := handler.Connect(); err != nil {
			return false, err
		}
		p.client = goburrow.NewClient(handler)
		p.closer = handler.Close
	}
	p.connected = true
	return true, nil
}

func (p *Plugin) Disconnect() {
	if p.closer != nil {
		p.closer()
	}
	p.connected = false
}

func (p *Plugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("bms"))
	r.Set(keys.StaticBatteryManufacturer, keys.Text("JK BMS"))
	r.Set(keys.StaticBatteryModelName, keys.Text("JKBMS (RS485)"))
	r.Set(keys.StaticBatterySerialNumber, keys.Text(fmt.Sprintf("jk_%d", p.cfg.SlaveAddress)))
	return r, nil
}

// ReadDynamic performs one FC03 read of the full register block, decodes every field, and
// derives the same battery-status/alarm/balancing summaries as read_dynamic_data. On a wire
// error it falls back to the last successful read, per the original's
// last_known_dynamic_data stale-data resilience.
func (p *Plugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())

	numRegs := uint16(endAddr-startAddr) + 1
	words, err := readWithRetry(ctx, p.cfg.MaxReadRetries, p.cfg.InterReadDelay, func() ([]byte, error) {
		return p.client.ReadHoldingRegisters(startAddr, numRegs)
	})
	if err != nil {
		p.populateFromLastKnown(r)
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}
	wordVals := bytesToWords(words)

	all := append(append([]modbuscodec.RegisterDescriptor{}, fixedFields...), cellVoltageFields()...)
	raw := make(map[string]float64, len(all))
	for _, d := range all {
		idx := int(d.Address) - startAddr
		width := int(d.Width())
		if idx < 0 || idx+width > len(wordVals) {
			continue
		}
		decoded, err := modbuscodec.DecodeRegister(d, wordVals[idx:])
		if err != nil {
			continue
		}
		raw[d.Key] = decoded.Number
		p.lastKnown[d.Key] = decoded.Number
	}

	p.applyReading(r, raw)
	return r, nil
}

func (p *Plugin) populateFromLastKnown(r keys.Reading) {
	if len(p.lastKnown) > 0 {
		p.applyReading(r, p.lastKnown)
	}
}

// applyReading translates the flat raw register map into the closed StandardKey
// vocabulary, mirroring read_dynamic_data's calculations and standardization block.
func (p *Plugin) applyReading(r keys.Reading, raw map[string]float64) {
	current := -raw["total_current"]
	power := raw["total_voltage"] * current

	status := "Idle"
	if power > 10 {
		status = "Discharging"
	} else if power < -10 {
		status = "Charging"
	}

	statusBits := int64(raw["status_bits"])
	balancing := (statusBits>>8)&1 == 1
	chargeFET := (statusBits>>0)&1 == 1
	dischargeFET := (statusBits>>1)&1 == 1

	alarmBitsVal := int64(raw["alarm_bits"])
	var alarms []string
	for bit, desc := range alarmBits {
		if (alarmBitsVal>>uint(bit))&1 == 1 {
			alarms = append(alarms, desc)
		}
	}

	cellCount := int(raw["cell_count"])
	var cellVoltages []float64
	for i := 0; i < cellCount && i < maxCells; i++ {
		if v, ok := raw[fmt.Sprintf("cell_%d_voltage", i+1)]; ok && v > 2.0 {
			cellVoltages = append(cellVoltages, v)
		}
	}

	r.Set(keys.BatteryStateOfChargePercent, keys.Number(raw["soc"]))
	r.Set(keys.BatteryStateOfHealthPercent, keys.Number(raw["soh"]))
	r.Set(keys.BatteryVoltageVolts, keys.Number(raw["total_voltage"]))
	r.Set(keys.BatteryCurrentAmps, keys.Number(current))
	r.Set(keys.BatteryPowerWatts, keys.Number(power))
	r.Set(keys.BatteryCyclesCount, keys.Number(raw["cycle_count"]))
	r.Set(keys.BatteryStatusText, keys.Text(status))
	r.Set(keys.BMSChargeFETOn, keys.Bool(chargeFET))
	r.Set(keys.BMSDischargeFETOn, keys.Bool(dischargeFET))
	if balancing {
		r.Set(keys.BMSCellsBalancingText, keys.Text("Active"))
	} else {
		r.Set(keys.BMSCellsBalancingText, keys.Text("None"))
	}
	if len(alarms) > 0 {
		r.Set(keys.BMSFaultSummaryText, keys.Text(alarms[0]))
	} else {
		r.Set(keys.BMSFaultSummaryText, keys.Text("Normal"))
	}
	r.Set(keys.BMSActiveAlarmsList, keys.Mapping(alarmsToMapping(alarms)))
	r.Set(keys.BMSCellCount, keys.Number(float64(cellCount)))
	if len(cellVoltages) > 0 {
		r.Set(keys.BMSCellVoltagesList, keys.NumList(cellVoltages))
	}
	r.Set(keys.BMSCellVoltageMinVolts, keys.Number(raw["min_cell_voltage"]))
	r.Set(keys.BMSCellWithMinVoltageNumber, keys.Number(raw["min_cell_voltage_no"]))
	r.Set(keys.BMSCellVoltageMaxVolts, keys.Number(raw["max_cell_voltage"]))
	r.Set(keys.BMSCellWithMaxVoltageNumber, keys.Number(raw["max_cell_voltage_no"]))
	if len(cellVoltages) > 0 {
		r.Set(keys.BMSCellVoltageDeltaVolts, keys.Number(raw["max_cell_voltage"]-raw["min_cell_voltage"]))
	} else {
		r.Set(keys.BMSCellVoltageDeltaVolts, keys.Number(0))
	}
	r.Set(keys.BatteryTemperatureCelsius, keys.Number(raw["temp_sensor_1"]))
	r.Set(keys.BMSTempMinCelsius, keys.Number(raw["min_cell_temp"]))
	r.Set(keys.BMSTempMaxCelsius, keys.Number(raw["max_cell_temp"]))
	r.Set(keys.BMSRemainingCapacityAh, keys.Number(raw["remaining_capacity_ah"]))
	r.Set(keys.BMSFullCapacityAh, keys.Number(raw["rated_capacity_ah"]))
}

// alarmsToMapping packs the active alarm list into the categorized-alerts mapping shape,
// keyed by index since BMS alarms have no natural {grid,battery,...} category split.
func alarmsToMapping(alarms []string) map[string]string {
	out := make(map[string]string, len(alarms))
	for i, a := range alarms {
		out[fmt.Sprintf("alarm_%d", i)] = a
	}
	return out
}

func bytesToWords(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out
}

// readWithRetry retries a single read up to maxRetries times, waiting delay between
// attempts (bounded by ctx), and returns the last error if every attempt fails.
func readWithRetry(ctx context.Context, maxRetries int, delay time.Duration, read func() ([]byte, error)) ([]byte, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var words []byte
		words, err = read()
		if err == nil {
			return words, nil
		}
		if attempt >= maxRetries {
			return nil, err
		}
		if waitErr := sleepOrDone(ctx, delay); waitErr != nil {
			return nil, err
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// classifyReadErr maps a goburrow/modbus client error onto the read-error taxonomy: a
// Modbus exception response, a timeout, or (falling back) a decode/transport failure.
func classifyReadErr(err error) plugin.ReadErrorKind {
	var mbErr *goburrow.ModbusError
	if errors.As(err, &mbErr) {
		return plugin.ErrExceptionResponse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return plugin.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return plugin.ErrTimeout
	}
	return plugin.ErrDecode
}

func init() {
	plugin.Register("plugin.battery.jkbms", func(instanceName string, extra map[string]string) (plugin.DevicePlugin, error) {
		cfg := Config{
			InstanceName:   instanceName,
			ConnectionType: extra["connection_type"],
			Host:           extra["host"],
			Port:           atoiDefault(extra["port"], 502),
			SerialDevice:   extra["serial_device"],
			BaudRate:       atoiDefault(extra["serial_baud"], 115200),
			SlaveAddress:   byte(atoiDefault(extra["slave_address"], 1)),
			TimeoutSeconds: atofDefault(extra["modbus_timeout_seconds"], 10.0),
			MaxReadRetries: atoiDefault(extra["max_read_retries_per_group"], 2),
			InterReadDelay: time.Duration(atoiDefault(extra["inter_read_delay_ms"], 50)) * time.Millisecond,
		}
		return New(cfg)
	})
}

func atoiDefault(v string, def int) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func atofDefault(v string, def float64) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
