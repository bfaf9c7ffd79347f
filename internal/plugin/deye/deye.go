// Package deye implements the Deye/SunSynk hybrid inverter family: modern single-phase,
// legacy single-phase, and three-phase register layouts selected by deye_model_series,
// grounded in original_source/plugins/inverter/deye_sunsynk_plugin{,_constants}.py.
package deye

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

// ModelSeries selects which Deye/SunSynk register layout to decode: modern single-phase
// hybrids, legacy single-phase hybrids, and three-phase units each place the same logical
// registers at different addresses.
type ModelSeries string

const (
	ModernHybrid ModelSeries = "modern_hybrid"
	LegacyHybrid ModelSeries = "legacy_hybrid"
	ThreePhase   ModelSeries = "three_phase"
)

// field pairs a register descriptor with the StandardKey it feeds and an optional
// additive offset applied after scaling (e.g. the -100C bias Deye uses for several
// temperature registers).
type field struct {
	desc   modbuscodec.RegisterDescriptor
	key    keys.StandardKey
	offset float64
}

// statusCodes maps inverter_status_code to human text, per DEYE_SUNSYNK STATUS_CODES.
var statusCodes = map[float64]string{
	0: "Waiting", 1: "Generating", 2: "Fault", 3: "Standby",
}

// faultCodes maps fault register bit positions to messages, per DEYE_FAULT_CODES.
var faultCodes = map[int]string{
	7: "DC/DC Softstart Fault", 18: "AC over current fault of hardware",
	20: "DC over current fault of the hardware", 22: "Emergency Stop Fault",
	35: "No AC grid", 42: "AC line low voltage", 47: "AC over frequency",
	48: "AC lower frequency", 58: "BMS communication fault", 64: "Heat sink high temperature failure",
}

func modernHybridFields() []field {
	return []field{
		{modbuscodec.RegisterDescriptor{Key: "inverter_status_code", Address: 500, Type: modbuscodec.TypeU16}, keys.OperationalInverterStatusCode, 0},
		{modbuscodec.RegisterDescriptor{Key: "day_energy", Address: 514, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyPVDailyKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "total_energy", Address: 522, Type: modbuscodec.TypeU32, Scale: 0.1, LittleEndianWords: true}, keys.EnergyPVTotalLifetimeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv1_voltage", Address: 503, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv1_current", Address: 504, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_voltage", Address: 505, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_current", Address: 506, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "inverter_voltage", Address: 534, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.GridL1VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_power", Address: 554, Type: modbuscodec.TypeI16}, keys.GridTotalActivePowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_frequency", Address: 533, Type: modbuscodec.TypeU16, Scale: 0.01}, keys.GridFrequencyHz, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_buy", Address: 526, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyImportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_sell", Address: 527, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyExportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "load_power", Address: 570, Type: modbuscodec.TypeI16}, keys.LoadTotalPowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_soc", Address: 586, Type: modbuscodec.TypeU16}, keys.BatteryStateOfChargePercent, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_power", Address: 582, Type: modbuscodec.TypeI16}, keys.BatteryPowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_voltage", Address: 578, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.BatteryVoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_current", Address: 579, Type: modbuscodec.TypeI16, Scale: 0.1}, keys.BatteryCurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_temperature", Address: 182, Type: modbuscodec.TypeI16, Scale: 0.1}, keys.BatteryTemperatureCelsius, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_daily_charge", Address: 528, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyChargeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_daily_discharge", Address: 529, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyDischargeKWh, 0},
	}
}

func legacyHybridFields() []field {
	return []field{
		{modbuscodec.RegisterDescriptor{Key: "pv1_voltage", Address: 109, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv1_current", Address: 110, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_voltage", Address: 111, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_current", Address: 112, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "day_energy", Address: 108, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyPVDailyKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "total_energy", Address: 96, Type: modbuscodec.TypeU32, Scale: 0.1}, keys.EnergyPVTotalLifetimeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "daily_battery_charge", Address: 70, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyChargeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "daily_battery_discharge", Address: 71, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyDischargeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_power", Address: 190, Type: modbuscodec.TypeI16}, keys.BatteryPowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_voltage", Address: 183, Type: modbuscodec.TypeU16, Scale: 0.01}, keys.BatteryVoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_soc", Address: 184, Type: modbuscodec.TypeU16}, keys.BatteryStateOfChargePercent, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_current", Address: 191, Type: modbuscodec.TypeI16, Scale: 0.01}, keys.BatteryCurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_temperature", Address: 182, Type: modbuscodec.TypeI16, Scale: 0.1}, keys.BatteryTemperatureCelsius, -100},
		{modbuscodec.RegisterDescriptor{Key: "grid_power", Address: 169, Type: modbuscodec.TypeI16}, keys.GridTotalActivePowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_frequency", Address: 79, Type: modbuscodec.TypeU16, Scale: 0.01}, keys.GridFrequencyHz, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_buy", Address: 76, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyImportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_sell", Address: 77, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyExportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "load_power", Address: 178, Type: modbuscodec.TypeU16}, keys.LoadTotalPowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "daily_load_consumption", Address: 84, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyLoadDailyKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "inverter_status_code", Address: 59, Type: modbuscodec.TypeU16}, keys.OperationalInverterStatusCode, 0},
	}
}

func threePhaseFields() []field {
	return []field{
		{modbuscodec.RegisterDescriptor{Key: "inverter_status_code", Address: 640, Type: modbuscodec.TypeU16}, keys.OperationalInverterStatusCode, 0},
		{modbuscodec.RegisterDescriptor{Key: "day_energy", Address: 70, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyPVDailyKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "total_energy", Address: 72, Type: modbuscodec.TypeU32, Scale: 0.1, LittleEndianWords: true}, keys.EnergyPVTotalLifetimeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv1_voltage", Address: 678, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv1_current", Address: 680, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT1CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_voltage", Address: 679, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "pv2_current", Address: 681, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.PVMPPT2CurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "inverter_voltage", Address: 687, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.GridL1VoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_power", Address: 796, Type: modbuscodec.TypeI32, LittleEndianWords: true}, keys.GridTotalActivePowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_buy", Address: 85, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyImportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "grid_daily_sell", Address: 87, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyGridDailyExportKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "load_power", Address: 798, Type: modbuscodec.TypeI32, LittleEndianWords: true}, keys.LoadTotalPowerWatts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_soc", Address: 778, Type: modbuscodec.TypeU16}, keys.BatteryStateOfChargePercent, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_voltage", Address: 776, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.BatteryVoltageVolts, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_current", Address: 777, Type: modbuscodec.TypeI16, Scale: 0.1}, keys.BatteryCurrentAmps, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_temperature", Address: 781, Type: modbuscodec.TypeI16, Scale: 0.1}, keys.BatteryTemperatureCelsius, -100},
		{modbuscodec.RegisterDescriptor{Key: "battery_daily_charge", Address: 81, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyChargeKWh, 0},
		{modbuscodec.RegisterDescriptor{Key: "battery_daily_discharge", Address: 83, Type: modbuscodec.TypeU16, Scale: 0.1}, keys.EnergyBatteryDailyDischargeKWh, 0},
	}
}

func fieldsFor(series ModelSeries) []field {
	switch series {
	case LegacyHybrid:
		return legacyHybridFields()
	case ThreePhase:
		return threePhaseFields()
	default:
		return modernHybridFields()
	}
}

// Config is the resolved instance configuration a Deye plugin needs.
type Config struct {
	InstanceName  string
	ConnectionType string // "tcp" | "serial"
	Host          string
	Port          int
	SerialDevice  string
	BaudRate      int
	SlaveAddress  byte
	ModelSeries   ModelSeries
	TimeoutSeconds float64
	MaxRegsPerRead int
	MaxRegisterGap int
	MaxReadRetries int
	InterReadDelay time.Duration
}

// Plugin implements plugin.DevicePlugin for the Deye/SunSynk hybrid inverter family.
type Plugin struct {
	cfg    Config
	client goburrow.Client
	closer func() error

	connected bool
	groups    []modbuscodec.ReadGroup
}

// New builds a Deye plugin instance from its resolved configuration.
func New(cfg Config) (*Plugin, error) {
	if cfg.SlaveAddress == 0 {
		cfg.SlaveAddress = 1
	}
	return &Plugin{cfg: cfg}, nil
}

func (p *Plugin) Name() string       { return p.cfg.InstanceName }
func (p *Plugin) PrettyName() string { return "Deye/SunSynk Hybrid Inverter" }
func (p *Plugin) Category() plugin.Category { return plugin.CategoryInverter }
func (p *Plugin) IsConnected() bool  { return p.connected }

func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "deye_model_series", Kind: plugin.ParamEnum, Default: string(ModernHybrid),
			Options: []string{string(ModernHybrid), string(LegacyHybrid), string(ThreePhase)}},
		{Name: "slave_address", Kind: plugin.ParamInt, Default: "1", Min: 1, Max: 247},
		{Name: "max_regs_per_read", Kind: plugin.ParamInt, Default: "32", Min: 1, Max: 125},
	}
}

// Connect dials the configured transport via goburrow/modbus, grounded directly in
// solarEdgeModbus.go's modbus.NewTCPClientHandler/modbus.NewClient wiring.
func (p *Plugin) Connect(ctx context.Context) (bool, error) {
	timeout := time.Duration(p.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 3 * time.Second
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

	descs := make([]modbuscodec.RegisterDescriptor, 0, len(fieldsFor(p.cfg.ModelSeries)))
	for _, f := range fieldsFor(p.cfg.ModelSeries) {
		descs = append(descs, f.desc)
	}
	maxRegs := p.cfg.MaxRegsPerRead
	if maxRegs <= 0 {
		maxRegs = 40
	}
	maxGap := p.cfg.MaxRegisterGap
	if maxGap <= 0 {
		maxGap = 10
	}
	p.groups = modbuscodec.BuildGroups(descs, uint16(maxRegs), uint16(maxGap))
	p.connected = true
	return true, nil
}

func (p *Plugin) Disconnect() {
	if p.closer != nil {
		p.closer()
	}
	p.connected = false
}

// ReadStatic reports static identity fields (category, manufacturer, and the configured
// model series as the model name) without reading from the device.
func (p *Plugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("inverter"))
	r.Set(keys.StaticInverterManufacturer, keys.Text("Deye"))
	r.Set(keys.StaticInverterModelName, keys.Text(string(p.cfg.ModelSeries)))
	return r, nil
}

// ReadDynamic reads every register group and decodes it into a Reading. A group that
// fails (even after retries) does not abort the others: its keys are simply absent from
// the returned Reading, which still carries everything decoded from the groups that
// succeeded. The last group failure, if any, is classified and returned alongside the
// otherwise-complete Reading.
func (p *Plugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	fields := fieldsFor(p.cfg.ModelSeries)

	fieldByAddr := make(map[uint16]field, len(fields))
	for _, f := range fields {
		fieldByAddr[f.desc.Address] = f
	}

	var groupErr error
	for _, g := range p.groups {
		g := g
		words, err := readGroupWithRetry(ctx, p.cfg.MaxReadRetries, p.cfg.InterReadDelay, func() ([]byte, error) {
			if g.Function == modbuscodec.FuncReadInputRegisters {
				return p.client.ReadInputRegisters(g.StartAddr, g.Count)
			}
			return p.client.ReadHoldingRegisters(g.StartAddr, g.Count)
		})
		if err != nil {
			groupErr = err
			continue
		}
		wordVals := bytesToWords(words)

		for _, d := range g.Descriptors {
			offset := g.WordOffset(d)
			if offset < 0 || offset+int(d.Width()) > len(wordVals) {
				continue
			}
			decoded, err := modbuscodec.DecodeRegister(d, wordVals[offset:])
			if err != nil {
				continue // decode error: omit this key, keep the rest of the Reading
			}
			f := fieldByAddr[d.Address]
			r.Set(f.key, keys.Number(decoded.Number+f.offset))
		}
	}

	if code, ok := r.Values[keys.OperationalInverterStatusCode]; ok {
		if n, ok := code.AsNumber(); ok {
			r.Set(keys.OperationalInverterStatusText, keys.Text(statusText(n)))
		}
	}
	if groupErr != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(groupErr), Err: groupErr}
	}
	return r, nil
}

// readGroupWithRetry retries a single group read up to maxRetries times, waiting delay
// between attempts (bounded by ctx), and returns the last error if every attempt fails.
func readGroupWithRetry(ctx context.Context, maxRetries int, delay time.Duration, read func() ([]byte, error)) ([]byte, error) {
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

// classifyReadErr maps a goburrow/modbus client error to the taxonomy the supervisor and
// aggregator use to decide retry/backoff behavior. A *goburrow.ModbusError means the
// slave answered with a Modbus exception response; a timeout (context deadline or a
// net.Error reporting Timeout()) is classified separately; anything else is treated as a
// decode/transport failure.
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

func statusText(code float64) string {
	if s, ok := statusCodes[code]; ok {
		return s
	}
	return "Unknown"
}

func bytesToWords(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = uint16(b[2*i])<<8 | uint16(b[2*i+1])
	}
	return out
}

func init() {
	plugin.Register("plugin.inverter.deye", func(instanceName string, extra map[string]string) (plugin.DevicePlugin, error) {
		cfg := Config{
			InstanceName:   instanceName,
			ConnectionType: extra["connection_type"],
			Host:           extra["host"],
			Port:           atoiDefault(extra["port"], 502),
			SerialDevice:   extra["serial_device"],
			BaudRate:       atoiDefault(extra["serial_baud"], 9600),
			SlaveAddress:   byte(atoiDefault(extra["slave_address"], 1)),
			ModelSeries:    ModelSeries(orDefault(extra["deye_model_series"], string(ModernHybrid))),
			TimeoutSeconds: atofDefault(extra["modbus_timeout_seconds"], 3.0),
			MaxRegsPerRead: atoiDefault(extra["max_regs_per_read"], 32),
			MaxRegisterGap: atoiDefault(extra["max_register_gap"], 8),
			MaxReadRetries: atoiDefault(extra["max_read_retries_per_group"], 2),
			InterReadDelay: time.Duration(atoiDefault(extra["inter_read_delay_ms"], 50)) * time.Millisecond,
		}
		return New(cfg)
	})
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
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
