// Package growatt implements the Growatt MIC/MIX/SPH hybrid inverter family over Modbus
// RTU Protocol V1.24, grounded in
// original_source/plugins/inverter/growatt_modbus_plugin{,_constants}.py.
package growatt

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

type field struct {
	desc modbuscodec.RegisterDescriptor
	key  keys.StandardKey
}

// statusCodes maps inverter_status to text, per GROWATT_STATUS_CODES.
var statusCodes = map[float64]string{
	0: "Waiting", 1: "Normal", 3: "Fault",
}

// inputFields lists the FC04 input registers this plugin reads every cycle, a subset of
// GROWATT_INPUT_REGISTERS mapped onto the closed StandardKey vocabulary.
func inputFields() []field {
	return []field{
		{modbuscodec.RegisterDescriptor{Key: "inverter_status", Address: 0, Type: modbuscodec.TypeU16, Function: modbuscodec.FuncReadInputRegisters}, keys.OperationalInverterStatusCode},
		{modbuscodec.RegisterDescriptor{Key: "pv1_voltage", Address: 3, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT1VoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "pv1_current", Address: 4, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT1CurrentAmps},
		{modbuscodec.RegisterDescriptor{Key: "pv1_power", Address: 5, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT1PowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "pv2_voltage", Address: 7, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT2VoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "pv2_current", Address: 8, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT2CurrentAmps},
		{modbuscodec.RegisterDescriptor{Key: "pv2_power", Address: 9, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.PVMPPT2PowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "output_power", Address: 35, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridTotalActivePowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "grid_frequency", Address: 37, Type: modbuscodec.TypeU16, Scale: 0.01, Function: modbuscodec.FuncReadInputRegisters}, keys.GridFrequencyHz},
		{modbuscodec.RegisterDescriptor{Key: "grid_l1_voltage", Address: 38, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL1VoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "grid_l1_current", Address: 39, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL1CurrentAmps},
		{modbuscodec.RegisterDescriptor{Key: "grid_l1_power", Address: 40, Type: modbuscodec.TypeI32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL1PowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "grid_l2_voltage", Address: 42, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL2VoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "grid_l2_current", Address: 43, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL2CurrentAmps},
		{modbuscodec.RegisterDescriptor{Key: "grid_l2_power", Address: 44, Type: modbuscodec.TypeI32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL2PowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "grid_l3_voltage", Address: 46, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL3VoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "grid_l3_current", Address: 47, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL3CurrentAmps},
		{modbuscodec.RegisterDescriptor{Key: "grid_l3_power", Address: 48, Type: modbuscodec.TypeI32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.GridL3PowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "today_pv_energy", Address: 53, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyPVDailyKWh},
		{modbuscodec.RegisterDescriptor{Key: "total_pv_energy", Address: 91, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyPVTotalLifetimeKWh},
		{modbuscodec.RegisterDescriptor{Key: "inverter_temperature", Address: 93, Type: modbuscodec.TypeI16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.OperationalInverterTemperatureCelsius},
		{modbuscodec.RegisterDescriptor{Key: "battery_voltage", Address: 1013, Type: modbuscodec.TypeU16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.BatteryVoltageVolts},
		{modbuscodec.RegisterDescriptor{Key: "battery_soc", Address: 1014, Type: modbuscodec.TypeU16, Function: modbuscodec.FuncReadInputRegisters}, keys.BatteryStateOfChargePercent},
		{modbuscodec.RegisterDescriptor{Key: "house_load_power", Address: 1016, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.LoadTotalPowerWatts},
		{modbuscodec.RegisterDescriptor{Key: "power_to_user", Address: 1021, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyGridDailyImportKWh},
		{modbuscodec.RegisterDescriptor{Key: "power_to_grid", Address: 1029, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyGridDailyExportKWh},
		{modbuscodec.RegisterDescriptor{Key: "battery_temperature", Address: 1040, Type: modbuscodec.TypeI16, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.BatteryTemperatureCelsius},
		{modbuscodec.RegisterDescriptor{Key: "today_energy_to_user", Address: 1044, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyGridDailyImportKWh},
		{modbuscodec.RegisterDescriptor{Key: "today_energy_to_grid", Address: 1048, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyGridDailyExportKWh},
		{modbuscodec.RegisterDescriptor{Key: "today_battery_discharge_energy", Address: 1052, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyBatteryDailyDischargeKWh},
		{modbuscodec.RegisterDescriptor{Key: "today_battery_charge_energy", Address: 1056, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyBatteryDailyChargeKWh},
		{modbuscodec.RegisterDescriptor{Key: "today_local_load_energy", Address: 1062, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyLoadDailyKWh},
		{modbuscodec.RegisterDescriptor{Key: "total_battery_discharge_energy", Address: 1072, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyBatteryTotalDischargeKWh},
		{modbuscodec.RegisterDescriptor{Key: "total_battery_charge_energy", Address: 1076, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyBatteryTotalChargeKWh},
		{modbuscodec.RegisterDescriptor{Key: "total_local_load_energy", Address: 1080, Type: modbuscodec.TypeU32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.EnergyLoadTotalKWh},
		{modbuscodec.RegisterDescriptor{Key: "battery_power", Address: 1084, Type: modbuscodec.TypeI32, Scale: 0.1, Function: modbuscodec.FuncReadInputRegisters}, keys.BatteryPowerWatts},
	}
}

// Config is the resolved instance configuration for a Growatt plugin.
type Config struct {
	InstanceName   string
	ConnectionType string // "tcp" | "serial"
	Host           string
	Port           int
	SerialDevice   string
	BaudRate       int
	SlaveAddress   byte
	TimeoutSeconds float64
	MaxRegsPerRead int
	MaxRegisterGap int
	MaxReadRetries int
	InterReadDelay time.Duration
}

// Plugin implements plugin.DevicePlugin for the Growatt MIC/MIX/SPH hybrid inverter family.
type Plugin struct {
	cfg       Config
	client    goburrow.Client
	closer    func() error
	connected bool
	groups    []modbuscodec.ReadGroup
}

// New builds a Growatt plugin instance from its resolved configuration.
func New(cfg Config) (*Plugin, error) {
	if cfg.SlaveAddress == 0 {
		cfg.SlaveAddress = 1
	}
	return &Plugin{cfg: cfg}, nil
}

func (p *Plugin) Name() string               { return p.cfg.InstanceName }
func (p *Plugin) PrettyName() string         { return "Growatt Hybrid Inverter" }
func (p *Plugin) Category() plugin.Category  { return plugin.CategoryInverter }
func (p *Plugin) IsConnected() bool          { return p.connected }

func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "connection_type", Kind: plugin.ParamEnum, Default: "tcp", Options: []string{"tcp", "serial"}},
		{Name: "slave_address", Kind: plugin.ParamInt, Default: "1", Min: 1, Max: 247},
		{Name: "serial_baud", Kind: plugin.ParamInt, Default: "9600", Min: 1200, Max: 115200},
	}
}

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

	descs := make([]modbuscodec.RegisterDescriptor, 0, len(inputFields()))
	for _, f := range inputFields() {
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

// ReadStatic reads the firmware/serial-number holding registers (grounded in the plugin's
// read_static_data, which reads holding registers 0-45 in one FC03 call).
func (p *Plugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("inverter"))
	r.Set(keys.StaticInverterManufacturer, keys.Text("Growatt"))

	words, err := readGroupWithRetry(ctx, p.cfg.MaxReadRetries, p.cfg.InterReadDelay, func() ([]byte, error) {
		return p.client.ReadHoldingRegisters(0, 45)
	})
	if err != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}
	wordVals := bytesToWords(words)
	if len(wordVals) >= 28 {
		fw := decodeASCIIWords(wordVals[9:12])
		serial := decodeASCIIWords(wordVals[23:28])
		r.Set(keys.StaticInverterFirmwareVersion, keys.Text(fw))
		r.Set(keys.StaticInverterSerialNumber, keys.Text(serial))
	}
	return r, nil
}

// ReadDynamic reads the input-register groups this cycle and decodes each field, per the
// plugin's two-block read_dynamic_data (registers 0-125 then 1000-1125). A group that
// fails (even after retries) only drops its own keys; groups already decoded, and groups
// still to come, are unaffected.
func (p *Plugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	fieldByAddr := make(map[uint16]field, len(inputFields()))
	for _, f := range inputFields() {
		fieldByAddr[f.desc.Address] = f
	}

	var groupErr error
	for _, g := range p.groups {
		g := g
		words, err := readGroupWithRetry(ctx, p.cfg.MaxReadRetries, p.cfg.InterReadDelay, func() ([]byte, error) {
			return p.client.ReadInputRegisters(g.StartAddr, g.Count)
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
				continue
			}
			f := fieldByAddr[d.Address]
			r.Set(f.key, keys.Number(decoded.Number))
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

// decodeASCIIWords decodes a run of 16-bit words as big-endian ASCII text, trimming
// trailing NUL padding, for Growatt's string-typed holding registers.
func decodeASCIIWords(words []uint16) string {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		buf = append(buf, byte(w>>8), byte(w))
	}
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return string(buf[:end])
}

func init() {
	plugin.Register("plugin.inverter.growatt", func(instanceName string, extra map[string]string) (plugin.DevicePlugin, error) {
		cfg := Config{
			InstanceName:   instanceName,
			ConnectionType: extra["connection_type"],
			Host:           extra["host"],
			Port:           atoiDefault(extra["port"], 502),
			SerialDevice:   extra["serial_device"],
			BaudRate:       atoiDefault(extra["serial_baud"], 9600),
			SlaveAddress:   byte(atoiDefault(extra["slave_address"], 1)),
			TimeoutSeconds: atofDefault(extra["modbus_timeout_seconds"], 3.0),
			MaxRegsPerRead: atoiDefault(extra["max_regs_per_read"], 32),
			MaxRegisterGap: atoiDefault(extra["max_register_gap"], 8),
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
