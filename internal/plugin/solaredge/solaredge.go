// Package solaredge implements the SolarEdge inverter plugin over SunSpec Modbus TCP,
// grounded in solarEdgeModbus.go's SolarEdgeModbus poller. SolarEdge's SunSpec model carries
// its scale factor in a separate register next to each value rather than a fixed
// compile-time scale, so unlike Deye/Growatt this plugin decodes its own regAddr table
// instead of going through internal/protocol/modbuscodec's fixed-Scale RegisterDescriptor.
package solaredge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/goburrow/modbus"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/plugin"
)

type wireType int

const (
	typeINT16 wireType = iota
	typeUINT16
	typeUINT32
	typeSTRING
)

// regInfo describes one SunSpec register: its starting address, wire type, and (for scaled
// numerics) the address of the register holding its power-of-ten scale factor, per
// SolarEdgeModbus's regAddr map.
type regInfo struct {
	addr      uint16
	datatype  wireType
	scaleAddr uint16
	strlen    int
	units     string
}

// regAddr is the subset of the SunSpec common + inverter model this plugin exposes,
// reproducing solarEdgeModbus.go's regAddr table.
var regAddr = map[string]regInfo{
	"C_Manufacturer": {40005, typeSTRING, 0, 32, ""},
	"C_Model":        {40021, typeSTRING, 0, 32, ""},
	"C_Version":      {40045, typeSTRING, 0, 16, ""},
	"C_SerialNumber": {40053, typeSTRING, 0, 32, ""},

	"I_AC_Current":   {40072, typeUINT16, 40076, 0, "A"},
	"I_AC_VoltageAB": {40077, typeUINT16, 40083, 0, "V"},
	"I_AC_Power":     {40084, typeINT16, 40085, 0, "W"},
	"I_AC_Frequency": {40086, typeUINT16, 40087, 0, "Hz"},
	"I_AC_VA":        {40088, typeINT16, 40089, 0, "VA"},
	"I_AC_VAR":       {40090, typeINT16, 40091, 0, "VAR"},
	"I_AC_PF":        {40092, typeINT16, 40093, 0, "%"},
	"I_AC_Energy":    {40094, typeUINT32, 40096, 0, "Wh"},

	"I_DC_Current": {40097, typeINT16, 40098, 0, "A"},
	"I_DC_Voltage": {40099, typeUINT16, 40100, 0, "V"},
	"I_DC_Power":   {40101, typeINT16, 40102, 0, "W"},

	"I_Temp_Sink": {40104, typeINT16, 40107, 0, "C"},

	"I_Status_Vendor":  {40109, typeUINT16, 0, 0, ""},
	"I_Event_1_Vendor": {40114, typeUINT32, 0, 0, ""},
}

// statusText maps SunSpec inverter model status codes (I_Status) to text, per the SunSpec
// common inverter model enumeration solarEdgeModbus.go reads I_Status_Vendor against.
var statusText = map[uint16]string{
	1: "Off", 2: "Sleeping", 3: "Starting", 4: "MPPT", 5: "Throttled",
	6: "Shutting Down", 7: "Fault", 8: "Standby",
}

const (
	staticBase  = 40001
	staticCount = 69 // registers (138 bytes), per checkStale's addr<=40069 branch
	dynBase     = 40070
	dynCount    = 52 // registers (104 bytes), per checkStale's addr>40069 branch
	ioTimeout   = 3 * time.Second
)

// Config is the resolved instance configuration for a SolarEdge plugin.
type Config struct {
	InstanceName   string
	Host           string
	Port           int
	SlaveAddress   byte
	TimeoutSeconds float64
	MaxReadRetries int
	InterReadDelay time.Duration
}

// Plugin implements plugin.DevicePlugin for SolarEdge SunSpec Modbus TCP inverters.
type Plugin struct {
	cfg       Config
	handler   *modbus.TCPClientHandler
	client    modbus.Client
	connected bool
}

// New builds a SolarEdge plugin instance from its resolved configuration.
func New(cfg Config) (*Plugin, error) {
	if cfg.Port == 0 {
		cfg.Port = 502
	}
	if cfg.SlaveAddress == 0 {
		cfg.SlaveAddress = 1
	}
	return &Plugin{cfg: cfg}, nil
}

func (p *Plugin) Name() string              { return p.cfg.InstanceName }
func (p *Plugin) PrettyName() string        { return "SolarEdge Inverter (SunSpec Modbus TCP)" }
func (p *Plugin) Category() plugin.Category { return plugin.CategoryInverter }
func (p *Plugin) IsConnected() bool         { return p.connected }

func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "host", Kind: plugin.ParamString, Default: ""},
		{Name: "port", Kind: plugin.ParamInt, Default: "502", Min: 1, Max: 65535},
		{Name: "slave_address", Kind: plugin.ParamInt, Default: "1", Min: 1, Max: 247},
	}
}

// Connect dials the inverter's Modbus TCP port, per checkConnection's
// modbus.NewTCPClientHandler/handler.Connect pairing.
func (p *Plugin) Connect(ctx context.Context) (bool, error) {
	timeout := time.Duration(p.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = ioTimeout
	}
	handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port))
	handler.Timeout = timeout
	handler.SlaveId = p.cfg.SlaveAddress
	if err := handler.Connect(); err != nil {
		return false, err
	}
	p.handler = handler
	p.client = modbus.NewClient(handler)
	p.connected = true
	return true, nil
}

func (p *Plugin) Disconnect() {
	if p.handler != nil {
		p.handler.Close()
	}
	p.connected = false
}

// ReadStatic reads the SunSpec common block once per connect, per checkStale's addr<=40069
// branch (base 40001, length 69).
func (p *Plugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("inverter"))

	buf, err := p.readBlockWithRetry(ctx, staticBase, staticCount)
	if err != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}

	r.Set(keys.StaticInverterManufacturer, keys.Text(p.getString("C_Manufacturer", staticBase, buf)))
	r.Set(keys.StaticInverterModelName, keys.Text(p.getString("C_Model", staticBase, buf)))
	r.Set(keys.StaticInverterFirmwareVersion, keys.Text(p.getString("C_Version", staticBase, buf)))
	r.Set(keys.StaticInverterSerialNumber, keys.Text(p.getString("C_SerialNumber", staticBase, buf)))
	return r, nil
}

// ReadDynamic reads the SunSpec inverter block once per poll, per checkStale's addr>40069
// branch (base 40070, 52 registers / 104 bytes), decoding every field from that single round trip since
// every field's scale-factor register also falls inside this block.
func (p *Plugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())

	buf, err := p.readBlockWithRetry(ctx, dynBase, dynCount)
	if err != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}

	ac, dc := p.getScaled("I_AC_Power", dynBase, buf), p.getScaled("I_DC_Power", dynBase, buf)
	r.Set(keys.ACPowerWatts, keys.Number(ac))
	r.Set(keys.PVTotalDCPowerWatts, keys.Number(dc))
	r.Set(keys.GridL1VoltageVolts, keys.Number(p.getScaled("I_AC_VoltageAB", dynBase, buf)))
	r.Set(keys.GridL1CurrentAmps, keys.Number(p.getScaled("I_AC_Current", dynBase, buf)))
	r.Set(keys.GridFrequencyHz, keys.Number(p.getScaled("I_AC_Frequency", dynBase, buf)))
	r.Set(keys.GridTotalApparentPowerVA, keys.Number(p.getScaled("I_AC_VA", dynBase, buf)))
	r.Set(keys.GridTotalReactivePowerVAR, keys.Number(p.getScaled("I_AC_VAR", dynBase, buf)))
	r.Set(keys.GridPowerFactor, keys.Number(p.getScaled("I_AC_PF", dynBase, buf)))
	r.Set(keys.EnergyPVTotalLifetimeKWh, keys.Number(p.getScaled("I_AC_Energy", dynBase, buf)/1000.0))
	r.Set(keys.OperationalInverterTemperatureCelsius, keys.Number(p.getScaled("I_Temp_Sink", dynBase, buf)))

	statusCode := uint16(p.getRaw("I_Status_Vendor", dynBase, buf))
	r.Set(keys.OperationalInverterStatusCode, keys.Number(float64(statusCode)))
	if txt, ok := statusText[statusCode]; ok {
		r.Set(keys.OperationalInverterStatusText, keys.Text(txt))
	}
	if ev := p.getRaw("I_Event_1_Vendor", dynBase, buf); ev != 0 {
		r.Set(keys.OperationalActiveFaultCodesList, keys.NumList([]float64{ev}))
	}
	return r, nil
}

func (p *Plugin) readBlock(addr uint16, count uint16) ([]byte, error) {
	return p.client.ReadHoldingRegisters(addr-1, count)
}

// readBlockWithRetry retries readBlock up to MaxReadRetries times, waiting InterReadDelay
// between attempts (bounded by ctx), and returns the last error if every attempt fails.
func (p *Plugin) readBlockWithRetry(ctx context.Context, addr, count uint16) ([]byte, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var buf []byte
		buf, err = p.readBlock(addr, count)
		if err == nil {
			return buf, nil
		}
		if attempt >= p.cfg.MaxReadRetries {
			return nil, err
		}
		if waitErr := sleepOrDone(ctx, p.cfg.InterReadDelay); waitErr != nil {
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
	var mbErr *modbus.ModbusError
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

// getRaw decodes a register's unscaled integer value, per GetReg's value switch.
func (p *Plugin) getRaw(name string, base uint16, buf []byte) float64 {
	info, ok := regAddr[name]
	if !ok {
		return 0
	}
	start := 2 * int(info.addr-base)
	if start < 0 || start+4 > len(buf) {
		return 0
	}
	switch info.datatype {
	case typeINT16:
		return float64(int16(binary.BigEndian.Uint16(buf[start:])))
	case typeUINT16:
		return float64(binary.BigEndian.Uint16(buf[start:]))
	case typeUINT32:
		return float64(binary.BigEndian.Uint32(buf[start:]))
	default:
		return 0
	}
}

// getScaled applies the register's runtime scale factor, per GetReg's
// "result.Value = float64(value) * math.Pow10(scaleFact)" step.
func (p *Plugin) getScaled(name string, base uint16, buf []byte) float64 {
	info, ok := regAddr[name]
	if !ok || info.scaleAddr == 0 {
		return p.getRaw(name, base, buf)
	}
	scaleStart := 2 * int(info.scaleAddr-base)
	if scaleStart < 0 || scaleStart+2 > len(buf) {
		return p.getRaw(name, base, buf)
	}
	scaleFactor := int(int16(binary.BigEndian.Uint16(buf[scaleStart:])))
	return p.getRaw(name, base, buf) * math.Pow10(scaleFactor)
}

func (p *Plugin) getString(name string, base uint16, buf []byte) string {
	info, ok := regAddr[name]
	if !ok || info.datatype != typeSTRING {
		return ""
	}
	start := 2 * int(info.addr-base)
	end := start + info.strlen
	if start < 0 || end > len(buf) {
		return ""
	}
	raw := buf[start:end]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func init() {
	plugin.Register("plugin.inverter.solaredge", func(instanceName string, extra map[string]string) (plugin.DevicePlugin, error) {
		cfg := Config{
			InstanceName:   instanceName,
			Host:           extra["host"],
			Port:           atoiDefault(extra["port"], 502),
			SlaveAddress:   byte(atoiDefault(extra["slave_address"], 1)),
			TimeoutSeconds: atofDefault(extra["modbus_timeout_seconds"], 3.0),
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
