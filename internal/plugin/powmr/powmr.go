// Package powmr implements the POWMR hybrid inverter plugin over its proprietary inv8851
// RS232 framing, grounded in
// original_source/plugins/inverter/powmr_rs232_plugin{,_constants}.py. Unlike Deye and
// Growatt this is not a Modbus device: it speaks a fixed [sync|version|cmd|len|payload|crc]
// packet over a raw serial or TCP-to-serial bridge link, so it reads/writes
// internal/protocol/powmr frames directly instead of going through goburrow/modbus.
package powmr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	goserial "github.com/goburrow/serial"

	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/plugin"
	powmrcodec "github.com/mikef5410/solarcore/internal/protocol/powmr"
)

// runModeCodes maps the 3rd nibble of the run_mode register to text, per POWMR_RUN_MODE_CODES.
var runModeCodes = map[uint16]string{
	0: "Standby", 1: "Fault", 2: "Shutdown", 3: "Normal", 4: "No Battery",
	5: "Discharge", 6: "Parallel Discharge", 7: "Bypass", 8: "Charge",
	9: "Grid Discharge", 10: "Micro Grid Discharge",
}

// systemFlagBits names word 1's bit positions, per POWMR_ALERT_MAPS[1].
var systemFlagBits = map[int]string{
	0: "System Power", 1: "Charge Finish", 2: "Bus OK", 3: "Bus/Grid Voltage Match",
	4: "No Battery", 5: "PV Excess", 6: "Floating Charge", 7: "System Initial Finished",
}

// Config is the resolved instance configuration for a POWMR plugin.
type Config struct {
	InstanceName    string
	ConnectionType  string // "tcp" | "serial"
	Host            string
	Port            int
	SerialDevice    string
	BaudRate        int
	ProtocolVersion powmrcodec.ProtocolVersion
	TimeoutSeconds  float64
	MaxReadRetries  int
	InterReadDelay  time.Duration
}

// Plugin implements plugin.DevicePlugin for POWMR hybrid inverters.
type Plugin struct {
	cfg       Config
	conn      io.ReadWriteCloser
	connected bool
}

// New builds a POWMR plugin instance from its resolved configuration.
func New(cfg Config) (*Plugin, error) {
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = powmrcodec.Version1
	}
	return &Plugin{cfg: cfg}, nil
}

func (p *Plugin) Name() string               { return p.cfg.InstanceName }
func (p *Plugin) PrettyName() string         { return "POWMR Hybrid Inverter (RS232)" }
func (p *Plugin) Category() plugin.Category  { return plugin.CategoryInverter }
func (p *Plugin) IsConnected() bool          { return p.connected }

func (p *Plugin) ConfigurableParams() []plugin.ParamDescriptor {
	return []plugin.ParamDescriptor{
		{Name: "connection_type", Kind: plugin.ParamEnum, Default: "serial", Options: []string{"tcp", "serial"}},
		{Name: "powmr_protocol_version", Kind: plugin.ParamEnum, Default: "1", Options: []string{"1", "2"}},
		{Name: "serial_baud", Kind: plugin.ParamInt, Default: "9600", Min: 1200, Max: 115200},
	}
}

// Connect opens the serial link (directly via goburrow/serial, since POWMR isn't Modbus and
// needs no RTU handler) or dials a TCP-to-serial bridge.
func (p *Plugin) Connect(ctx context.Context) (bool, error) {
	timeout := time.Duration(p.cfg.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	switch p.cfg.ConnectionType {
	case "tcp":
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port))
		if err != nil {
			return false, err
		}
		p.conn = conn
	default:
		port, err := goserial.Open(&goserial.Config{
			Address:  p.cfg.SerialDevice,
			BaudRate: p.cfg.BaudRate,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  timeout,
		})
		if err != nil {
			return false, err
		}
		p.conn = port
	}
	p.connected = true
	return true, nil
}

func (p *Plugin) Disconnect() {
	if p.conn != nil {
		p.conn.Close()
	}
	p.connected = false
}

func (p *Plugin) ReadStatic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())
	r.Set(keys.StaticDeviceCategory, keys.Text("inverter"))
	r.Set(keys.StaticInverterManufacturer, keys.Text("POWMR"))

	words, err := p.readStateWithRetry(ctx)
	if err != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}
	if len(words) > 14 {
		r.Set(keys.StaticInverterFirmwareVersion, keys.Text(fmt.Sprintf("%d", words[14])))
	}
	return r, nil
}

// ReadDynamic requests a read-state frame and decodes the fixed register map, per
// read_dynamic_data's single round-trip state read.
func (p *Plugin) ReadDynamic(ctx context.Context) (keys.Reading, error) {
	r := keys.NewReading(p.cfg.InstanceName, time.Now(), time.Now())

	words, err := p.readStateWithRetry(ctx)
	if err != nil {
		return r, &plugin.ReadError{Kind: classifyReadErr(err), Err: err}
	}

	get := func(addr int) float64 {
		if addr < 0 || addr >= len(words) {
			return 0
		}
		return float64(int16(words[addr]))
	}

	r.Set(keys.PVMPPT1VoltageVolts, keys.Number(get(43)*0.1))
	r.Set(keys.PVMPPT1CurrentAmps, keys.Number(get(44)*0.01))
	r.Set(keys.PVMPPT1PowerWatts, keys.Number(get(45)))
	r.Set(keys.GridL1VoltageVolts, keys.Number(get(33)*0.1))
	r.Set(keys.GridL1CurrentAmps, keys.Number(get(34)*0.01))
	r.Set(keys.GridFrequencyHz, keys.Number(get(35)*0.01))
	r.Set(keys.LoadTotalPowerWatts, keys.Number(get(27)))
	r.Set(keys.BatteryVoltageVolts, keys.Number(get(39)*0.01))
	r.Set(keys.BatteryCurrentAmps, keys.Number(get(40)*0.1))
	r.Set(keys.BatteryStateOfChargePercent, keys.Number(get(53)))

	if len(words) > 0 {
		runMode := words[0]
		topology := (runMode >> 8) & 0x0F
		r.Set(keys.OperationalInverterStatusCode, keys.Number(float64(topology)))
		r.Set(keys.OperationalInverterStatusText, keys.Text(runModeText(topology)))
	}
	if len(words) > 1 {
		r.Set(keys.OperationalCategorizedAlertsDict, keys.Mapping(decodeSystemFlags(words[1])))
	}
	return r, nil
}

func runModeText(code uint16) string {
	if s, ok := runModeCodes[code]; ok {
		return s
	}
	return "Unknown"
}

// decodeSystemFlags expands word 1's active bits into a category→description mapping, per
// POWMR_ALERT_MAPS[1]'s "system" category.
func decodeSystemFlags(word uint16) map[string]string {
	out := make(map[string]string)
	for bit, desc := range systemFlagBits {
		if (word>>uint(bit))&1 == 1 {
			out[fmt.Sprintf("system_bit_%d", bit)] = desc
		}
	}
	return out
}

// readState sends a read-state request and decodes the response frame into its register
// words, per _build_request_packet("state", ...) / _parse_response.
func (p *Plugin) readState() ([]uint16, error) {
	payloadLen := powmrcodec.StatePayloadLen(p.cfg.ProtocolVersion)
	req := powmrcodec.Encode(p.cfg.ProtocolVersion, powmrcodec.CmdReadState, nil)

	if _, err := p.conn.Write(req); err != nil {
		return nil, fmt.Errorf("powmr: write request: %w", err)
	}

	const headerLen = 6
	const crcLen = 2
	total := headerLen + payloadLen + crcLen
	buf := make([]byte, total)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return nil, fmt.Errorf("powmr: read response: %w", err)
	}

	frame, err := powmrcodec.Decode(buf)
	if err != nil {
		return nil, err
	}
	return frame.Words(), nil
}

// readStateWithRetry retries readState up to MaxReadRetries times, waiting InterReadDelay
// between attempts (bounded by ctx), and returns the last error if every attempt fails.
func (p *Plugin) readStateWithRetry(ctx context.Context) ([]uint16, error) {
	var err error
	for attempt := 0; ; attempt++ {
		var words []uint16
		words, err = p.readState()
		if err == nil {
			return words, nil
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

// classifyReadErr distinguishes a timed-out read-state round trip from a framing/checksum
// failure in the decoded response. POWMR speaks its own inv8851 framing rather than
// Modbus, so there is no exception-response kind to detect here.
func classifyReadErr(err error) plugin.ReadErrorKind {
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
	plugin.Register("plugin.inverter.powmr", func(instanceName string, extra map[string]string) (plugin.DevicePlugin, error) {
		version := powmrcodec.Version1
		if extra["powmr_protocol_version"] == "2" {
			version = powmrcodec.Version2
		}
		cfg := Config{
			InstanceName:    instanceName,
			ConnectionType:  extra["connection_type"],
			Host:            extra["host"],
			Port:            atoiDefault(extra["port"], 8899),
			SerialDevice:    extra["serial_device"],
			BaudRate:        atoiDefault(extra["serial_baud"], 9600),
			ProtocolVersion: version,
			TimeoutSeconds:  atofDefault(extra["modbus_timeout_seconds"], 3.0),
			MaxReadRetries:  atoiDefault(extra["max_read_retries_per_group"], 2),
			InterReadDelay:  time.Duration(atoiDefault(extra["inter_read_delay_ms"], 50)) * time.Millisecond,
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
