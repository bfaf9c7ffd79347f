// Package modbus describes Modbus register layouts and decodes register values off the
// wire. Wire-level framing (RTU/TCP request and response bytes, including exception
// responses) is handled by github.com/goburrow/modbus, which every plugin dials directly;
// this package only covers what sits above that: register width/scale rules, grouping
// descriptors into efficient reads, and decoding the returned words.
package modbus

// FunctionCode identifies the Modbus function used for a read request.
type FunctionCode byte

const (
	FuncReadHoldingRegisters FunctionCode = 0x03
	FuncReadInputRegisters   FunctionCode = 0x04
)
