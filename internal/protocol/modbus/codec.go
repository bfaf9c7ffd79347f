package modbus

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// WireType is the on-the-wire representation of one register quantity.
type WireType int

const (
	TypeU16 WireType = iota
	TypeI16
	TypeU32
	TypeI32
	TypeASCII8
	TypeCode
	TypeBitfield
	TypeHex
)

// Priority marks whether a descriptor must be read every cycle or only summarized.
type Priority int

const (
	PriorityCritical Priority = iota
	PrioritySummary
)

// RegisterDescriptor describes one readable quantity on a device.
type RegisterDescriptor struct {
	Key          string
	Address      uint16
	Type         WireType
	Scale        float64
	Unit         string
	Static       bool
	Priority     Priority
	Function     FunctionCode
	LittleEndianWords bool // swaps word order for u32/i32 (e.g. EG4-style devices)
}

// Width reports how many 16-bit registers this descriptor occupies on the wire.
func (d RegisterDescriptor) Width() uint16 {
	switch d.Type {
	case TypeU32, TypeI32:
		return 2
	case TypeASCII8:
		return 8
	default:
		return 1
	}
}

// scales reports whether this descriptor's decoded value should be multiplied by Scale;
// code/bitfield/hex registers carry no physical unit, so they're returned unscaled.
func (d RegisterDescriptor) scales() bool {
	switch d.Type {
	case TypeCode, TypeBitfield, TypeHex:
		return false
	default:
		return true
	}
}

// DecodedValue is the result of decoding one RegisterDescriptor out of a group's word list.
type DecodedValue struct {
	Number float64 // valid when Type is not TypeASCII8
	Text   string  // valid when Type is TypeASCII8
}

// DecodeRegister decodes descriptor d from words, a flat slice of all words the group read,
// starting at the word offset d's address maps to within the group (the caller computes the
// offset; this function only interprets the width it needs from words[offset:]).
func DecodeRegister(d RegisterDescriptor, words []uint16) (DecodedValue, error) {
	width := int(d.Width())
	if len(words) < width {
		return DecodedValue{}, fmt.Errorf("modbus: decode %s: need %d words, have %d", d.Key, width, len(words))
	}

	switch d.Type {
	case TypeU16, TypeCode, TypeBitfield, TypeHex:
		v := float64(words[0])
		return DecodedValue{Number: applyScale(v, d)}, nil
	case TypeI16:
		v := float64(int16(words[0]))
		return DecodedValue{Number: applyScale(v, d)}, nil
	case TypeU32:
		v := float64(combineWords32(words[0], words[1], d.LittleEndianWords))
		return DecodedValue{Number: applyScale(v, d)}, nil
	case TypeI32:
		raw := combineWords32(words[0], words[1], d.LittleEndianWords)
		v := float64(int32(raw))
		return DecodedValue{Number: applyScale(v, d)}, nil
	case TypeASCII8:
		buf := make([]byte, 16)
		for i := 0; i < 8; i++ {
			binary.BigEndian.PutUint16(buf[i*2:], words[i])
		}
		return DecodedValue{Text: decodeASCII8(buf)}, nil
	default:
		return DecodedValue{}, fmt.Errorf("modbus: decode %s: unknown wire type %v", d.Key, d.Type)
	}
}

func combineWords32(hi, lo uint16, littleEndianWords bool) uint32 {
	if littleEndianWords {
		hi, lo = lo, hi
	}
	return uint32(hi)<<16 | uint32(lo)
}

func applyScale(v float64, d RegisterDescriptor) float64 {
	if !d.scales() || d.Scale == 0 {
		return v
	}
	return v * d.Scale
}

// decodeASCII8 strips trailing NUL/space/tab/CR/LF and decodes the remaining bytes as
// ASCII, substituting U+FFFD for bytes outside the printable ASCII range.
func decodeASCII8(raw []byte) string {
	end := len(raw)
	for end > 0 && isASCIITrailingPad(raw[end-1]) {
		end--
	}
	raw = raw[:end]

	var b strings.Builder
	for _, c := range raw {
		if c >= 0x20 && c < 0x7F {
			b.WriteByte(c)
		} else {
			b.WriteRune('�')
		}
	}
	return b.String()
}

func isASCIITrailingPad(b byte) bool {
	switch b {
	case 0x00, ' ', '\t', '\r', '\n':
		return true
	default:
		return false
	}
}
