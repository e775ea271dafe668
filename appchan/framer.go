package appchan

import (
	"encoding/binary"
	"fmt"
)

// Framer extracts message boundaries from a stream of concatenated
// application messages.
type Framer interface {
	// HeaderLen is the number of bytes MessageLen needs to see.
	HeaderLen() int

	// MessageLen returns the full encoded size (header plus payload) of the
	// message starting with hdr.
	MessageLen(hdr []byte) (int, error)
}

const (
	defaultHeaderLen = 4
	controlBit       = 0x80
	maxControlLen    = 0xFF
	maxDataLen       = 0xFFFF
)

// DefaultFramer decodes the 4-byte application header:
//
//	data:    [type, 0, len lo, len hi]     type bit 7 clear
//	control: [0x80|code, 0, 0, len]        one-byte payload length
type DefaultFramer struct{}

func (DefaultFramer) HeaderLen() int { return defaultHeaderLen }

func (DefaultFramer) MessageLen(hdr []byte) (int, error) {
	if len(hdr) < defaultHeaderLen {
		return 0, fmt.Errorf("%w: %d header bytes", ErrBadHeader, len(hdr))
	}
	if IsControl(hdr) {
		return defaultHeaderLen + int(hdr[3]), nil
	}
	return defaultHeaderLen + int(binary.LittleEndian.Uint16(hdr[2:4])), nil
}

// IsControl reports whether the message starting with hdr is a control
// message.
func IsControl(hdr []byte) bool {
	return len(hdr) > 0 && hdr[0]&controlBit != 0
}

// AppendData appends payload framed as a data message of the given type.
func AppendData(dst []byte, typ byte, payload []byte) ([]byte, error) {
	if typ&controlBit != 0 {
		return dst, fmt.Errorf("%w: data type %#02x has the control bit", ErrBadHeader, typ)
	}
	if len(payload) > maxDataLen {
		return dst, fmt.Errorf("%w: %d byte data payload", ErrTooLarge, len(payload))
	}
	dst = append(dst, typ, 0)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...), nil
}

// AppendControl appends payload framed as a control message.
func AppendControl(dst []byte, code byte, payload []byte) ([]byte, error) {
	if len(payload) > maxControlLen {
		return dst, fmt.Errorf("%w: %d byte control payload", ErrTooLarge, len(payload))
	}
	dst = append(dst, controlBit|code, 0, 0, byte(len(payload)))
	return append(dst, payload...), nil
}
