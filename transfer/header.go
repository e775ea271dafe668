package transfer

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the control word exchanged at the start of every
// bus transfer, in both directions.
const HeaderLen = 4

// Host to device flags.
const (
	FlagWrite   uint8 = 0x01
	FlagPreRead uint8 = 0x02
	FlagRead    uint8 = 0x04
)

// Device to host status bits.
const (
	StatusOutputWaiting uint8 = 0x01
	StatusAck           uint8 = 0x02
	StatusReady         uint8 = 0x04
	StatusError         uint8 = 0x08
)

// Header is the per-exchange control word. Flags carries host flags on the
// way out and device status bits on the way back.
//
// Layout: [flags, channel, length lo, length hi].
type Header struct {
	Flags   uint8
	Channel uint8
	Length  uint16
}

// Put encodes h into the first HeaderLen bytes of dst.
func (h Header) Put(dst []byte) {
	_ = dst[HeaderLen-1]
	dst[0] = h.Flags
	dst[1] = h.Channel
	binary.LittleEndian.PutUint16(dst[2:4], h.Length)
}

// ParseHeader decodes the first HeaderLen bytes of src.
func ParseHeader(src []byte) Header {
	_ = src[HeaderLen-1]
	return Header{
		Flags:   src[0],
		Channel: src[1],
		Length:  binary.LittleEndian.Uint16(src[2:4]),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("flags=%#02x ch=%d len=%d", h.Flags, h.Channel, h.Length)
}

// validate checks the device's response against the request that produced it.
func validate(req, resp Header) error {
	switch {
	case req.Flags&FlagRead != 0:
		if resp.Flags&StatusError != 0 || resp.Flags&StatusAck == 0 {
			return fmt.Errorf("%w: read status %#02x", ErrProtocolMismatch, resp.Flags)
		}
		if resp.Channel != req.Channel || resp.Length != req.Length {
			return fmt.Errorf("%w: read wanted ch=%d len=%d, got ch=%d len=%d",
				ErrProtocolMismatch, req.Channel, req.Length, resp.Channel, resp.Length)
		}
	case req.Flags&FlagWrite != 0:
		if resp.Flags&(StatusError|StatusAck) != 0 {
			return fmt.Errorf("%w: write status %#02x", ErrProtocolMismatch, resp.Flags)
		}
		// With pre-read set the device announces the read that follows
		// instead of echoing the write.
		if req.Flags&FlagPreRead == 0 && (resp.Channel != req.Channel || resp.Length != req.Length) {
			return fmt.Errorf("%w: write wanted ch=%d len=%d, got ch=%d len=%d",
				ErrProtocolMismatch, req.Channel, req.Length, resp.Channel, resp.Length)
		}
	default:
		if resp.Flags&StatusError != 0 {
			return fmt.Errorf("%w: pre-read status %#02x", ErrProtocolMismatch, resp.Flags)
		}
	}
	return nil
}
