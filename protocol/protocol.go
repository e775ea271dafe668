// Package protocol implements the framed command link spoken between the
// host and a USB-serial bus bridge.
//
// A frame is [len, seq, payload..., crc hi, crc lo, 0x7E]. The payload is a
// VLQ command id followed by VLQ-encoded arguments. A frame with an empty
// payload acknowledges the frame before it and carries the next expected
// sequence number.
package protocol

import "errors"

const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	// Frame lengths stay below the sync value so a length byte is never
	// mistaken for padding.
	MessageLengthMax   = MessageValueSync - 1
	MessagePayloadMax  = MessageLengthMax - MessageLengthMin
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageValueSync   = 0x7E

	MessageDest    = 0x10
	MessageSeqMask = 0x0F
)

var (
	ErrInvalidVLQ     = errors.New("protocol: invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("protocol: buffer too small")
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrTimeout        = errors.New("protocol: timeout")
	ErrNak            = errors.New("protocol: frame not acknowledged")
	ErrClosed         = errors.New("protocol: link closed")
)

// nextSeq advances a sequence number within the 0x10-0x1F window.
func nextSeq(seq uint8) uint8 {
	return ((seq + 1) & MessageSeqMask) | MessageDest
}
