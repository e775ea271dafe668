package protocol

import "fmt"

// AppendFrame appends payload framed with seq.
func AppendFrame(dst []byte, seq uint8, payload []byte) ([]byte, error) {
	n := MessageLengthMin + len(payload)
	if n > MessageLengthMax {
		return dst, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, MessageLengthMax)
	}
	start := len(dst)
	dst = append(dst, byte(n), seq)
	dst = append(dst, payload...)
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync), nil
}

// scanner splits a byte stream into frames, resynchronising on the sync
// byte after any corruption.
type scanner struct {
	in     *FifoBuffer
	synced bool
	errors int
}

func newScanner(capacity int) *scanner {
	return &scanner{in: NewFifoBuffer(capacity), synced: true}
}

// feed buffers p and calls fn for every complete, valid frame. fn must not
// retain payload.
func (s *scanner) feed(p []byte, fn func(seq uint8, payload []byte)) {
	for len(p) > 0 {
		n := s.in.Write(p)
		p = p[n:]
		s.scan(fn)
		if n == 0 && len(p) > 0 {
			// Buffer full of garbage that never framed: drop it.
			s.in.Reset()
			s.synced = false
		}
	}
}

func (s *scanner) scan(fn func(seq uint8, payload []byte)) {
	data := s.in.Data()
	start := len(data)
	for len(data) > 0 {
		if !s.synced {
			i := 0
			for i < len(data) && data[i] != MessageValueSync {
				i++
			}
			if i == len(data) {
				data = nil
				break
			}
			data = data[i+1:]
			s.synced = true
			continue
		}
		if data[0] == MessageValueSync {
			data = data[1:]
			continue
		}
		if len(data) < MessageLengthMin {
			break
		}
		n := int(data[MessagePositionLen])
		seq := data[MessagePositionSeq]
		if n < MessageLengthMin || n > MessageLengthMax || seq&^MessageSeqMask != MessageDest {
			s.resync()
			continue
		}
		if len(data) < n {
			break
		}
		if data[n-1] != MessageValueSync {
			s.resync()
			continue
		}
		want := uint16(data[n-3])<<8 | uint16(data[n-2])
		if CRC16(data[:n-MessageTrailerSize]) != want {
			s.resync()
			continue
		}
		fn(seq, data[MessageHeaderSize:n-MessageTrailerSize])
		data = data[n:]
	}
	s.in.Pop(start - len(data))
}

func (s *scanner) resync() {
	s.synced = false
	s.errors++
}

func (s *scanner) reset() {
	s.in.Reset()
	s.synced = true
}
