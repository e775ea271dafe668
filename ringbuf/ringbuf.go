// Package ringbuf implements a bounded, lossy store of variable-length
// entries. When the writer runs out of room the oldest entries are evicted,
// so a slow reader sees gaps but never corrupted data.
//
// Entries are stored as a 2-byte little-endian length prefix followed by the
// payload. A zero length prefix marks the point where the writer wrapped back
// to offset 0.
package ringbuf

import (
	"encoding/binary"
	"errors"
	"sync"
)

const (
	prefixLen = 2
	maxEntry  = 0xFFFF
)

var (
	// ErrEntryTooLarge is returned when an entry can never fit in the ring.
	ErrEntryTooLarge = errors.New("ringbuf: entry too large")

	// ErrInvalidSize is returned by New for sizes that cannot hold one entry.
	ErrInvalidSize = errors.New("ringbuf: invalid size")
)

// Ring is a fixed-capacity circular buffer of size-prefixed entries.
type Ring struct {
	mu  sync.Mutex
	buf []byte

	head int // next write offset
	tail int // oldest retained entry
	rd   int // reader cursor, between tail and head

	dropped uint64
}

// New allocates a ring of size bytes.
func New(size int) (*Ring, error) {
	// Room for at least a one-byte entry plus the wrap marker.
	if size < 2*prefixLen+1 {
		return nil, ErrInvalidSize
	}
	return &Ring{buf: make([]byte, size)}, nil
}

// Size returns the capacity in bytes.
func (r *Ring) Size() int {
	return len(r.buf)
}

// Push appends entry, evicting the oldest entries if needed.
// Zero-length entries are ignored.
func (r *Ring) Push(entry []byte) error {
	n := len(entry)
	if n == 0 {
		return nil
	}
	need := prefixLen + n
	if n > maxEntry || need+prefixLen > len(r.buf) {
		return ErrEntryTooLarge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	size := len(r.buf)
	if r.head+need+prefixLen > size {
		// The write restarts at 0: everything between head and the end, and
		// everything in [0, need+prefixLen), must be evicted first.
		for r.tail != r.head && (r.tail > r.head || r.tail < need+prefixLen) {
			r.evict()
		}
		if r.tail == r.head {
			r.head, r.tail, r.rd = 0, 0, 0
		} else {
			binary.LittleEndian.PutUint16(r.buf[r.head:], 0)
			r.head = 0
		}
	} else {
		end := r.head + need + prefixLen
		for r.tail != r.head && r.tail > r.head && r.tail < end {
			r.evict()
		}
	}

	binary.LittleEndian.PutUint16(r.buf[r.head:], uint16(n))
	copy(r.buf[r.head+prefixLen:], entry)
	r.head += need
	return nil
}

// evict drops the entry (or wrap marker) at tail. Must hold r.mu.
func (r *Ring) evict() {
	at := r.tail
	n := int(binary.LittleEndian.Uint16(r.buf[at:]))
	if n == 0 {
		r.tail = 0
	} else {
		r.tail = at + prefixLen + n
		if r.rd == at {
			r.dropped++
		}
	}
	if r.rd == at {
		r.rd = r.tail
	}
}

// Pop removes and returns the next unread entry.
func (r *Ring) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rd == r.head {
		return nil, false
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.rd:]))
	if n == 0 {
		r.rd = 0
		if r.rd == r.head {
			return nil, false
		}
		n = int(binary.LittleEndian.Uint16(r.buf[r.rd:]))
	}
	out := make([]byte, n)
	copy(out, r.buf[r.rd+prefixLen:r.rd+prefixLen+n])
	r.rd += prefixLen + n
	return out, true
}

// Reset moves the reader back to the oldest retained entry.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.rd = r.tail
	r.mu.Unlock()
}

// Empty reports whether there is nothing left to read.
func (r *Ring) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rd == r.head
}

// Used returns the number of bytes occupied by retained entries,
// including prefixes and the wrap marker.
func (r *Ring) Used() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head >= r.tail {
		return r.head - r.tail
	}
	// Wrapped: the tail run ends at the wrap marker.
	end := r.tail
	for {
		n := int(binary.LittleEndian.Uint16(r.buf[end:]))
		if n == 0 {
			break
		}
		end += prefixLen + n
	}
	return end + prefixLen - r.tail + r.head
}

// Dropped returns how many entries were evicted before the reader saw them.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
