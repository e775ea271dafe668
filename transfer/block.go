package transfer

import (
	"math/bits"
	"sync"
)

// Block is a reusable byte buffer with a requested length and a fixed
// capacity. It is the unit handed between a channel and the engine; whoever
// holds it owns it.
type Block struct {
	buf []byte
	n   int
}

// NewBlock allocates a block of the given capacity with length equal to it.
func NewBlock(capacity int) *Block {
	return &Block{buf: make([]byte, capacity), n: capacity}
}

// BlockFrom copies p into a new block sized exactly to it.
func BlockFrom(p []byte) *Block {
	b := NewBlock(len(p))
	copy(b.buf, p)
	return b
}

// Bytes returns the payload view, Len() bytes long.
func (b *Block) Bytes() []byte {
	return b.buf[:b.n]
}

// Buffer returns the whole allocated buffer.
func (b *Block) Buffer() []byte {
	return b.buf
}

// Len returns the requested length.
func (b *Block) Len() int {
	return b.n
}

// Cap returns the allocated capacity.
func (b *Block) Cap() int {
	return len(b.buf)
}

// SetLen changes the requested length. It fails if n exceeds the capacity.
func (b *Block) SetLen(n int) error {
	if n < 0 || n > len(b.buf) {
		return ErrBlockTooSmall
	}
	b.n = n
	return nil
}

const (
	minPoolShift = 6  // 64 bytes
	maxPoolShift = 16 // 64 KiB
)

// BlockPool recycles blocks in power-of-two capacity classes.
// The zero value is ready to use.
type BlockPool struct {
	classes [maxPoolShift - minPoolShift + 1]sync.Pool
}

func poolClass(n int) int {
	shift := bits.Len(uint(n - 1))
	if shift < minPoolShift {
		shift = minPoolShift
	}
	return shift
}

// Get returns a block with Len() == n and Cap() >= n.
func (p *BlockPool) Get(n int) *Block {
	if n <= 0 {
		return &Block{}
	}
	shift := poolClass(n)
	if shift > maxPoolShift {
		b := NewBlock(n)
		return b
	}
	if v := p.classes[shift-minPoolShift].Get(); v != nil {
		b := v.(*Block)
		b.n = n
		return b
	}
	b := NewBlock(1 << shift)
	b.n = n
	return b
}

// Put returns b to the pool. Blocks not obtained from Get are dropped.
func (p *BlockPool) Put(b *Block) {
	if b == nil {
		return
	}
	c := len(b.buf)
	if c == 0 || c&(c-1) != 0 {
		return
	}
	shift := bits.Len(uint(c)) - 1
	if shift < minPoolShift || shift > maxPoolShift {
		return
	}
	b.n = 0
	p.classes[shift-minPoolShift].Put(b)
}
