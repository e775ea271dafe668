package protocol

// FifoBuffer accumulates received bytes until whole frames are available.
// One slot stays unused so a full buffer is distinguishable from an empty
// one. It is not safe for concurrent use.
type FifoBuffer struct {
	buf   []byte
	read  int
	write int
}

func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of p as fits and returns the count.
func (f *FifoBuffer) Write(p []byte) int {
	n := min(len(p), f.Free())
	first := copy(f.buf[f.write:], p[:n])
	copy(f.buf, p[first:n])
	f.write = (f.write + n) % len(f.buf)
	return n
}

// Read moves up to len(p) bytes out of the buffer.
func (f *FifoBuffer) Read(p []byte) int {
	n := min(len(p), f.Available())
	end := min(f.read+n, len(f.buf))
	first := copy(p, f.buf[f.read:end])
	copy(p[first:n], f.buf)
	f.Pop(n)
	return n
}

func (f *FifoBuffer) Available() int {
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.Available() - 1
}

// Data returns the buffered bytes as one slice. A wrapped buffer is copied.
func (f *FifoBuffer) Data() []byte {
	if f.read <= f.write {
		return f.buf[f.read:f.write]
	}
	out := make([]byte, f.Available())
	n := copy(out, f.buf[f.read:])
	copy(out[n:], f.buf[:f.write])
	return out
}

// Pop discards n bytes from the front.
func (f *FifoBuffer) Pop(n int) {
	n = min(n, f.Available())
	f.read = (f.read + n) % len(f.buf)
}

func (f *FifoBuffer) IsEmpty() bool {
	return f.read == f.write
}

func (f *FifoBuffer) Reset() {
	f.read, f.write = 0, 0
}
