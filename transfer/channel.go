package transfer

import "sync"

// Channel is a logical consumer multiplexed onto the bus, identified by a
// small integer id. All callbacks are invoked from the engine worker only,
// one at a time, so implementations only need to guard state they share with
// their own callers. Callbacks must not call back into Register, Unregister,
// Stop or Reset.
type Channel interface {
	// ID returns the channel id carried in exchange headers.
	ID() uint8

	// Name is used in logs.
	Name() string

	// Get returns a block with capacity >= length to receive into, or nil
	// to decline. A declined payload is still clocked off the bus and dropped.
	Get(length int) *Block

	// Received hands over a completed receive block. err is nil on success.
	// A block from Get that is too small comes back with ErrAllocation.
	Received(b *Block, err error)

	// Sent returns a block previously passed to Send. err is nil on success.
	Sent(b *Block, err error)

	// Registered runs once after the channel is installed.
	Registered()

	// Unregistered is the last callback the channel will ever receive.
	Unregistered()
}

// Registration is returned by Register. Closing it unregisters the channel.
type Registration struct {
	e    *Engine
	ch   Channel
	once sync.Once
	err  error
}

// Channel returns the registered channel.
func (r *Registration) Channel() Channel {
	return r.ch
}

// Send queues b on the registered channel.
func (r *Registration) Send(b *Block) error {
	return r.e.Send(r.ch, b)
}

// Close unregisters the channel. It is safe to call more than once.
func (r *Registration) Close() error {
	r.once.Do(func() {
		r.err = r.e.Unregister(r.ch)
	})
	return r.err
}
