package transfer

import "sync/atomic"

type counters struct {
	exchanges   atomic.Uint64
	retries     atomic.Uint64
	failures    atomic.Uint64
	resets      atomic.Uint64
	sent        atomic.Uint64
	received    atomic.Uint64
	discarded   atomic.Uint64
	consecutive atomic.Int64
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Exchanges           uint64
	Retries             uint64
	Failures            uint64
	Resets              uint64
	Sent                uint64
	Received            uint64
	Discarded           uint64
	ConsecutiveFailures int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Exchanges:           e.stats.exchanges.Load(),
		Retries:             e.stats.retries.Load(),
		Failures:            e.stats.failures.Load(),
		Resets:              e.stats.resets.Load(),
		Sent:                e.stats.sent.Load(),
		Received:            e.stats.received.Load(),
		Discarded:           e.stats.discarded.Load(),
		ConsecutiveFailures: int(e.stats.consecutive.Load()),
	}
}
