package transfer

// work is one FIFO item: either a block to send or a barrier.
type work struct {
	ch    Channel
	block *Block

	// Barrier fields. fn runs on the worker, then done is closed.
	done chan struct{}
	fn   func()
}

func (w work) isBarrier() bool { return w.done != nil }

// enqueue appends w under the engine lock. It reports false once the worker
// has been told to exit.
func (e *Engine) enqueue(w work) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, w)
	e.mu.Unlock()
	e.wake()
	return true
}

func (e *Engine) pop() (work, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return work{}, false
	}
	w := e.queue[0]
	e.queue[0] = work{}
	e.queue = e.queue[1:]
	return w, true
}

func (e *Engine) wake() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// barrier queues fn behind all pending work and waits for the worker to run
// it. When the worker is gone fn runs inline and ErrClosed is returned.
func (e *Engine) barrier(fn func()) error {
	done := make(chan struct{})
	if !e.enqueue(work{done: done, fn: fn}) {
		if fn != nil {
			fn()
		}
		return ErrClosed
	}
	<-done
	return nil
}

// drain fails everything left in the queue after the worker was told to exit.
func (e *Engine) drain() {
	e.mu.Lock()
	q := e.queue
	e.queue = nil
	e.mu.Unlock()
	for _, w := range q {
		if w.isBarrier() {
			if w.fn != nil {
				w.fn()
			}
			close(w.done)
			continue
		}
		w.ch.Sent(w.block, ErrClosed)
	}
}
