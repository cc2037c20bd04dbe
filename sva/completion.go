package sva

import "sync"

// batchCompletion is the per-IOMMU-unit rendezvous between the PRQ
// reader (signaller) and the drainer (waiter) described in §5. The
// waiter captures the current channel at the start of each wait
// iteration; signal closes it and installs a fresh one, so the
// re-arming happens on the signaller's side. The reader is the sole
// signaller (one PRQ reader goroutine per unit), so signal never races
// itself; capturing the channel before scanning the ring guarantees no
// signal between the capture and the wait is ever missed.
type batchCompletion struct {
	mu   sync.Mutex
	done chan struct{}
}

func newBatchCompletion() *batchCompletion {
	return &batchCompletion{done: make(chan struct{})}
}

// start captures the channel the next signal will close. Call this
// before snapshotting ring state (§4.4 phase 1: "Reset the batch done
// completion" then "Snapshot head/tail").
func (c *batchCompletion) start() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// signal wakes every waiter that captured the current channel, then
// installs a fresh one for the next round (§4.3 step 6).
func (c *batchCompletion) signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.done)
	c.done = make(chan struct{})
}
