package netplay

import "sync"

// Barrier is a reusable N-party rendezvous: every Wait call blocks until N
// of them have been made, then all N unblock together and the barrier
// resets for the next round.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	n          int
	count      int
	generation int
}

// NewBarrier returns a Barrier for n participants.
func NewBarrier(n int) *Barrier {
	b := &Barrier{n: n, count: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until n Wait calls have arrived, then releases all of them.
func (b *Barrier) Wait() {
	b.mu.Lock()
	gen := b.generation
	b.count--
	if b.count == 0 {
		b.generation++
		b.count = b.n
		b.cond.Broadcast()
	} else {
		for gen == b.generation {
			b.cond.Wait()
		}
	}
	b.mu.Unlock()
}

// Release wakes every goroutine currently blocked in Wait without requiring
// n arrivals, and resets the count. A Wait call made after Release waits
// for a full round of n arrivals as usual.
func (b *Barrier) Release() {
	b.mu.Lock()
	b.generation++
	b.count = b.n
	b.cond.Broadcast()
	b.mu.Unlock()
}
