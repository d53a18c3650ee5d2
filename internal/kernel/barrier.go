package kernel

import (
	"errors"
	"sync"
)

var errBarrierBroken = errors.New("block barrier broken")

// barrier is a cyclic full-block barrier shared by the group goroutines of
// one block. A fault in any group breaks it so that no other group waits
// forever; every later wait returns the fault.
type barrier struct {
	mu      sync.Mutex
	cond    sync.Cond
	parties int
	waiting int
	gen     uint64
	passes  int
	fault   error
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond.L = &b.mu
	return b
}

func (b *barrier) wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fault != nil {
		return b.fault
	}
	gen := b.gen
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.gen++
		b.passes++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && b.fault == nil {
		b.cond.Wait()
	}
	if gen == b.gen {
		return b.fault
	}
	return nil
}

// abort breaks the barrier with cause. The first cause wins.
func (b *barrier) abort(cause error) {
	if cause == nil {
		cause = errBarrierBroken
	}
	b.mu.Lock()
	if b.fault == nil {
		b.fault = cause
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

func (b *barrier) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fault
}

// Passes is the number of completed barrier phases.
func (b *barrier) Passes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.passes
}

func (b *barrier) reset() {
	b.mu.Lock()
	b.waiting = 0
	b.gen = 0
	b.passes = 0
	b.fault = nil
	b.mu.Unlock()
}
