package worker

import "sync"

// InFlight counts relays that may still write to the master. Teardown
// waits for it to reach zero.
type InFlight struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func NewInFlight() *InFlight {
	b := &InFlight{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add registers one relay. Call it before the relay is dispatched.
func (b *InFlight) Add() {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
}

// Done releases one relay. Extra calls never push the count below zero.
func (b *InFlight) Done() {
	b.mu.Lock()
	if b.count > 0 {
		b.count--
	}
	if b.count == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Wait blocks until no relay is in flight.
func (b *InFlight) Wait() {
	b.mu.Lock()
	for b.count > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Count returns the current number of relays in flight.
func (b *InFlight) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
