package bank

import "sync/atomic"

// Guard admits one core operation at a time. Entry while another operation is
// in flight fails with ErrReentrantCall instead of blocking, so a collaborator
// calling back into the engine mid-operation is rejected rather than deadlocked.
type Guard struct {
	entered atomic.Bool
}

// Enter acquires the guard. The returned release must be called exactly once.
func (g *Guard) Enter() (func(), error) {
	if !g.entered.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.entered.Store(false)
		}
	}, nil
}

// Busy reports whether an operation currently holds the guard.
func (g *Guard) Busy() bool {
	return g.entered.Load()
}
