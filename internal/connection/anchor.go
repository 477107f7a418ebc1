package connection

import "sync/atomic"

// anchor counts the live Handle clones. The manager only observes it.
type anchor struct {
	refs atomic.Int64
}

func newAnchor() *anchor {
	a := &anchor{}
	a.refs.Store(1)
	return a
}

// acquire adds a reference unless the anchor has already been released.
func (a *anchor) acquire() bool {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return false
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one.
func (a *anchor) release() bool {
	return a.refs.Add(-1) == 0
}

func (a *anchor) alive() bool {
	return a.refs.Load() > 0
}
