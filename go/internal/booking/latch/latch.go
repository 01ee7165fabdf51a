package latch

import "sync"

// Latch is a consumed-once signal. The first Trip wins; every later Trip is a no-op.
type Latch struct {
	once sync.Once
	done chan struct{}
}

// New returns an untripped Latch.
func New() *Latch {
	return &Latch{done: make(chan struct{})}
}

// Trip sets the latch and reports whether this call was the one that set it.
func (l *Latch) Trip() bool {
	tripped := false
	l.once.Do(func() {
		tripped = true
		close(l.done)
	})
	return tripped
}

// Tripped reports whether the latch has been set.
func (l *Latch) Tripped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done is closed when the latch is tripped.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}
