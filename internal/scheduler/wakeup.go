package scheduler

import "sync"

// Wakeup is a coalescing signal: any number of Notify calls before the
// loop next observes the channel collapse into a single wakeup, the
// same non-blocking select/default send the teacher's in-memory event
// bus uses to avoid a slow subscriber stalling a publisher.
type Wakeup struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewWakeup returns a Wakeup with capacity for exactly one pending
// notification.
func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

// Notify schedules a wakeup. It never blocks and never panics if
// called after the scheduler has stopped watching.
func (w *Wakeup) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is the channel the scheduler selects on.
func (w *Wakeup) C() <-chan struct{} {
	return w.ch
}
