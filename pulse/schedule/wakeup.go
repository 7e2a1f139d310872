package schedule

// Wakeup nudges the scan loop to look at the store now instead of at its
// next tick. Signals coalesce: any number of calls before the loop reads
// produce one wake.
type Wakeup struct {
	ch chan struct{}
}

// NewWakeup creates a coalescing wake signal.
func NewWakeup() *Wakeup {
	return &Wakeup{ch: make(chan struct{}, 1)}
}

// Signal requests an early scan. It never blocks.
func (w *Wakeup) Signal() {
	if w == nil {
		return
	}
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C is the channel the scan loop selects on.
func (w *Wakeup) C() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.ch
}
