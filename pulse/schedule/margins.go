package schedule

import "sync"

// LiveMargins holds the global margins so a config reload can retune them
// while the dispatcher and the scheduler keep reading.
type LiveMargins struct {
	mu sync.RWMutex
	m  Margins
}

// NewLiveMargins creates a holder seeded with m.
func NewLiveMargins(m Margins) *LiveMargins {
	return &LiveMargins{m: m}
}

// Get returns the current margins.
func (l *LiveMargins) Get() Margins {
	if l == nil {
		return Margins{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.m
}

// Set replaces the margins for jobs computed from now on.
func (l *LiveMargins) Set(m Margins) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m = m
}
