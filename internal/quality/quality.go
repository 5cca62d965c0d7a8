// Package quality classifies signaling round-trip times into a coarse
// connection label.
package quality

import (
	"sync"
	"time"
)

type Label string

const (
	Unknown   Label = ""
	Excellent Label = "excellent"
	Good      Label = "good"
	Fair      Label = "fair"
	Poor      Label = "poor"
)

const (
	excellentBelow = 100 * time.Millisecond
	goodBelow      = 200 * time.Millisecond
	fairBelow      = 400 * time.Millisecond

	DefaultWindow = 10
)

// Classify maps an average RTT to a Label.
func Classify(avg time.Duration) Label {
	switch {
	case avg < excellentBelow:
		return Excellent
	case avg < goodBelow:
		return Good
	case avg < fairBelow:
		return Fair
	default:
		return Poor
	}
}

type Stats struct {
	Average time.Duration
	// Jitter is the mean absolute difference between consecutive samples.
	Jitter  time.Duration
	Label   Label
	Samples int
}

// Monitor keeps a rolling window of RTT samples.
type Monitor struct {
	mu      sync.Mutex
	window  int
	samples []time.Duration
	label   Label
}

func NewMonitor(window int) *Monitor {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{window: window}
}

// Observe records one sample and returns the updated stats, plus whether the
// label differs from the previous one.
func (m *Monitor) Observe(rtt time.Duration) (Stats, bool) {
	if rtt < 0 {
		rtt = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, rtt)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}
	st := m.statsLocked()
	changed := st.Label != m.label
	m.label = st.Label
	return st, changed
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

// Reset drops all samples, e.g. after the signaling channel reconnects.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.samples = nil
	m.label = Unknown
	m.mu.Unlock()
}

func (m *Monitor) statsLocked() Stats {
	n := len(m.samples)
	if n == 0 {
		return Stats{}
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	avg := sum / time.Duration(n)

	var jitter time.Duration
	if n > 1 {
		var diffs time.Duration
		for i := 1; i < n; i++ {
			d := m.samples[i] - m.samples[i-1]
			if d < 0 {
				d = -d
			}
			diffs += d
		}
		jitter = diffs / time.Duration(n-1)
	}
	return Stats{Average: avg, Jitter: jitter, Label: Classify(avg), Samples: n}
}
