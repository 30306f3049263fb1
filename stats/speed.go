// Package stats tracks transcription throughput over a sliding window.
package stats

import (
	"fmt"
	"sync"
	"time"
)

const window = 60 * time.Second

// Speed stats display modes, matching the speed_stats_mode setting.
const (
	ModeDisabled = "disabled"
	ModeCurrent  = "current"
	ModeAverage  = "average"
)

type sample struct {
	at      time.Time
	chars   int
	seconds float64
}

// Meter keeps a 60-second sliding window of (characters, elapsed) samples.
// Pruned on every insert and every read.
type Meter struct {
	mu      sync.Mutex
	now     func() time.Time
	samples []sample
}

func NewMeter() *Meter {
	return &Meter{now: time.Now}
}

// NewMeterAt builds a meter with an injected clock, for tests.
func NewMeterAt(now func() time.Time) *Meter {
	return &Meter{now: now}
}

// Record adds one backend roundtrip: chars transcribed in seconds of
// wall-clock time. Zero-character samples are valid (empty results count
// against the average).
func (m *Meter) Record(chars int, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.samples = append(m.samples, sample{at: now, chars: chars, seconds: seconds})
	m.prune(now)
}

func (m *Meter) prune(now time.Time) {
	cutoff := now.Add(-window)
	keep := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			keep = append(keep, s)
		}
	}
	m.samples = keep
}

// Current reports the most recent sample's chars/sec and elapsed seconds.
func (m *Meter) Current() (cps, seconds float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	if len(m.samples) == 0 {
		return 0, 0, false
	}
	last := m.samples[len(m.samples)-1]
	if last.seconds > 0 {
		cps = float64(last.chars) / last.seconds
	}
	return cps, last.seconds, true
}

// Average reports aggregate chars divided by aggregate seconds over the
// window, plus the aggregate seconds.
func (m *Meter) Average() (cps, seconds float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	if len(m.samples) == 0 {
		return 0, 0, false
	}
	var chars int
	for _, s := range m.samples {
		chars += s.chars
		seconds += s.seconds
	}
	if seconds > 0 {
		cps = float64(chars) / seconds
	}
	return cps, seconds, true
}

// Len reports how many samples are currently inside the window.
func (m *Meter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	return len(m.samples)
}

// Badge renders the status-bar suffix for the given mode, or "" when the
// mode is disabled or no samples are in the window.
func (m *Meter) Badge(mode string) string {
	switch mode {
	case ModeCurrent:
		if cps, seconds, ok := m.Current(); ok {
			return fmt.Sprintf("%.0f ch/s (%.1fs)", cps, seconds)
		}
	case ModeAverage:
		if cps, seconds, ok := m.Average(); ok {
			return fmt.Sprintf("avg %.0f ch/s (%.1fs)", cps, seconds)
		}
	}
	return ""
}
