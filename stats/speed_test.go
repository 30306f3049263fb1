package stats

import (
	"math"
	"strings"
	"testing"
	"time"
)

// testClock is a manually advanced clock for window tests.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestMeterEmpty(t *testing.T) {
	m := NewMeter()
	if _, _, ok := m.Current(); ok {
		t.Error("empty meter reported a current sample")
	}
	if _, _, ok := m.Average(); ok {
		t.Error("empty meter reported an average")
	}
	if m.Badge(ModeCurrent) != "" || m.Badge(ModeAverage) != "" {
		t.Error("empty meter rendered a badge")
	}
}

func TestMeterCurrent(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)

	m.Record(100, 2.0)
	clock.Advance(time.Second)
	m.Record(30, 1.5)

	cps, seconds, ok := m.Current()
	if !ok {
		t.Fatal("no current sample")
	}
	if math.Abs(cps-20) > 1e-9 || seconds != 1.5 {
		t.Errorf("current = %.1f ch/s over %.1fs, want 20.0 over 1.5", cps, seconds)
	}
}

func TestMeterAverageAggregates(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)

	m.Record(100, 2.0)
	clock.Advance(time.Second)
	m.Record(50, 3.0)

	cps, seconds, ok := m.Average()
	if !ok {
		t.Fatal("no average")
	}
	// 150 chars over 5 seconds of backend time.
	if math.Abs(cps-30) > 1e-9 || seconds != 5.0 {
		t.Errorf("average = %.1f ch/s over %.1fs, want 30.0 over 5.0", cps, seconds)
	}
}

func TestMeterWindowPruning(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)

	m.Record(100, 1.0)
	clock.Advance(59 * time.Second)
	if m.Len() != 1 {
		t.Errorf("sample pruned at t=59s, Len=%d", m.Len())
	}

	clock.Advance(2 * time.Second) // t=61s
	if m.Len() != 0 {
		t.Errorf("sample survived past the window, Len=%d", m.Len())
	}
	if _, _, ok := m.Average(); ok {
		t.Error("average computed from expired samples")
	}
}

func TestMeterWindowPartialExpiry(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)

	m.Record(100, 1.0)
	clock.Advance(40 * time.Second)
	m.Record(200, 1.0)
	clock.Advance(30 * time.Second) // first sample is now 70s old

	cps, _, ok := m.Average()
	if !ok {
		t.Fatal("no average")
	}
	if math.Abs(cps-200) > 1e-9 {
		t.Errorf("average = %.1f, want only the in-window sample (200)", cps)
	}
}

func TestMeterZeroCharSamples(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)

	m.Record(0, 2.0)
	cps, seconds, ok := m.Current()
	if !ok {
		t.Fatal("zero-char sample dropped")
	}
	if cps != 0 || seconds != 2.0 {
		t.Errorf("current = %.1f over %.1fs, want 0.0 over 2.0", cps, seconds)
	}
}

func TestBadgeFormats(t *testing.T) {
	clock := newTestClock()
	m := NewMeterAt(clock.Now)
	m.Record(60, 1.5)

	if got := m.Badge(ModeCurrent); got != "40 ch/s (1.5s)" {
		t.Errorf("current badge = %q", got)
	}
	if got := m.Badge(ModeAverage); !strings.HasPrefix(got, "avg 40 ch/s") {
		t.Errorf("average badge = %q", got)
	}
	if got := m.Badge(ModeDisabled); got != "" {
		t.Errorf("disabled badge = %q", got)
	}
	if got := m.Badge("bogus"); got != "" {
		t.Errorf("unknown mode badge = %q", got)
	}
}
