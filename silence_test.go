package main

import "testing"

func toggleMon() *silenceMonitor {
	return newSilenceMonitor(func() bool { return true })
}

func pttMon() *silenceMonitor {
	return newSilenceMonitor(func() bool { return false })
}

func feed(t *testing.T, m *silenceMonitor, n int, signal bool) []SilenceEvent {
	t.Helper()
	var events []SilenceEvent
	for i := 0; i < n; i++ {
		if ev := m.Tick(signal); ev != SilenceNone {
			events = append(events, ev)
		}
	}
	return events
}

func TestSilenceWarnAfterEightSeconds(t *testing.T) {
	m := pttMon()

	events := feed(t, m, m.warnAt-1, false)
	if len(events) != 0 {
		t.Fatalf("warned before the 8s window: %v", events)
	}

	if ev := m.Tick(false); ev != SilenceWarn {
		t.Fatalf("expected warn at tick %d, got %v", m.warnAt, ev)
	}
}

func TestSilenceNoWarnWithSignal(t *testing.T) {
	m := pttMon()
	// One above-threshold chunk per second keeps the ratio over 10%.
	for i := 0; i < m.warnAt*3; i++ {
		signal := i%8 == 0
		if ev := m.Tick(signal); ev != SilenceNone {
			t.Fatalf("unexpected event %v at tick %d", ev, i)
		}
	}
}

func TestSilenceWarnClearsOnSignal(t *testing.T) {
	m := pttMon()
	feed(t, m, m.warnAt, false)

	// Enough signal ticks to push the window ratio past the clear threshold.
	var cleared bool
	for i := 0; i < m.warnAt; i++ {
		if ev := m.Tick(true); ev == SilenceWarnClear {
			cleared = true
			break
		}
	}
	if !cleared {
		t.Fatal("warning never cleared despite sustained signal")
	}
}

func TestSilenceRepeatInToggleMode(t *testing.T) {
	m := toggleMon()
	if events := feed(t, m, m.warnAt, false); len(events) != 1 || events[0] != SilenceWarn {
		t.Fatalf("expected single warn, got %v", events)
	}

	events := feed(t, m, m.warnAt, false)
	if len(events) != 1 || events[0] != SilenceRepeat {
		t.Fatalf("expected single repeat after another 8s, got %v", events)
	}
}

func TestSilenceNoRepeatInPTTMode(t *testing.T) {
	m := pttMon()
	feed(t, m, m.warnAt, false)

	if events := feed(t, m, m.warnAt*2, false); len(events) != 0 {
		t.Fatalf("push-to-talk mode should not repeat or auto-close, got %v", events)
	}
}

func TestSilenceAutoCloseAfterThirtySeconds(t *testing.T) {
	m := toggleMon()

	var autoClosed bool
	for i := 0; i < m.windowSz; i++ {
		if ev := m.Tick(false); ev == SilenceAutoClose {
			autoClosed = true
			if i != m.windowSz-1 {
				t.Fatalf("auto-closed early at tick %d of %d", i+1, m.windowSz)
			}
		}
	}
	if !autoClosed {
		t.Fatal("expected auto-close after a full silent window")
	}
}

func TestSilenceNoAutoCloseWithIntermittentSignal(t *testing.T) {
	m := toggleMon()
	// 1 in 8 chunks above threshold: 12.5% > 10%, never auto-closes.
	for i := 0; i < m.windowSz*2; i++ {
		if ev := m.Tick(i%8 == 0); ev == SilenceAutoClose {
			t.Fatalf("auto-closed at tick %d despite intermittent signal", i)
		}
	}
}
