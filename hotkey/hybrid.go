package hotkey

import (
	"sync/atomic"
	"time"
)

// Hybrid layers tap-to-toggle and hold-to-talk onto one key combination. A
// press always starts recording immediately; releasing before the long-press
// threshold leaves the recording running in toggle mode, holding past it
// makes the release stop it.
type Hybrid struct {
	startCh chan struct{}
	stopCh  chan struct{}
	toggle  atomic.Bool
}

func NewHybrid(hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}, 1),
	}
	go h.run(hk, longPress)
	return h
}

// Start signals that a recording should begin.
func (h *Hybrid) Start() <-chan struct{} { return h.startCh }

// StopChan signals that the active recording should end, in both modes.
func (h *Hybrid) StopChan() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the active recording is in toggle mode. It flips
// from true to false once the press crosses the long-press threshold.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

func (h *Hybrid) run(hk Hotkey, longPress time.Duration) {
	for {
		<-hk.Keydown()
		h.toggle.Store(true)
		select {
		case h.startCh <- struct{}{}:
		default:
		}

		timer := time.NewTimer(longPress)
		select {
		case <-timer.C:
			// Held past the threshold: push-to-talk, stop on release.
			h.toggle.Store(false)
			<-hk.Keyup()
			h.signalStop()
		case <-hk.Keyup():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			// Short tap: recording stays on until the next press+release.
			<-hk.Keydown()
			<-hk.Keyup()
			h.signalStop()
		}
	}
}

func (h *Hybrid) signalStop() {
	select {
	case h.stopCh <- struct{}{}:
	default:
	}
}
