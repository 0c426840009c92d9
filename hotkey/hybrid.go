package hotkey

import (
	"context"
	"time"
)

type Mode string

const (
	ModePTT    Mode = "ptt"
	ModeToggle Mode = "toggle"
)

// Hybrid turns one key combination into talk/stop requests. A short tap
// starts talking and the next press stops it; holding past the long-press
// threshold talks until release.
type Hybrid struct {
	startCh chan Mode
	stopCh  chan struct{}
	mode    chan Mode
}

func NewHybrid(ctx context.Context, hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan Mode, 1),
		stopCh:  make(chan struct{}, 1),
		mode:    make(chan Mode, 1),
	}
	h.mode <- ModePTT
	go h.run(ctx, hk, longPress)
	return h
}

// Start fires when talking should begin. The value is the provisional mode;
// the final mode is known once the key is released or held long enough.
func (h *Hybrid) Start() <-chan Mode { return h.startCh }

// Stop fires when talking should end, in either mode.
func (h *Hybrid) Stop() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the current or last press was a tap.
func (h *Hybrid) IsToggle() bool {
	m := <-h.mode
	h.mode <- m
	return m == ModeToggle
}

func (h *Hybrid) setMode(m Mode) {
	<-h.mode
	h.mode <- m
}

func (h *Hybrid) run(ctx context.Context, hk Hotkey, longPress time.Duration) {
	wait := func(ch <-chan struct{}) bool {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	signal := func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	for {
		if !wait(hk.Keydown()) {
			return
		}
		h.setMode(ModePTT)
		select {
		case h.startCh <- ModePTT:
		case <-ctx.Done():
			return
		}

		timer := time.NewTimer(longPress)
		select {
		case <-timer.C:
			if !wait(hk.Keyup()) {
				return
			}
			signal(h.stopCh)
			continue
		case <-hk.Keyup():
			timer.Stop()
			h.setMode(ModeToggle)
		case <-ctx.Done():
			timer.Stop()
			return
		}

		// toggled on; the next full press stops
		if !wait(hk.Keydown()) || !wait(hk.Keyup()) {
			return
		}
		signal(h.stopCh)
	}
}
