// Package hotkey delivers a global Ctrl+Shift+Space as push-to-talk.
package hotkey

import (
	"context"
	"time"

	"casey/log"
)

type Hotkey interface {
	Register() error
	Unregister()
	Keydown() <-chan struct{}
	Keyup() <-chan struct{}
}

// Talker receives talk requests. Both calls must not block.
type Talker interface {
	PressTalk()
	StopTalk()
}

// Drive forwards key presses to t until ctx is done. Plain mode is
// push-to-talk; hybrid mode adds tap-to-toggle.
func Drive(ctx context.Context, hk Hotkey, t Talker, hybrid bool, longPress time.Duration) {
	if hybrid {
		hy := NewHybrid(ctx, hk, longPress)
		for {
			select {
			case <-ctx.Done():
				return
			case mode := <-hy.Start():
				log.Info("hotkey_start_" + string(mode))
				t.PressTalk()
			case <-hy.Stop():
				log.Info("hotkey_stop")
				t.StopTalk()
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-hk.Keydown():
			log.Info("hotkey_down")
			t.PressTalk()
		case <-hk.Keyup():
			log.Info("hotkey_up")
			t.StopTalk()
		}
	}
}
