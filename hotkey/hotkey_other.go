//go:build !linux

package hotkey

import (
	"sync"

	"golang.design/x/hotkey"
)

type osHotkey struct {
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func New() Hotkey {
	return &osHotkey{
		hk:      hotkey.New([]hotkey.Modifier{hotkey.ModCtrl, hotkey.ModShift}, hotkey.KeySpace),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (h *osHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return err
	}
	go h.forward(h.hk.Keydown(), h.keydown)
	go h.forward(h.hk.Keyup(), h.keyup)
	return nil
}

func (h *osHotkey) forward(in <-chan hotkey.Event, out chan struct{}) {
	for {
		select {
		case <-in:
		case <-h.stop:
			return
		}
		select {
		case out <- struct{}{}:
		case <-h.stop:
			return
		}
	}
}

func (h *osHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		h.hk.Unregister()
	})
}

func (h *osHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *osHotkey) Keyup() <-chan struct{}   { return h.keyup }

func Diagnose() (string, error) {
	return "hotkey support available (Ctrl+Shift+Space)", nil
}
