//go:build linux

package hotkey

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// evdev codes from linux/input-event-codes.h
const (
	evKey     = 1
	keyLCtrl  = 29
	keyRCtrl  = 97
	keyLShift = 42
	keyRShift = 54
	keySpace  = 57

	inputEventSize = 24
)

var (
	errNoKeyboards = errors.New("no keyboard devices found (is user in 'input' group?)")
	errNoAccess    = errors.New("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
)

// combo tracks Ctrl+Shift+Space across one keyboard's event stream.
// Space only counts while both modifiers are held; its release always ends
// a press it started.
type combo struct {
	ctrl, shift, active bool
}

// feed applies one key event (value 1 press, 0 release, 2 repeat) and
// reports whether it began or ended the combination.
func (c *combo) feed(code uint16, value int32) (down, up bool) {
	pressed, released := value == 1, value == 0
	hold := func(cur bool) bool { return pressed || (!released && cur) }
	switch code {
	case keyLCtrl, keyRCtrl:
		c.ctrl = hold(c.ctrl)
	case keyLShift, keyRShift:
		c.shift = hold(c.shift)
	case keySpace:
		switch {
		case pressed && !c.active && c.ctrl && c.shift:
			c.active = true
			return true, false
		case released && c.active:
			c.active = false
			return false, true
		}
	}
	return false, false
}

type evdevHotkey struct {
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

func New() Hotkey {
	return &evdevHotkey{
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (h *evdevHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return errNoKeyboards
	}
	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.read(f)
	}
	if len(h.files) == 0 {
		return errNoAccess
	}
	return nil
}

func (h *evdevHotkey) read(f *os.File) {
	buf := make([]byte, inputEventSize*16)
	var c combo
	for {
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			ev := buf[i : i+inputEventSize]
			if binary.LittleEndian.Uint16(ev[16:]) != evKey {
				continue
			}
			down, up := c.feed(binary.LittleEndian.Uint16(ev[18:]), int32(binary.LittleEndian.Uint32(ev[20:])))
			switch {
			case down:
				h.signal(h.keydown)
			case up:
				h.signal(h.keyup)
			}
		}
	}
}

func (h *evdevHotkey) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	case <-h.stop:
	default:
	}
}

func (h *evdevHotkey) Unregister() {
	h.once.Do(func() {
		close(h.stop)
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *evdevHotkey) Keydown() <-chan struct{} { return h.keydown }
func (h *evdevHotkey) Keyup() <-chan struct{}   { return h.keyup }

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}
	var keyboards []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") && isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

// isKeyboard treats devices with a wide key capability bitmap as keyboards;
// mice and power buttons report only a few bits.
func isKeyboard(eventName string) bool {
	data, err := os.ReadFile(filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key"))
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose reports whether a keyboard can be opened for reading.
func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", errNoKeyboards
	}
	for _, path := range keyboards {
		if f, err := os.Open(path); err == nil {
			f.Close()
			return fmt.Sprintf("%d keyboard(s) found, opened %s", len(keyboards), path), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
