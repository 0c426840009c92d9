package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var (
	ErrDeviceNotFound = errors.New("audio: capture device not found")
	ErrPickCancelled  = errors.New("audio: device selection cancelled")
)

// FindDevice returns the capture device called name.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].Name == name {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// PickDevice asks on the terminal which microphone Casey listens on. The
// cursor starts on current when it is one of the devices. A single device
// is returned without asking.
func PickDevice(ctx Context, current string) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	switch len(devices) {
	case 0:
		return nil, ErrNoDevices
	case 1:
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	p := newPicker(devices, current)
	p.render(os.Stdout)
	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch p.key(buf[:n]) {
		case pickChosen:
			fmt.Print("\r\n")
			return &devices[p.cursor], nil
		case pickCancelled:
			fmt.Print("\r\n")
			return nil, ErrPickCancelled
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		p.render(os.Stdout)
	}
}

type pickResult int

const (
	pickMoved pickResult = iota
	pickChosen
	pickCancelled
)

type picker struct {
	devices []DeviceInfo
	current string
	cursor  int
}

func newPicker(devices []DeviceInfo, current string) *picker {
	p := &picker{devices: devices, current: current}
	for i, d := range devices {
		if d.Name == current {
			p.cursor = i
			break
		}
	}
	return p
}

// key applies one terminal read: arrows or j/k move, Enter picks, Ctrl+C,
// Esc or q cancel.
func (p *picker) key(b []byte) pickResult {
	if len(b) == 3 && b[0] == 0x1b && b[1] == '[' {
		switch b[2] {
		case 'A':
			p.move(-1)
		case 'B':
			p.move(1)
		}
		return pickMoved
	}
	if len(b) != 1 {
		return pickMoved
	}
	switch b[0] {
	case '\r', '\n':
		return pickChosen
	case 3, 0x1b, 'q':
		return pickCancelled
	case 'k':
		p.move(-1)
	case 'j':
		p.move(1)
	}
	return pickMoved
}

func (p *picker) move(delta int) {
	p.cursor = min(max(p.cursor+delta, 0), len(p.devices)-1)
}

func (p *picker) render(w io.Writer) {
	fmt.Fprint(w, "\r\x1b[J")
	fmt.Fprint(w, "Which microphone should Casey listen on? (↑/↓, Enter to confirm, q to cancel)\r\n\r\n")
	for i, d := range p.devices {
		tags := ""
		if d.Name == p.current {
			tags += " (current)"
		}
		if IsBluetooth(d.Name) {
			tags += " \x1b[33m[Bluetooth: Casey may hear you poorly]\x1b[0m"
		}
		if i == p.cursor {
			fmt.Fprintf(w, "  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tags)
		} else {
			fmt.Fprintf(w, "    %s%s\r\n", d.Name, tags)
		}
	}
}
