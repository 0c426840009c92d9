// Package clipboard copies Casey's replies to the system clipboard.
package clipboard

import (
	"errors"
	"strings"

	cb "github.com/atotto/clipboard"
)

var ErrNothingToCopy = errors.New("clipboard: nothing to copy")

// Available reports whether a clipboard backend was found (xclip, xsel,
// wl-copy, pbcopy or the Windows API).
func Available() bool { return !cb.Unsupported }

func Copy(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrNothingToCopy
	}
	return cb.WriteAll(text)
}

func Read() (string, error) {
	return cb.ReadAll()
}
