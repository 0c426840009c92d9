package session

import (
	"errors"
	"strings"
)

var ErrEmptyText = errors.New("session: empty message")

// TextChannel is the typed-input path into the session.
type TextChannel struct {
	m *Machine
}

// Submit sends text as one turn. Blank input is rejected here, before the
// session sees it; anything else is queued for the session loop, which may
// still refuse it with a notice.
func (t *TextChannel) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	t.m.post(submitText{text})
	return nil
}
