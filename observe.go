package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"casey/beep"
	"casey/session"
)

// fanout delivers every session callback to each observer in order.
type fanout []session.Observer

func (f fanout) StateChanged(s session.Snapshot) {
	for _, o := range f {
		o.StateChanged(s)
	}
}

func (f fanout) Transcript(e session.Entry) {
	for _, o := range f {
		o.Transcript(e)
	}
}

func (f fanout) Notice(n string) {
	for _, o := range f {
		o.Notice(n)
	}
}

func (f fanout) Level(l float64) {
	for _, o := range f {
		o.Level(l)
	}
}

// cues plays a tick when the microphone opens, another when the recording
// is sent, and a double beep on errors. Connection-only updates are ignored.
type cues struct {
	player *beep.Player
	prev   session.State
}

func (c *cues) StateChanged(s session.Snapshot) {
	if s.State == c.prev {
		return
	}
	prev := c.prev
	c.prev = s.State
	switch {
	case s.State == session.UserTalking:
		c.player.Play(beep.Start)
	case prev == session.UserTalking && s.State == session.AgentThinking:
		c.player.Play(beep.End)
	case s.State == session.Errored:
		c.player.Play(beep.Error)
	}
}

func (*cues) Transcript(session.Entry) {}
func (*cues) Notice(string)            {}
func (*cues) Level(float64)            {}

// printer writes the session as plain lines for script mode and keeps a
// history of states and connection changes so WAIT can match ones that have
// already passed.
type printer struct {
	out io.Writer

	mu        sync.Mutex
	history   []string
	lastState string
	lastConn  string
	changed   chan struct{}
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, changed: make(chan struct{})}
}

func connToken(name string) string { return "conn:" + name }

func (p *printer) StateChanged(s session.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	grew := false
	if st := s.State.String(); st != p.lastState {
		p.lastState = st
		p.history = append(p.history, st)
		grew = true
		if s.State == session.Errored {
			fmt.Fprintf(p.out, "state: %s (%s)\n", st, s.Reason)
		} else {
			fmt.Fprintf(p.out, "state: %s\n", st)
		}
	}
	if s.Connection != "" && s.Connection != p.lastConn {
		p.lastConn = s.Connection
		p.history = append(p.history, connToken(s.Connection))
		grew = true
		fmt.Fprintf(p.out, "connection: %s\n", s.Connection)
	}
	if grew {
		close(p.changed)
		p.changed = make(chan struct{})
	}
}

func (p *printer) Transcript(e session.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s: %s\n", e.Speaker, e.Text)
}

func (p *printer) Notice(n string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "notice: %s\n", n)
}

func (*printer) Level(float64) {}

// mark returns the current position in the history.
func (p *printer) mark() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// waitFor blocks until token appears in the history at or after from, or
// the timeout passes. It returns the position just past the match.
func (p *printer) waitFor(token string, from int, timeout time.Duration) (int, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		p.mu.Lock()
		for i := from; i < len(p.history); i++ {
			if p.history[i] == token {
				p.mu.Unlock()
				return i + 1, true
			}
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return from, false
		}
	}
}
