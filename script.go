package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"casey/channel"
	"casey/log"
	"casey/session"
)

const defaultWait = 20 * time.Second

// driver is the subset of the session a script can poke.
type driver interface {
	PressTalk()
	StopTalk()
	CancelPlayback()
	SetModality(session.Modality)
	Submit(text string) error
}

type machineDriver struct{ *session.Machine }

func (d machineDriver) Submit(text string) error { return d.Text().Submit(text) }

var waitTokens = map[string]string{}

func init() {
	for _, c := range []channel.State{channel.Disconnected, channel.Connecting, channel.Connected, channel.Erroring} {
		waitTokens[c.String()] = connToken(c.String())
	}
	// session states win where names collide
	for _, s := range []session.State{session.Paused, session.UserTalking, session.AgentThinking, session.AgentSpeaking, session.Errored} {
		waitTokens[s.String()] = s.String()
	}
}

// runScript drives a session from line commands:
//
//	TALK | STOP | CANCEL | TEXT <message> | MODE voice|text
//	WAIT <state|connection> [timeout] | SLEEP <ms> | QUIT
//
// WAIT matches any state or connection change since the previous WAIT, so
// a script does not race the session. A WAIT that times out ends the script with an error.
func runScript(ctx context.Context, d driver, p *printer, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	seen := p.mark()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		log.Info("script: " + line)

		switch strings.ToUpper(cmd) {
		case "TALK":
			d.PressTalk()
		case "STOP":
			d.StopTalk()
		case "CANCEL":
			d.CancelPlayback()
		case "TEXT":
			if err := d.Submit(arg); err != nil && !errors.Is(err, session.ErrEmptyText) {
				return err
			}
		case "MODE":
			mod, err := session.ParseModality(arg)
			if err != nil {
				return err
			}
			d.SetModality(mod)
		case "WAIT":
			name, timeoutArg, _ := strings.Cut(arg, " ")
			want, ok := waitTokens[strings.ToLower(name)]
			if !ok {
				return fmt.Errorf("script: unknown state %q", name)
			}
			timeout := defaultWait
			if timeoutArg != "" {
				dur, err := time.ParseDuration(strings.TrimSpace(timeoutArg))
				if err != nil {
					return fmt.Errorf("script: WAIT timeout: %w", err)
				}
				timeout = dur
			}
			next, ok := p.waitFor(want, seen, timeout)
			if !ok {
				return fmt.Errorf("script: timed out after %s waiting for %s", timeout, name)
			}
			seen = next
		case "SLEEP":
			ms, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("script: SLEEP wants milliseconds: %w", err)
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil
			}
		case "QUIT":
			return nil
		default:
			return fmt.Errorf("script: unknown command %q", cmd)
		}
	}
	return scanner.Err()
}
