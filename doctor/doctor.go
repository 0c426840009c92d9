// Package doctor checks everything a session depends on and reports each
// result on its own line.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"casey/audio"
	"casey/auth"
	"casey/capture"
	"casey/channel"
	"casey/clipboard"
	"casey/encoder"
	"casey/hotkey"
	"casey/tts"
)

var errSkipped = errors.New("skipped")

type Options struct {
	ServerURL string
	Cookie    string
	// Audio and Synth are optional; their checks are skipped when nil.
	Audio  audio.Context
	Device *audio.DeviceInfo
	Synth  tts.Synthesizer
	Voice  string
	Hotkey bool

	Listen  time.Duration // microphone sample length
	Timeout time.Duration // per network check
	Out     io.Writer
}

type check struct {
	name string
	run  func(ctx context.Context, o Options) (string, error)
}

var checks = []check{
	{"Microphone", checkMic},
	{"Server sign-in", checkAuth},
	{"Realtime connection", checkConnection},
	{"Speech synthesis", checkSpeech},
	{"Hotkey", checkHotkey},
	{"Clipboard", checkClipboard},
}

// Run executes every check and returns an exit code (0 all pass or skip,
// 1 any fail).
func Run(ctx context.Context, o Options) int {
	if o.Listen <= 0 {
		o.Listen = 2 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Out == nil {
		o.Out = io.Discard
	}

	fmt.Fprintln(o.Out, "casey doctor - system diagnostics")
	fmt.Fprintln(o.Out, "=================================")

	failed := 0
	for i, c := range checks {
		fmt.Fprintf(o.Out, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		detail, err := c.run(ctx, o)
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(o.Out, "  SKIP: %s\n", detail)
		case err != nil:
			failed++
			fmt.Fprintf(o.Out, "  FAIL: %v\n", err)
		default:
			fmt.Fprintf(o.Out, "  PASS: %s\n", detail)
		}
	}

	fmt.Fprintln(o.Out)
	if failed > 0 {
		fmt.Fprintf(o.Out, "%d check(s) failed. See details above.\n", failed)
		return 1
	}
	fmt.Fprintln(o.Out, "All checks passed!")
	return 0
}

func checkMic(ctx context.Context, o Options) (string, error) {
	if o.Audio == nil {
		return "no audio backend", errSkipped
	}
	var (
		mu    sync.Mutex
		peak  float64
		bytes int
	)
	p := &capture.Pipeline{Audio: o.Audio, Device: o.Device, Format: encoder.FormatPCM16}
	rec, err := p.Begin(ctx, capture.Hooks{
		Emit: func(m capture.Message) error {
			mu.Lock()
			bytes += len(m.Payload)
			mu.Unlock()
			return nil
		},
		Level: func(l float64) {
			mu.Lock()
			peak = max(peak, l)
			mu.Unlock()
		},
	})
	if errors.Is(err, audio.ErrPermissionDenied) {
		return "", fmt.Errorf("microphone access denied; allow it in system settings: %w", err)
	}
	if err != nil {
		return "", err
	}

	t := time.NewTimer(o.Listen)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		rec.Abort()
		return "", ctx.Err()
	}
	if err := rec.Stop(); err != nil {
		return "", fmt.Errorf("%s: %w", rec.DeviceName(), err)
	}

	st := rec.Stats()
	mu.Lock()
	defer mu.Unlock()
	detail := fmt.Sprintf("%s: %.1fs captured (%d bytes), peak level %.2f", st.DeviceName, st.Duration().Seconds(), bytes, peak)
	if peak < 0.02 {
		detail += " (no voice detected, check input volume)"
	}
	return detail, nil
}

func checkAuth(ctx context.Context, o Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	st, err := auth.NewRemote(o.ServerURL, o.Cookie).Check(ctx)
	if err != nil {
		return "", err
	}
	if !st.Authenticated {
		return "", errors.New("signed out; sign in on the web app and pass its session cookie with -cookie")
	}
	if st.Name == "" {
		return "signed in", nil
	}
	return "signed in as " + st.Name, nil
}

type probe struct {
	once sync.Once
	up   chan struct{}
}

func (p *probe) HandleState(state channel.State, _ error) {
	if state == channel.Connected {
		p.once.Do(func() { close(p.up) })
	}
}

func (p *probe) HandleEvent(string, json.RawMessage) {}

func checkConnection(ctx context.Context, o Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()

	p := &probe{up: make(chan struct{})}
	ch := channel.New(channel.Config{
		URL:              o.ServerURL,
		Header:           auth.CookieHeader(o.Cookie),
		HandshakeTimeout: o.Timeout,
		MaxAttempts:      1,
	}, p)

	start := time.Now()
	runErr := make(chan error, 1)
	go func() { runErr <- ch.Run(ctx) }()

	select {
	case <-p.up:
		elapsed := time.Since(start)
		cancel()
		<-runErr
		return fmt.Sprintf("handshake in %dms", elapsed.Milliseconds()), nil
	case err := <-runErr:
		return "", err
	}
}

func checkSpeech(ctx context.Context, o Options) (string, error) {
	if o.Synth == nil {
		return "no synthesis key configured (set OPENAI_API_KEY)", errSkipped
	}
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	start := time.Now()
	a, err := o.Synth.Synthesize(ctx, tts.Request{Text: "Hi, I'm Casey.", VoiceID: o.Voice, Speed: 1})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%.1fs of audio in %dms", a.Duration(), time.Since(start).Milliseconds()), nil
}

func checkHotkey(_ context.Context, o Options) (string, error) {
	if !o.Hotkey {
		return "global hotkey not enabled (-hotkey)", errSkipped
	}
	return hotkey.Diagnose()
}

func checkClipboard(context.Context, Options) (string, error) {
	if !clipboard.Available() {
		return "no clipboard tool found; copying replies is disabled", errSkipped
	}
	return "available", nil
}
