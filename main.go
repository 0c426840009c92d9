package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"casey/audio"
	"casey/auth"
	"casey/beep"
	"casey/capture"
	"casey/channel"
	"casey/config"
	"casey/doctor"
	"casey/hotkey"
	"casey/log"
	"casey/metrics"
	"casey/session"
	"casey/settings"
	"casey/shutdown"
	"casey/speech"
	"casey/status"
	"casey/tts"
)

var version = "dev"

var errNoVoice = errors.New("no speech synthesis configured (set OPENAI_API_KEY)")

// silentEngine stands in when no synthesizer is configured; every reply
// fails playback and stays on screen as text.
type silentEngine struct{}

func (silentEngine) Speak(context.Context, string, settings.VoiceProfile) error { return errNoVoice }

func run() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if cfg.Version {
		fmt.Printf("casey %s\n", version)
		os.Exit(0)
	}
	os.Exit(start(cfg))
}

func initCrashLog() {
	path := filepath.Join(log.Dir(), "crash_log.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(f, debug.CrashOptions{})
}

func start(cfg config.Config) int {
	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	} else {
		initCrashLog()
	}
	defer log.Close()

	root, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	ctx, stop := shutdown.Context(root)
	defer stop()

	actx, err := openAudio(cfg.Script, cfg.Args)
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Fprintf(os.Stderr, "Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	device, err := pickDevice(actx, cfg)
	if errors.Is(err, audio.ErrPickCancelled) {
		return 130
	}
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: %v; using the system default microphone\n", err)
	}

	var synth tts.Synthesizer
	switch {
	case cfg.OpenAIKey != "":
		synth = tts.NewOpenAI(cfg.OpenAIKey, tts.WithURL(cfg.TTSURL), tts.WithModel(cfg.TTSModel))
	case cfg.Script:
		synth = &tts.Fake{}
	}

	if cfg.Doctor {
		return doctor.Run(ctx, doctor.Options{
			ServerURL: cfg.ServerURL,
			Cookie:    cfg.Cookie,
			Audio:     actx,
			Device:    device,
			Synth:     synth,
			Voice:     cfg.Voice.VoiceID,
			Hotkey:    cfg.Hotkey,
			Out:       os.Stdout,
		})
	}

	mets := metrics.New()
	store := settings.NewMemory(cfg.Voice)

	var engine speech.Engine = silentEngine{}
	if synth != nil {
		player, err := actx.NewPlayer()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing playback: %v\n", err)
			return 1
		}
		engine = &speech.SynthEngine{Synth: synth, Player: player}
	} else {
		log.Warn("OPENAI_API_KEY not set; replies will be shown but not spoken")
	}
	ctrl := speech.NewController(engine, nil, mets)
	defer ctrl.Close()

	var authn auth.Authenticator = auth.Static(true)
	var remote *auth.Remote
	if !cfg.NoAuth {
		remote = auth.NewRemote(cfg.ServerURL, cfg.Cookie)
		authn = remote
	}

	projector, tuiObs, scriptObs := projectors(cfg.Script)
	observers := fanout{projector}
	if !cfg.Quiet {
		if out, err := actx.NewPlayer(); err == nil {
			observers = append(observers, &cues{player: beep.New(out)})
		}
	}

	m := session.New(session.Config{
		Capture: &capture.Pipeline{
			Audio:     actx,
			Device:    device,
			Format:    cfg.Format,
			ChunkCap:  cfg.ChunkCap,
			MinFrames: capture.FramesFor(cfg.MinTalk),
		},
		Speech:   ctrl,
		Auth:     authn,
		Settings: store,
		Observer: observers,
		Metrics:  mets,
		Modality: cfg.Modality,
		Guard:    cfg.Guard,
		Format:   cfg.Format,
	})
	ctrl.SetListener(m)

	ch := channel.New(channel.Config{
		URL:         cfg.ServerURL,
		Header:      auth.CookieHeader(cfg.Cookie),
		AckTimeout:  cfg.AckTimeout,
		MaxAttempts: cfg.MaxAttempts,
	}, &connHandler{Handler: m, remote: remote, observer: observers})
	m.SetSender(ch)

	sessionID := uuid.NewString()
	log.SessionStart(sessionID, cfg.ServerURL, cfg.Format, cfg.Modality.String())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := m.Run(ctx); err != nil {
			log.Errorf("session: %v", err)
		}
	}()
	go func() {
		if err := ch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("connection: %v", err)
			cancel(err)
		}
	}()

	if cfg.DebugAddr != "" {
		srv := status.New(m.Snapshot, store, mets)
		go func() {
			if err := srv.Serve(ctx, cfg.DebugAddr); err != nil {
				log.Errorf("debug server: %v", err)
			}
		}()
	}

	if cfg.Hotkey {
		hk := hotkey.New()
		if err := hk.Register(); err != nil {
			log.Errorf("hotkey register error: %v", err)
			fmt.Fprintf(os.Stderr, "Warning: global hotkey unavailable: %v\n", err)
		} else {
			defer hk.Unregister()
			go hotkey.Drive(ctx, hk, m, cfg.Hybrid, cfg.LongPress)
		}
	}

	var runErr error
	if cfg.Script {
		runErr = runScript(ctx, machineDriver{m}, scriptObs, os.Stdin)
	} else {
		runErr = runTUI(ctx, machineDriver{m}, tuiObs, deviceName(device), m.Snapshot())
	}
	cause := context.Cause(root)
	stop()
	cancel(nil)
	<-done

	if cause != nil {
		runErr = errors.Join(runErr, cause)
	}
	if runErr != nil {
		log.Errorf("exit: %v", runErr)
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}

func projectors(script bool) (session.Observer, *tuiObserver, *printer) {
	if script {
		p := newPrinter(os.Stdout)
		return p, nil, p
	}
	o := newTUIObserver()
	return o, o, nil
}

// openAudio returns the system audio backend, or in script mode with a WAV
// argument, a fake microphone replaying that file in real time.
func openAudio(script bool, args []string) (audio.Context, error) {
	if script && len(args) > 0 {
		return audio.NewFakeContext(args[0], true)
	}
	return audio.NewContext()
}

func pickDevice(actx audio.Context, cfg config.Config) (*audio.DeviceInfo, error) {
	switch {
	case cfg.Setup && !cfg.Script:
		return audio.PickDevice(actx, cfg.Device)
	case cfg.Device != "":
		return audio.FindDevice(actx, cfg.Device)
	}
	return nil, nil
}

func deviceName(d *audio.DeviceInfo) string {
	if d == nil {
		return "system default"
	}
	if audio.IsBluetooth(d.Name) {
		return d.Name + " (BT!)"
	}
	return d.Name
}

// connHandler refreshes the sign-in status each time the connection comes
// up, before the session hears about it.
type connHandler struct {
	channel.Handler
	remote   *auth.Remote
	observer session.Observer
}

func (h *connHandler) HandleState(state channel.State, err error) {
	if state == channel.Connected && h.remote != nil {
		go h.refresh()
	}
	h.Handler.HandleState(state, err)
}

func (h *connHandler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := h.remote.Check(ctx)
	switch {
	case err != nil:
		log.Warnf("auth check failed: %v", err)
	case !st.Authenticated:
		log.Warn("auth check: signed out")
		h.observer.Notice("Please log in to talk to Casey.")
	default:
		log.Infof("auth check: signed in as %s", st.Name)
	}
}
