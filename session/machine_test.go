package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"casey/audio"
	"casey/auth"
	"casey/capture"
	"casey/channel"
	"casey/channel/channeltest"
	"casey/encoder"
	"casey/message"
	"casey/metrics"
	"casey/speech"
	"casey/tts"
)

type observer struct {
	states  chan Snapshot
	notices chan string
	entries chan Entry
}

func newObserver() *observer {
	return &observer{
		states:  make(chan Snapshot, 512),
		notices: make(chan string, 64),
		entries: make(chan Entry, 64),
	}
}

func (o *observer) StateChanged(s Snapshot) { o.states <- s }
func (o *observer) Transcript(e Entry)      { o.entries <- e }
func (o *observer) Notice(n string)         { o.notices <- n }
func (o *observer) Level(float64)           {}

type opts struct {
	modality Modality
	guard    time.Duration
	auth     auth.Authenticator
	pcm      []byte
	noAck    bool
	playErr  error
}

type harness struct {
	srv     *channeltest.Server
	actx    *audio.FakeContext
	player  *audio.FakePlayer
	obs     *observer
	m       *Machine
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, o opts) *harness {
	t.Helper()
	srv := channeltest.NewServer()
	srv.NoAck = o.noAck
	t.Cleanup(srv.Close)

	if o.guard == 0 {
		o.guard = 5 * time.Second
	}
	if o.pcm == nil {
		o.pcm = tone(16000)
	}
	h := &harness{
		srv:     srv,
		actx:    audio.NewFakeContextPCM(o.pcm, false),
		player:  &audio.FakePlayer{Hold: true, Err: o.playErr},
		obs:     newObserver(),
		metrics: metrics.New(),
	}
	ctrl := speech.NewController(&speech.SynthEngine{Synth: &tts.Fake{}, Player: h.player}, nil, h.metrics)
	h.m = New(Config{
		Capture:  &capture.Pipeline{Audio: h.actx, Format: encoder.FormatPCM16, Cadence: 5 * time.Millisecond},
		Speech:   ctrl,
		Auth:     o.auth,
		Observer: h.obs,
		Metrics:  h.metrics,
		Modality: o.modality,
		Guard:    o.guard,
		Format:   encoder.FormatPCM16,
	})
	ctrl.SetListener(h.m)
	ch := channel.New(channel.Config{
		URL:         srv.URL,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  50 * time.Millisecond,
	}, h.m)
	h.m.SetSender(ch)

	ctx, cancel := context.WithCancel(context.Background())
	chDone := make(chan struct{})
	mDone := make(chan struct{})
	go func() { ch.Run(ctx); close(chDone) }()
	go func() { h.m.Run(ctx); close(mDone) }()
	t.Cleanup(func() {
		cancel()
		<-mDone
		<-chDone
		ctrl.Close()
	})

	waitFor(t, "connection", func() bool { return h.m.Snapshot().Connection == "connected" })
	return h
}

func tone(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := range samples {
		v := int16(2000)
		if (i/30)%2 == 1 {
			v = -2000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-h.obs.states:
			if s.State == want {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s (now %s)", want, h.m.Snapshot().State)
		}
	}
}

func (h *harness) waitNotice(t *testing.T, substr string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-h.obs.notices:
			if strings.Contains(n, substr) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notice containing %q", substr)
		}
	}
}

func (h *harness) waitEntry(t *testing.T) Entry {
	t.Helper()
	select {
	case e := <-h.obs.entries:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for transcript entry")
		return Entry{}
	}
}

func (h *harness) nextEvent(t *testing.T) channeltest.Received {
	t.Helper()
	select {
	case r := <-h.srv.Events():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("server received nothing")
		return channeltest.Received{}
	}
}

// finalAudio collects audio events up to the final one and returns the
// reassembled payload.
func (h *harness) finalAudio(t *testing.T) []byte {
	t.Helper()
	var all []byte
	for {
		r := h.nextEvent(t)
		if r.Name != message.EventAudio {
			t.Fatalf("server got %q, want audio", r.Name)
		}
		var msg message.AudioMessage
		if err := json.Unmarshal(r.Payload, &msg); err != nil {
			t.Fatalf("decode audio payload: %v", err)
		}
		if msg.Modality != message.ModalityAudio || msg.Format != encoder.FormatPCM16 {
			t.Errorf("audio message = %+v", msg)
		}
		b, err := msg.Decode()
		if err != nil {
			t.Fatalf("decode base64: %v", err)
		}
		all = append(all, b...)
		if !msg.IsChunk {
			return all
		}
	}
}

func (h *harness) respond(t *testing.T, content string) {
	t.Helper()
	err := h.srv.Emit(message.EventResponse, map[string]string{
		"type":    message.TypeTherapistResponse,
		"content": content,
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
}

func TestVoiceTurn(t *testing.T) {
	pcm := tone(16000)
	h := newHarness(t, opts{modality: Voice, pcm: pcm})

	h.m.PressTalk()
	h.waitState(t, UserTalking)
	h.m.StopTalk()
	h.waitState(t, AgentThinking)

	if got := h.finalAudio(t); !bytes.Equal(got, pcm) {
		t.Errorf("server reassembled %d bytes, want %d", len(got), len(pcm))
	}

	h.respond(t, "Hello")
	h.waitState(t, AgentSpeaking)
	if e := h.waitEntry(t); e.Speaker != SpeakerCasey || e.Text != "Hello" {
		t.Errorf("entry = %+v", e)
	}
	<-h.player.Started()
	h.player.Release()
	h.waitState(t, Paused)

	if got := h.m.Snapshot().LastReply; got != "Hello" {
		t.Errorf("LastReply = %q", got)
	}
	if h.actx.Opened() != 1 || h.actx.Released() != 1 {
		t.Errorf("mic opened %d, released %d", h.actx.Opened(), h.actx.Released())
	}
}

func TestTextTimeoutThenRetry(t *testing.T) {
	h := newHarness(t, opts{modality: Text, guard: 150 * time.Millisecond, noAck: true})

	if err := h.m.Text().Submit("I feel anxious"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	h.waitState(t, AgentThinking)
	if e := h.waitEntry(t); e.Speaker != SpeakerUser || e.Text != "I feel anxious" {
		t.Errorf("entry = %+v", e)
	}
	r := h.nextEvent(t)
	var msg message.TextMessage
	json.Unmarshal(r.Payload, &msg)
	if r.Name != message.EventMessage || msg.Message != "I feel anxious" || msg.Modality != message.ModalityText {
		t.Errorf("server got %s %+v", r.Name, msg)
	}

	s := h.waitState(t, Errored)
	if s.Reason != ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", s.Reason)
	}

	h.m.Text().Submit("I feel anxious")
	h.waitState(t, Paused)
	h.waitState(t, AgentThinking)
	if r := h.nextEvent(t); r.Name != message.EventMessage {
		t.Errorf("second send = %q", r.Name)
	}
}

func TestPermissionDeniedThenRetry(t *testing.T) {
	h := newHarness(t, opts{modality: Voice})
	h.actx.SetDenied(true)

	h.m.PressTalk()
	s := h.waitState(t, Errored)
	if s.Reason != ReasonPermission {
		t.Fatalf("reason = %q, want permission", s.Reason)
	}
	if h.actx.Opened() != 0 {
		t.Errorf("mic opened %d times after denial", h.actx.Opened())
	}

	h.actx.SetDenied(false)
	h.m.PressTalk()
	h.waitState(t, Paused)
	h.waitState(t, UserTalking)
	h.m.StopTalk()
	h.waitState(t, AgentThinking)
	if h.actx.Opened() != 1 || h.actx.Released() != 1 {
		t.Errorf("mic opened %d, released %d", h.actx.Opened(), h.actx.Released())
	}
}

func TestDisconnectWhileThinking(t *testing.T) {
	h := newHarness(t, opts{modality: Text, noAck: true})

	h.m.Text().Submit("hello?")
	h.waitState(t, AgentThinking)
	h.nextEvent(t)

	h.srv.DropAll()
	s := h.waitState(t, Errored)
	if s.Reason != ReasonConnection {
		t.Fatalf("reason = %q, want connection", s.Reason)
	}
	s = h.waitState(t, Paused)
	if s.Connection != "connected" {
		t.Errorf("connection = %q after reconnect", s.Connection)
	}

	// The old exchange is gone; a late reply is not applied.
	h.respond(t, "too late")
	time.Sleep(50 * time.Millisecond)
	if got := h.m.Snapshot(); got.State != Paused || got.LastReply != "" {
		t.Errorf("snapshot = %+v after stale reply", got)
	}
}

func TestGuardFiresOnce(t *testing.T) {
	h := newHarness(t, opts{modality: Voice, guard: 100 * time.Millisecond})

	h.m.PressTalk()
	h.waitState(t, UserTalking)
	s := h.waitState(t, Errored)
	if s.Reason != ReasonTimeout {
		t.Fatalf("reason = %q, want timeout", s.Reason)
	}
	waitFor(t, "mic release", func() bool { return h.actx.Released() == 1 })

	time.Sleep(300 * time.Millisecond)
	for len(h.obs.states) > 0 {
		if s := <-h.obs.states; s.State != Errored || s.Reason != ReasonTimeout {
			t.Errorf("unexpected transition after timeout: %+v", s)
		}
	}
	if h.actx.Released() != 1 {
		t.Errorf("mic released %d times", h.actx.Released())
	}
}

func TestEmptySubmitIsIgnored(t *testing.T) {
	h := newHarness(t, opts{modality: Text})
	before := h.m.Snapshot()

	for _, in := range []string{"", "   ", "\t\n"} {
		if err := h.m.Text().Submit(in); !errors.Is(err, ErrEmptyText) {
			t.Errorf("Submit(%q) error = %v, want ErrEmptyText", in, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	select {
	case r := <-h.srv.Events():
		t.Errorf("server got %q for empty input", r.Name)
	default:
	}
	if after := h.m.Snapshot(); after.State != Paused || after.Turn != before.Turn {
		t.Errorf("snapshot changed: %+v -> %+v", before, after)
	}
}

func TestTextReplyInTextMode(t *testing.T) {
	h := newHarness(t, opts{modality: Text})
	h.m.Text().Submit("hi")
	h.waitState(t, AgentThinking)
	h.nextEvent(t)
	h.respond(t, "Hi there")
	h.waitState(t, Paused)

	h.waitEntry(t)
	if e := h.waitEntry(t); e.Speaker != SpeakerCasey || e.Text != "Hi there" {
		t.Errorf("entry = %+v", e)
	}
	if len(h.player.Plays()) != 0 {
		t.Error("text mode reply was spoken")
	}
}

func TestTalkPressCancelsSpeech(t *testing.T) {
	h := newHarness(t, opts{modality: Voice})
	h.m.PressTalk()
	h.waitState(t, UserTalking)
	h.m.StopTalk()
	h.waitState(t, AgentThinking)
	h.respond(t, "Let's breathe together.")
	h.waitState(t, AgentSpeaking)
	<-h.player.Started()

	h.m.PressTalk()
	h.waitState(t, Paused)
	waitFor(t, "playback cancel", func() bool { return h.player.Cancelled() == 1 })
	if h.actx.Opened() != 1 {
		t.Errorf("talk press during speech opened the mic")
	}
}

func TestCancelPlayback(t *testing.T) {
	h := newHarness(t, opts{modality: Voice})
	h.m.PressTalk()
	h.m.StopTalk()
	h.waitState(t, AgentThinking)
	h.respond(t, "Hello")
	h.waitState(t, AgentSpeaking)
	<-h.player.Started()

	h.m.CancelPlayback()
	h.waitState(t, Paused)
	waitFor(t, "playback cancel", func() bool { return h.player.Cancelled() == 1 })
}

func TestPlaybackFailureReturnsToPaused(t *testing.T) {
	h := newHarness(t, opts{modality: Voice, playErr: errors.New("device gone")})
	h.m.PressTalk()
	h.m.StopTalk()
	h.waitState(t, AgentThinking)
	h.respond(t, "Hello")
	h.waitState(t, AgentSpeaking)
	h.waitNotice(t, "Couldn't play")
	h.waitState(t, Paused)
	if got := h.m.Snapshot().LastReply; got != "Hello" {
		t.Errorf("reply text lost: %q", got)
	}
}

func TestServerError(t *testing.T) {
	h := newHarness(t, opts{modality: Text})
	h.srv.Emit(message.EventError, map[string]string{"message": "model overloaded"})
	s := h.waitState(t, Errored)
	if s.Reason != ReasonServer || s.Detail != "model overloaded" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestModalitySwitch(t *testing.T) {
	h := newHarness(t, opts{modality: Voice, noAck: true})

	h.m.SetModality(Text)
	waitFor(t, "text modality", func() bool { return h.m.Snapshot().Modality == Text })

	h.m.PressTalk()
	h.waitNotice(t, "voice mode")

	h.m.Text().Submit("hi")
	h.waitState(t, AgentThinking)
	h.m.SetModality(Voice)
	h.waitNotice(t, "Can't switch")
	if got := h.m.Snapshot().Modality; got != Text {
		t.Errorf("modality = %s while thinking, want text", got)
	}
}

func TestUnauthenticatedActionsRefused(t *testing.T) {
	h := newHarness(t, opts{modality: Voice, auth: auth.Static(false)})

	h.m.PressTalk()
	h.waitNotice(t, "log in")
	h.m.Text().Submit("hello")
	h.waitNotice(t, "log in")

	if s := h.m.Snapshot(); s.State != Paused || s.Turn != 0 {
		t.Errorf("snapshot = %+v", s)
	}
	if h.actx.Opened() != 0 {
		t.Error("mic opened without auth")
	}
}

func TestStaleResponseDropped(t *testing.T) {
	h := newHarness(t, opts{modality: Text})
	h.respond(t, "unsolicited")
	time.Sleep(50 * time.Millisecond)
	select {
	case e := <-h.obs.entries:
		t.Errorf("stale response produced entry %+v", e)
	default:
	}
	if s := h.m.Snapshot(); s.State != Paused {
		t.Errorf("state = %s", s.State)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Reason
	}{
		{errors.Join(audio.ErrPermissionDenied, errors.New("pulse: access denied")), ReasonPermission},
		{capture.ErrEmptyCapture, ReasonEmpty},
		{errors.Join(ErrSend, channel.ErrNotConnected), ReasonNetwork},
		{errors.New("encoder exploded"), ReasonCapture},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestParseModality(t *testing.T) {
	for in, want := range map[string]Modality{"voice": Voice, "audio": Voice, "text": Text} {
		if got, err := ParseModality(in); err != nil || got != want {
			t.Errorf("ParseModality(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseModality("smoke"); err == nil {
		t.Error("ParseModality(smoke) succeeded")
	}
}
