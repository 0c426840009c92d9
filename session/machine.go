// Package session coordinates one conversation with Casey. A single loop
// goroutine owns the state; everything else posts events to it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"casey/audio"
	"casey/auth"
	"casey/capture"
	"casey/channel"
	"casey/log"
	"casey/message"
	"casey/metrics"
	"casey/settings"
)

const DefaultGuard = 15 * time.Second

var (
	// ErrSend wraps every failure to hand a message to the connection.
	ErrSend  = errors.New("session: send failed")
	errStale = errors.New("session: turn is over")
)

// Sender is the outbound half of the connection.
type Sender interface {
	Send(event string, payload any) (*channel.Call, error)
}

type Capturer interface {
	Begin(ctx context.Context, hooks capture.Hooks) (*capture.Recording, error)
}

type Speaker interface {
	Speak(text string, profile settings.VoiceProfile) string
	Cancel() bool
}

type Config struct {
	Capture  Capturer
	Speech   Speaker
	Auth     auth.Authenticator
	Settings settings.Store
	Observer Observer
	Metrics  *metrics.Metrics

	Modality Modality
	// Guard bounds UserTalking and AgentThinking.
	Guard time.Duration
	// Format names the audio encoding announced with each audio message.
	Format string
}

type Machine struct {
	cfg    Config
	obs    Observer
	sender Sender
	events chan any
	done   chan struct{}
	ctx    context.Context

	// loop-owned
	state      State
	reason     Reason
	detail     string
	modality   Modality
	conn       channel.State
	turn       uint64
	turns      int
	since      time.Time
	guardGen   uint64
	guard      *time.Timer
	rec        *capture.Recording
	stopQueued bool
	stopping   bool
	utterance  string
	lastReply  string

	liveTurn atomic.Uint64
	snap     atomic.Pointer[Snapshot]
	text     *TextChannel
}

func New(cfg Config) *Machine {
	if cfg.Guard <= 0 {
		cfg.Guard = DefaultGuard
	}
	if cfg.Auth == nil {
		cfg.Auth = auth.Static(true)
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.NewMemory(settings.DefaultVoiceProfile())
	}
	m := &Machine{
		cfg:      cfg,
		obs:      cfg.Observer,
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		modality: cfg.Modality,
		since:    time.Now(),
	}
	if m.obs == nil {
		m.obs = nopObserver{}
	}
	m.text = &TextChannel{m: m}
	m.publish()
	return m
}

// SetSender attaches the connection. It must be called before Run.
func (m *Machine) SetSender(s Sender) { m.sender = s }

// Text returns the typed-input channel.
func (m *Machine) Text() *TextChannel { return m.text }

func (m *Machine) Snapshot() Snapshot { return *m.snap.Load() }

type (
	pressTalk      struct{}
	stopTalk       struct{}
	cancelPlayback struct{}
	setModality    struct{ modality Modality }
	submitText     struct{ text string }
	connState      struct {
		state channel.State
		err   error
	}
	inbound struct {
		name string
		data json.RawMessage
	}
	captureBegun struct {
		turn uint64
		rec  *capture.Recording
		err  error
	}
	captureDone struct {
		turn  uint64
		err   error
		stats capture.Stats
	}
	captureFailed struct {
		turn uint64
		err  error
	}
	sendResult struct {
		turn    uint64
		event   string
		seq     int
		bytes   int
		partial bool
		ack     time.Duration
		reply   string
		err     error
	}
	guardExpired struct{ gen uint64 }
	playStarted  struct{ id string }
	playEnded    struct {
		id        string
		cancelled bool
	}
	playFailed struct {
		id  string
		err error
	}
)

func (m *Machine) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// PressTalk starts a voice turn. During playback it cancels speech instead.
func (m *Machine) PressTalk() { m.post(pressTalk{}) }

// StopTalk ends the recording and sends what was captured.
func (m *Machine) StopTalk() { m.post(stopTalk{}) }

func (m *Machine) CancelPlayback() { m.post(cancelPlayback{}) }

func (m *Machine) SetModality(mod Modality) { m.post(setModality{mod}) }

// HandleState implements channel.Handler.
func (m *Machine) HandleState(state channel.State, err error) { m.post(connState{state, err}) }

// HandleEvent implements channel.Handler.
func (m *Machine) HandleEvent(name string, data json.RawMessage) {
	m.post(inbound{name, data})
}

// PlaybackStarted implements speech.Listener.
func (m *Machine) PlaybackStarted(id string) { m.post(playStarted{id}) }

// PlaybackEnded implements speech.Listener.
func (m *Machine) PlaybackEnded(id string, cancelled bool) { m.post(playEnded{id, cancelled}) }

// PlaybackFailed implements speech.Listener.
func (m *Machine) PlaybackFailed(id string, err error) { m.post(playFailed{id, err}) }

// Run processes events until ctx is done, then releases the microphone and
// stops playback.
func (m *Machine) Run(ctx context.Context) error {
	if m.sender == nil {
		return errors.New("session: no sender attached")
	}
	m.ctx = ctx
	for {
		select {
		case <-ctx.Done():
			close(m.done)
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Machine) shutdown() {
	m.stopGuard()
	m.liveTurn.Store(0)
	if m.rec != nil {
		m.rec.Abort()
		m.rec = nil
	}
	if m.utterance != "" && m.cfg.Speech != nil {
		m.cfg.Speech.Cancel()
	}
	log.SessionEnd(m.turns)
}

func (m *Machine) handle(ev any) {
	switch ev := ev.(type) {
	case pressTalk:
		m.onPressTalk()
	case stopTalk:
		m.onStopTalk()
	case cancelPlayback:
		m.onCancelPlayback()
	case setModality:
		m.onSetModality(ev.modality)
	case submitText:
		m.onSubmitText(ev.text)
	case connState:
		m.onConnState(ev.state, ev.err)
	case inbound:
		m.onInbound(ev.name, ev.data)
	case captureBegun:
		m.onCaptureBegun(ev)
	case captureDone:
		m.onCaptureDone(ev)
	case captureFailed:
		if ev.turn == m.turn && m.state == UserTalking {
			m.rec = nil
			m.fail(classify(ev.err), ev.err.Error())
		}
	case sendResult:
		m.onSendResult(ev)
	case guardExpired:
		if ev.gen == m.guardGen && m.state.guarded() {
			m.fail(ReasonTimeout, "")
		}
	case playStarted:
		log.Infof("playback_started utterance=%s", ev.id)
	case playEnded:
		if ev.id == m.utterance && m.state == AgentSpeaking {
			m.utterance = ""
			m.transition(Paused, "", "")
		}
	case playFailed:
		if ev.id == m.utterance && m.state == AgentSpeaking {
			m.utterance = ""
			m.obs.Notice("Couldn't play Casey's reply; it's shown above.")
			m.transition(Paused, "", "")
		}
	}
}

// userAction applies the checks shared by every user-initiated action. It
// clears an error, which is how errors are dismissed.
func (m *Machine) userAction() bool {
	if !m.cfg.Auth.IsAuthenticated() {
		m.obs.Notice("Please log in to talk to Casey.")
		return false
	}
	if m.state == Errored {
		m.transition(Paused, "", "")
	}
	return true
}

func (m *Machine) onPressTalk() {
	if !m.userAction() {
		return
	}
	switch m.state {
	case AgentSpeaking:
		m.stopSpeech()
		m.transition(Paused, "", "")
		return
	case UserTalking:
		return
	case AgentThinking:
		m.obs.Notice("Casey is thinking...")
		return
	}
	if m.modality != Voice {
		m.obs.Notice("Switch to voice mode to talk.")
		return
	}
	if m.conn != channel.Connected {
		m.obs.Notice("Not connected to Casey yet.")
		return
	}
	if m.cfg.Capture == nil {
		m.obs.Notice("No microphone configured.")
		return
	}

	m.turn++
	m.turns++
	turn := m.turn
	m.stopQueued = false
	m.stopping = false
	m.transition(UserTalking, "", "")

	onSilence := func(quiet bool) {
		if quiet && m.liveTurn.Load() == turn {
			m.obs.Notice("No voice detected. Check your microphone.")
		}
	}
	hooks := capture.Hooks{
		Emit:    func(msg capture.Message) error { return m.emitAudio(turn, msg) },
		Fail:    func(err error) { m.post(captureFailed{turn, err}) },
		Level:   m.obs.Level,
		Silence: onSilence,
	}
	go func() {
		rec, err := m.cfg.Capture.Begin(m.ctx, hooks)
		m.post(captureBegun{turn, rec, err})
	}()
}

func (m *Machine) onCaptureBegun(ev captureBegun) {
	if ev.turn != m.turn || m.state != UserTalking {
		if ev.rec != nil {
			go ev.rec.Abort()
		}
		return
	}
	if ev.err != nil {
		m.fail(classify(ev.err), ev.err.Error())
		return
	}
	m.rec = ev.rec
	if m.stopQueued {
		m.stopRecording()
	}
}

func (m *Machine) onStopTalk() {
	if m.state != UserTalking || m.stopping {
		return
	}
	if m.rec == nil {
		m.stopQueued = true
		return
	}
	m.stopRecording()
}

func (m *Machine) stopRecording() {
	rec, turn := m.rec, m.turn
	m.stopping = true
	go func() {
		err := rec.Stop()
		m.post(captureDone{turn, err, rec.Stats()})
	}()
}

func (m *Machine) onCaptureDone(ev captureDone) {
	if ev.turn != m.turn || m.state != UserTalking {
		return
	}
	m.rec = nil
	m.stopping = false
	log.CaptureMetrics(log.CaptureData{
		Turn:       ev.turn,
		AudioS:     ev.stats.Duration().Seconds(),
		EncodedKB:  float64(ev.stats.Bytes) / 1024,
		Messages:   ev.stats.Messages,
		EncodeMs:   float64(ev.stats.EncodeTime.Microseconds()) / 1000,
		Format:     ev.stats.Format,
		DeviceName: ev.stats.DeviceName,
	})
	switch {
	case ev.err == nil:
		m.transition(AgentThinking, "", "")
	case errors.Is(ev.err, capture.ErrAborted):
	default:
		m.fail(classify(ev.err), ev.err.Error())
	}
}

func (m *Machine) emitAudio(turn uint64, msg capture.Message) error {
	if m.liveTurn.Load() != turn {
		return errStale
	}
	payload := message.NewAudio(msg.Payload, msg.Partial, m.cfg.Format)
	call, err := m.sender.Send(message.EventAudio, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	m.cfg.Metrics.AddAudioBytes(len(msg.Payload))
	go m.awaitAck(call, sendResult{turn: turn, event: message.EventAudio, seq: msg.Seq, bytes: len(msg.Payload), partial: msg.Partial})
	return nil
}

func (m *Machine) awaitAck(call *channel.Call, res sendResult) {
	<-call.Done()
	res.ack = time.Since(call.Sent)
	res.reply = string(call.Reply())
	if err := call.Err(); err != nil {
		res.err = fmt.Errorf("%w: %w", ErrSend, err)
	}
	m.post(res)
}

func (m *Machine) onSendResult(ev sendResult) {
	outcome := "acked"
	if ev.err != nil {
		outcome = "failed"
		if errors.Is(ev.err, channel.ErrAckTimeout) {
			outcome = "timeout"
		}
	}
	m.cfg.Metrics.ObserveSend(ev.event, outcome, ev.ack)
	log.SendResult(log.SendData{
		Event:   ev.event,
		Turn:    ev.turn,
		Seq:     ev.seq,
		Bytes:   ev.bytes,
		Partial: ev.partial,
		AckMs:   float64(ev.ack.Microseconds()) / 1000,
		Reply:   ev.reply,
		Err:     ev.err,
	})
	if ev.err == nil || ev.turn != m.turn || !m.state.guarded() {
		return
	}
	// Pending calls fail before the channel reports the drop itself.
	if errors.Is(ev.err, channel.ErrDisconnected) {
		m.fail(ReasonConnection, ev.err.Error())
		return
	}
	m.fail(ReasonNetwork, ev.err.Error())
}

func (m *Machine) onSubmitText(text string) {
	if !m.userAction() {
		return
	}
	if m.state != Paused {
		m.obs.Notice("Wait for Casey to finish first.")
		return
	}
	if m.conn != channel.Connected {
		m.obs.Notice("Not connected to Casey yet.")
		return
	}

	m.turn++
	m.turns++
	turn := m.turn
	m.addEntry(SpeakerUser, text)
	m.transition(AgentThinking, "", "")

	go func() {
		call, err := m.sender.Send(message.EventMessage, message.NewText(text))
		if err != nil {
			m.post(sendResult{turn: turn, event: message.EventMessage, bytes: len(text), err: fmt.Errorf("%w: %w", ErrSend, err)})
			return
		}
		m.awaitAck(call, sendResult{turn: turn, event: message.EventMessage, bytes: len(text)})
	}()
}

func (m *Machine) onCancelPlayback() {
	if m.state != AgentSpeaking {
		return
	}
	m.stopSpeech()
	m.transition(Paused, "", "")
}

func (m *Machine) onSetModality(mod Modality) {
	if mod == m.modality {
		return
	}
	if !m.userAction() {
		return
	}
	if m.state != Paused {
		m.obs.Notice(fmt.Sprintf("Can't switch to %s mode while %s.", mod, describe(m.state)))
		return
	}
	m.abortRecording()
	m.stopSpeech()
	m.modality = mod
	log.Infof("modality=%s", mod)
	m.publish()
	m.obs.StateChanged(m.Snapshot())
}

func (m *Machine) onConnState(state channel.State, err error) {
	prev := m.conn
	m.conn = state
	m.cfg.Metrics.ObserveConnection(state.String())

	switch state {
	case channel.Connected:
		if m.state != Paused {
			// Reconnected: anything in flight belongs to the old connection.
			m.abortRecording()
			m.stopSpeech()
			m.transition(Paused, "", "")
			return
		}
	case channel.Disconnected, channel.Erroring:
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		if m.state.guarded() {
			m.fail(ReasonConnection, detail)
			return
		}
		if prev == channel.Connected {
			m.obs.Notice("Connection to Casey lost; reconnecting...")
		} else if state == channel.Erroring && prev != channel.Erroring && detail != "" {
			m.obs.Notice("Can't reach Casey: " + detail)
		}
	}
	m.publish()
	m.obs.StateChanged(m.Snapshot())
}

func (m *Machine) onInbound(name string, data json.RawMessage) {
	in, err := message.ParseInbound(name, data)
	if err != nil {
		log.Warnf("inbound %s dropped: %v", name, err)
		return
	}
	switch in := in.(type) {
	case message.ServerError:
		m.fail(ReasonServer, in.Message)
	case message.TherapistResponse:
		if m.state != AgentThinking {
			log.Warnf("response dropped in state %s", m.state)
			return
		}
		m.cfg.Metrics.ObserveResponse(time.Since(m.since))
		m.lastReply = in.Content
		m.addEntry(SpeakerCasey, in.Content)
		if m.modality == Voice && m.cfg.Speech != nil {
			m.transition(AgentSpeaking, "", "")
			m.utterance = m.cfg.Speech.Speak(in.Content, m.cfg.Settings.VoiceProfile())
			return
		}
		m.transition(Paused, "", "")
	}
}

func (m *Machine) addEntry(speaker, text string) {
	log.Entry(speaker, m.turn, utf8.RuneCountInString(text))
	m.obs.Transcript(Entry{Speaker: speaker, Text: text, At: time.Now()})
}

// fail enters Errored, force-stopping capture and playback.
func (m *Machine) fail(reason Reason, detail string) {
	m.abortRecording()
	m.stopSpeech()
	m.cfg.Metrics.ObserveError(string(reason))
	m.transition(Errored, reason, detail)
}

func (m *Machine) abortRecording() {
	m.stopQueued = false
	m.stopping = false
	if m.rec == nil {
		return
	}
	go m.rec.Abort()
	m.rec = nil
}

func (m *Machine) stopSpeech() {
	if m.utterance == "" {
		return
	}
	m.utterance = ""
	if m.cfg.Speech != nil {
		m.cfg.Speech.Cancel()
	}
}

func (m *Machine) stopGuard() {
	m.guardGen++
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
}

// transition is the only place state changes. It cancels the previous
// guard and installs a new one for guarded states.
func (m *Machine) transition(to State, reason Reason, detail string) {
	from := m.state
	m.stopGuard()
	m.state, m.reason, m.detail = to, reason, detail
	m.since = time.Now()

	if to.guarded() {
		gen := m.guardGen
		m.guard = time.AfterFunc(m.cfg.Guard, func() { m.post(guardExpired{gen}) })
		m.liveTurn.Store(m.turn)
	} else {
		m.liveTurn.Store(0)
	}

	log.StateChange(from.String(), to.String(), string(reason), m.turn)
	m.cfg.Metrics.ObserveTransition(from.String(), to.String())
	m.publish()
	m.obs.StateChanged(m.Snapshot())
}

func (m *Machine) publish() {
	m.snap.Store(&Snapshot{
		State:      m.state,
		Reason:     m.reason,
		Detail:     m.detail,
		Modality:   m.modality,
		Connection: m.conn.String(),
		Turn:       m.turn,
		Since:      m.since,
		LastReply:  m.lastReply,
	})
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return ReasonPermission
	case errors.Is(err, capture.ErrEmptyCapture):
		return ReasonEmpty
	case errors.Is(err, ErrSend):
		return ReasonNetwork
	default:
		return ReasonCapture
	}
}

func describe(s State) string {
	switch s {
	case UserTalking:
		return "recording"
	case AgentThinking:
		return "Casey is thinking"
	case AgentSpeaking:
		return "Casey is speaking"
	default:
		return s.String()
	}
}
