// Package capture records one utterance from the microphone and hands it
// out as an ordered series of encoded messages.
package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"casey/audio"
	"casey/encoder"
)

const (
	DefaultChunkCap = 1 << 20
	DefaultCadence  = time.Second
)

var (
	ErrEmptyCapture = errors.New("capture: no audio captured")
	ErrAborted      = errors.New("capture: aborted")
)

// Message is one flush of the capture buffer. Partial is false only for the
// last message of a recording.
type Message struct {
	Payload []byte
	Partial bool
	Seq     int
}

// Hooks connect a recording to its owner. Emit is called from a single
// goroutine, in Seq order. Fail reports a failure that happened while
// recording; failures during Stop are returned by Stop instead. Level and
// Silence are optional; Silence(true) means the last few seconds held no
// speech and Silence(false) that speech resumed.
type Hooks struct {
	Emit    func(Message) error
	Fail    func(error)
	Level   func(float64)
	Silence func(quiet bool)
}

type Pipeline struct {
	Audio    audio.Context
	Device   *audio.DeviceInfo
	Format   string
	ChunkCap int
	Cadence  time.Duration
	// MinFrames treats a first message shorter than this as an accidental
	// tap and reports ErrEmptyCapture. Zero only rejects recordings with no
	// audio at all.
	MinFrames uint64
}

func (p *Pipeline) withDefaults() Pipeline {
	c := *p
	if c.Format == "" {
		c.Format = encoder.FormatFLAC
	}
	if c.ChunkCap <= 0 {
		c.ChunkCap = DefaultChunkCap
	}
	if c.Cadence <= 0 {
		c.Cadence = DefaultCadence
	}
	return c
}

// Stats summarizes a finished recording.
type Stats struct {
	Frames     uint64
	Bytes      int
	Messages   int
	EncodeTime time.Duration
	Format     string
	DeviceName string
}

// FramesFor converts a recording length to a frame count at the encoder's
// sample rate.
func FramesFor(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d.Seconds() * encoder.SampleRate)
}

func (s Stats) Duration() time.Duration {
	return time.Duration(float64(s.Frames) / encoder.SampleRate * float64(time.Second))
}

type Recording struct {
	cfg   Pipeline
	hooks Hooks
	dev   audio.CaptureDevice
	enc   encoder.Encoder

	ctx    context.Context
	cancel context.CancelFunc
	detach func() bool

	// device callback side
	feedMu    sync.Mutex
	sampleBuf []int16
	released  bool
	silence   silenceMonitor

	blockChan  chan []int16
	encodeDone chan struct{}
	tickStop   chan struct{}
	tickDone   chan struct{}
	emitCh     chan Message
	emitDone   chan struct{}

	// buffer side
	bufMu    sync.Mutex
	chunks   [][]byte
	buffered int
	seq      int
	sent     int

	errMu    sync.Mutex
	err      error
	stopping bool

	releaseOnce sync.Once
	finishOnce  sync.Once
	result      error
}

// Begin acquires the microphone and starts recording. A refused device is
// reported as an error wrapping audio.ErrPermissionDenied; nothing is left
// open in that case.
func (p *Pipeline) Begin(ctx context.Context, hooks Hooks) (*Recording, error) {
	cfg := p.withDefaults()
	enc, err := encoder.New(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	dev, err := cfg.Audio.NewCapture(cfg.Device, audio.CaptureConfig{
		SampleRate: encoder.SampleRate,
		Channels:   encoder.Channels,
	})
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("capture: open device: %w", err)
	}

	r := &Recording{
		cfg:        cfg,
		hooks:      hooks,
		dev:        dev,
		enc:        enc,
		blockChan:  make(chan []int16, 64),
		encodeDone: make(chan struct{}),
		tickStop:   make(chan struct{}),
		tickDone:   make(chan struct{}),
		emitCh:     make(chan Message, 16),
		emitDone:   make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	dev.SetCallback(r.feed)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		enc.Close()
		r.cancel()
		return nil, fmt.Errorf("capture: start: %w", err)
	}

	r.watch(ctx)
	go r.encodeLoop()
	go r.tickLoop()
	go r.emitLoop()
	return r, nil
}

// watch aborts the recording when ctx is done. A recording that already
// finished drops the registration straight away.
func (r *Recording) watch(ctx context.Context) {
	stop := context.AfterFunc(ctx, r.Abort)
	r.errMu.Lock()
	r.detach = stop
	finished := r.stopping
	r.errMu.Unlock()
	if finished {
		stop()
	}
}

// DeviceName returns the name of the device being recorded.
func (r *Recording) DeviceName() string { return r.dev.DeviceName() }

func (r *Recording) feed(data []byte, _ uint32) {
	if len(data) < 2 {
		return
	}
	r.feedMu.Lock()
	if r.released {
		r.feedMu.Unlock()
		return
	}
	for i := 0; i+1 < len(data); i += 2 {
		r.sampleBuf = append(r.sampleBuf, int16(binary.LittleEndian.Uint16(data[i:])))
	}
	var blocks [][]int16
	for len(r.sampleBuf) >= encoder.BlockSize {
		block := make([]int16, encoder.BlockSize)
		copy(block, r.sampleBuf[:encoder.BlockSize])
		r.sampleBuf = r.sampleBuf[encoder.BlockSize:]
		blocks = append(blocks, block)
	}
	var events []silenceEvent
	for _, block := range blocks {
		r.blockChan <- block
		if ev := r.silence.tick(blockLevel(block)); ev != silenceNone {
			events = append(events, ev)
		}
	}
	r.feedMu.Unlock()

	if r.hooks.Level != nil {
		r.hooks.Level(audio.Level(data))
	}
	if r.hooks.Silence != nil {
		for _, ev := range events {
			r.hooks.Silence(ev == silenceWarn)
		}
	}
}

func (r *Recording) encodeLoop() {
	defer close(r.encodeDone)
	for block := range r.blockChan {
		if r.ctx.Err() != nil {
			continue
		}
		start := time.Now()
		if err := r.enc.EncodeBlock(block); err != nil {
			r.fail(fmt.Errorf("capture: encode: %w", err))
			continue
		}
		r.enc.AddEncodeTime(time.Since(start))
	}
}

func (r *Recording) tickLoop() {
	defer close(r.tickDone)
	ticker := time.NewTicker(r.cfg.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-r.tickStop:
			return
		case <-ticker.C:
			r.onChunk(r.enc.Drain())
		}
	}
}

func (r *Recording) emitLoop() {
	defer close(r.emitDone)
	for msg := range r.emitCh {
		if r.ctx.Err() != nil {
			continue
		}
		if err := r.hooks.Emit(msg); err != nil {
			r.fail(fmt.Errorf("capture: emit chunk %d: %w", msg.Seq, err))
			continue
		}
		r.bufMu.Lock()
		r.sent += len(msg.Payload)
		r.bufMu.Unlock()
	}
}

// onChunk appends encoded bytes and flushes a partial message once the
// buffer reaches the cap.
func (r *Recording) onChunk(data []byte) {
	if len(data) == 0 {
		return
	}
	r.bufMu.Lock()
	r.chunks = append(r.chunks, data)
	r.buffered += len(data)
	var msg *Message
	if r.buffered >= r.cfg.ChunkCap {
		m := r.flushLocked(true)
		msg = &m
	}
	r.bufMu.Unlock()
	if msg != nil {
		r.emitCh <- *msg
	}
}

func (r *Recording) flushLocked(partial bool) Message {
	payload := make([]byte, 0, r.buffered)
	for _, c := range r.chunks {
		payload = append(payload, c...)
	}
	r.chunks = nil
	r.buffered = 0
	msg := Message{Payload: payload, Partial: partial, Seq: r.seq}
	r.seq++
	return msg
}

// fail records the first failure. While recording it is reported through
// Hooks.Fail and the recording is aborted.
func (r *Recording) fail(err error) {
	r.errMu.Lock()
	if r.err != nil {
		r.errMu.Unlock()
		return
	}
	r.err = err
	stopping := r.stopping
	r.errMu.Unlock()

	r.cancel()
	if stopping {
		return
	}
	if r.hooks.Fail != nil {
		r.hooks.Fail(err)
	}
	go r.Abort()
}

func (r *Recording) failure() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Recording) release() {
	r.releaseOnce.Do(func() {
		r.feedMu.Lock()
		r.released = true
		r.feedMu.Unlock()
		r.dev.Stop()
		r.dev.ClearCallback()
		r.dev.Close()
	})
}

// Stop releases the microphone, flushes the rest of the buffer as the final
// message and returns once every message has been handed to Emit. With no
// audio captured it returns ErrEmptyCapture and emits nothing.
func (r *Recording) Stop() error {
	r.finishOnce.Do(func() { r.result = r.finish(true) })
	return r.result
}

// Abort releases the microphone and discards anything not yet emitted.
func (r *Recording) Abort() {
	r.cancel()
	r.finishOnce.Do(func() { r.result = r.finish(false) })
}

func (r *Recording) finish(flush bool) error {
	r.errMu.Lock()
	r.stopping = true
	detach := r.detach
	r.errMu.Unlock()
	if detach != nil {
		detach()
	}

	r.release()
	close(r.tickStop)
	<-r.tickDone

	r.feedMu.Lock()
	if flush && len(r.sampleBuf) > 0 && r.ctx.Err() == nil {
		rest := make([]int16, len(r.sampleBuf))
		copy(rest, r.sampleBuf)
		r.blockChan <- rest
	}
	r.sampleBuf = nil
	close(r.blockChan)
	r.feedMu.Unlock()
	<-r.encodeDone

	if err := r.enc.Close(); err != nil && flush {
		r.fail(fmt.Errorf("capture: close encoder: %w", err))
	}

	var result error
	switch {
	case !flush || r.ctx.Err() != nil:
		result = ErrAborted
	case r.enc.TotalFrames() == 0 || (r.enc.TotalFrames() < r.cfg.MinFrames && r.seq == 0):
		result = ErrEmptyCapture
	default:
		r.onChunk(r.enc.Drain())
		r.bufMu.Lock()
		final := r.flushLocked(false)
		r.bufMu.Unlock()
		r.emitCh <- final
	}
	close(r.emitCh)
	<-r.emitDone

	if err := r.failure(); err != nil {
		return err
	}
	if result == nil && r.ctx.Err() != nil {
		return ErrAborted
	}
	r.cancel()
	return result
}

// Stats is valid after Stop or Abort has returned.
func (r *Recording) Stats() Stats {
	r.bufMu.Lock()
	defer r.bufMu.Unlock()
	return Stats{
		Frames:     r.enc.TotalFrames(),
		Bytes:      r.sent,
		Messages:   r.seq,
		EncodeTime: r.enc.EncodeTime(),
		Format:     r.enc.Format(),
		DeviceName: r.dev.DeviceName(),
	}
}
