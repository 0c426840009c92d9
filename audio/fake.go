package audio

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"casey/encoder"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

type FakeContext struct {
	pcm      []byte
	realtime bool
	pad      bool

	denied   atomic.Bool
	opened   atomic.Int32
	released atomic.Int32

	mu      sync.Mutex
	last    *FakeCapture
	players []*FakePlayer
}

// NewFakeContext replays a WAV file through every capture. After the file
// runs out the capture keeps delivering silence until stopped.
func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	return &FakeContext{pcm: data, realtime: realtime, pad: true}, nil
}

// NewFakeContextPCM replays raw 16-bit mono PCM once per capture, without
// trailing silence.
func NewFakeContextPCM(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

// SetDenied makes subsequent capture starts fail with ErrPermissionDenied.
func (f *FakeContext) SetDenied(denied bool) { f.denied.Store(denied) }

// Opened reports how many captures were started successfully.
func (f *FakeContext) Opened() int { return int(f.opened.Load()) }

// Released reports how many started captures were stopped.
func (f *FakeContext) Released() int { return int(f.released.Load()) }

// LastCapture returns the most recently created capture, or nil.
func (f *FakeContext) LastCapture() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	c := &FakeCapture{ctx: f, pcm: f.pcm, realtime: f.realtime, pad: f.pad, audioDone: make(chan struct{})}
	f.mu.Lock()
	f.last = c
	f.mu.Unlock()
	return c, nil
}

func (f *FakeContext) NewPlayer() (Player, error) {
	p := &FakePlayer{}
	f.mu.Lock()
	f.players = append(f.players, p)
	f.mu.Unlock()
	return p, nil
}

type FakeCapture struct {
	ctx       *FakeContext
	pcm       []byte
	realtime  bool
	pad       bool
	audioDone chan struct{}
	fed       atomic.Int64

	mu       sync.Mutex
	cb       DataCallback
	running  bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

// Fed returns the number of PCM bytes handed to the callback so far.
func (f *FakeCapture) Fed() int64 { return f.fed.Load() }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *FakeCapture) deliver(cb DataCallback, data []byte) {
	f.fed.Add(int64(len(data)))
	cb(data, uint32(len(data)/fakeBytesPerFrame))
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	f.deliver(cb, chunk)
	return end
}

func (f *FakeCapture) Start() error {
	if f.ctx != nil && f.ctx.denied.Load() {
		return ErrPermissionDenied
	}
	f.mu.Lock()
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	f.mu.Unlock()
	if f.ctx != nil {
		f.ctx.opened.Add(1)
	}
	// audioDone is NOT recreated here -- callers may already be waiting on it.

	chunkBytes := fakeFrameSize * fakeBytesPerFrame
	stopCh, feedDone := f.stopCh, f.feedDone

	if !f.realtime {
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)

		go func() {
			defer close(feedDone)
			if !f.pad {
				<-stopCh
				return
			}
			silence := make([]byte, chunkBytes)
			for {
				select {
				case <-stopCh:
					return
				case <-time.After(time.Millisecond):
				}
				if cb := f.callback(); cb != nil {
					f.deliver(cb, silence)
				}
			}
		}()
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
	go func() {
		defer close(feedDone)
		pos := 0
		silence := make([]byte, chunkBytes)
		audioFinished := false

		for {
			select {
			case <-stopCh:
				return
			default:
			}

			cb := f.callback()
			if cb == nil {
				time.Sleep(time.Millisecond)
				continue
			}

			if pos < len(f.pcm) {
				pos = f.feedChunk(cb, pos, chunkBytes)
			} else {
				if !audioFinished {
					audioFinished = true
					close(f.audioDone)
				}
				if f.pad {
					f.deliver(cb, silence)
				}
			}

			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	stopCh, feedDone := f.stopCh, f.feedDone
	f.mu.Unlock()

	close(stopCh)
	<-feedDone
	f.audioDone = make(chan struct{}) // reset for replay
	if f.ctx != nil {
		f.ctx.released.Add(1)
	}
}

func (f *FakeCapture) Close() { f.Stop() }

// FakePlayer records what it was asked to play. With Hold set, Play blocks
// until Release is called or ctx is done.
type FakePlayer struct {
	Err  error
	Hold bool

	mu        sync.Mutex
	plays     []PlaybackConfig
	samples   int
	cancelled int
	release   chan struct{}
	started   chan struct{}
}

func (p *FakePlayer) init() {
	if p.release == nil {
		p.release = make(chan struct{})
	}
	if p.started == nil {
		p.started = make(chan struct{}, 16)
	}
}

// Started delivers one value per Play call as it begins.
func (p *FakePlayer) Started() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
	return p.started
}

// Release lets every held Play call finish.
func (p *FakePlayer) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.init()
	close(p.release)
	p.release = make(chan struct{})
}

func (p *FakePlayer) Plays() []PlaybackConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlaybackConfig(nil), p.plays...)
}

func (p *FakePlayer) Samples() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.samples
}

func (p *FakePlayer) Cancelled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *FakePlayer) Play(ctx context.Context, samples []int16, config PlaybackConfig) error {
	p.mu.Lock()
	p.init()
	p.plays = append(p.plays, config)
	p.samples += len(samples)
	release, started := p.release, p.started
	p.mu.Unlock()

	select {
	case started <- struct{}{}:
	default:
	}

	if p.Err != nil {
		return p.Err
	}
	if !p.Hold {
		return nil
	}
	select {
	case <-release:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.cancelled++
		p.mu.Unlock()
		return ctx.Err()
	}
}
