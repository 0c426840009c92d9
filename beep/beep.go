// Package beep renders and plays the short cues that mark a turn: the
// microphone opening, the recording being sent, and a failure.
package beep

import (
	"context"
	"math"
	"sync"
	"time"

	"casey/audio"
)

const sampleRate = 44100

type Cue int

const (
	Start Cue = iota
	End
	Error
)

func (c Cue) String() string {
	switch c {
	case Start:
		return "start"
	case End:
		return "end"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type tone struct {
	freq     float64
	volume   float64
	decay    float64
	duration float64
	repeat   bool // two bursts separated by gap
}

const gap = 0.05

var tones = map[Cue]tone{
	// high, snappy tick
	Start: {freq: 1200, volume: 0.5, decay: 60, duration: 0.2},
	// lower, longer tail
	End:   {freq: 900, volume: 0.5, decay: 40, duration: 0.2},
	Error: {freq: 350, volume: 0.6, decay: 30, duration: 0.08, repeat: true},
}

// Samples renders c as mono 16-bit PCM at 44.1kHz.
func Samples(c Cue) []int16 {
	t, ok := tones[c]
	if !ok {
		return nil
	}
	burst := tick(t)
	if !t.repeat {
		return burst
	}
	silence := make([]int16, int(sampleRate*gap))
	out := make([]int16, 0, 2*len(burst)+len(silence))
	out = append(out, burst...)
	out = append(out, silence...)
	return append(out, burst...)
}

func tick(t tone) []int16 {
	n := int(sampleRate * t.duration)
	samples := make([]int16, n)
	for i := range samples {
		x := float64(i) / sampleRate
		env := math.Exp(-x * t.decay)
		samples[i] = int16(math.Sin(2*math.Pi*t.freq*x) * 32767 * t.volume * env)
	}
	return samples
}

// Player plays cues on its own output, one at a time. A newer cue cuts off
// the one still sounding. A nil *Player is silent.
type Player struct {
	out audio.Player

	mu     sync.Mutex
	cache  map[Cue][]int16
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(out audio.Player) *Player {
	return &Player{out: out, cache: make(map[Cue][]int16)}
}

func (p *Player) Play(c Cue) {
	if p == nil || p.out == nil {
		return
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	samples, ok := p.cache[c]
	if !ok {
		samples = Samples(c)
		p.cache[c] = samples
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	p.cancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer cancel()
		p.out.Play(ctx, samples, audio.PlaybackConfig{SampleRate: sampleRate, Channels: 1})
	}()
}

// Wait blocks until every cue started so far has finished.
func (p *Player) Wait() {
	if p == nil {
		return
	}
	p.wg.Wait()
}
