package tts

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Fake returns a short tone per character of input. Err, when set, is
// returned instead; Delay simulates synthesis latency.
type Fake struct {
	Err        error
	Delay      time.Duration
	SampleRate uint32

	mu       sync.Mutex
	requests []Request
}

func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

func (f *Fake) Synthesize(ctx context.Context, req Request) (Audio, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, ErrEmptyText
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return Audio{}, f.Err
	}
	rate := f.SampleRate
	if rate == 0 {
		rate = pcmSampleRate
	}
	samples := make([]int16, len(req.Text)*int(rate)/100)
	for i := range samples {
		if (i/20)%2 == 0 {
			samples[i] = 4000
		} else {
			samples[i] = -4000
		}
	}
	return Audio{Samples: samples, SampleRate: rate, Channels: 1}, nil
}
