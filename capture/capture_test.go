package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"casey/audio"
	"casey/encoder"
)

type sink struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (s *sink) emit(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sink) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func tone(samples int) []byte {
	pcm := make([]byte, samples*2)
	for i := range samples {
		v := int16(3000)
		if (i/40)%2 == 1 {
			v = -3000
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	return pcm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestChunkConservation(t *testing.T) {
	pcm := tone(50_001) // odd block remainder
	actx := audio.NewFakeContextPCM(pcm, false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16, ChunkCap: 8 << 10, Cadence: time.Millisecond}

	s := &sink{}
	rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	msgs := s.messages()
	if len(msgs) < 2 {
		t.Fatalf("got %d messages, want partials plus a final", len(msgs))
	}
	var joined []byte
	finals := 0
	for i, m := range msgs {
		if m.Seq != i {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
		if !m.Partial {
			finals++
		}
		joined = append(joined, m.Payload...)
	}
	if finals != 1 || msgs[len(msgs)-1].Partial {
		t.Errorf("finals = %d, last partial = %v; want exactly one final, last", finals, msgs[len(msgs)-1].Partial)
	}
	if !bytes.Equal(joined, pcm) {
		t.Errorf("emitted %d bytes, captured %d; payloads must concatenate to the capture", len(joined), len(pcm))
	}

	st := rec.Stats()
	if st.Bytes != len(pcm) || st.Messages != len(msgs) || st.Frames != uint64(len(pcm)/2) {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestFlacStream(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(20_000), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatFLAC, Cadence: time.Millisecond}

	s := &sink{}
	rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	var joined []byte
	for _, m := range s.messages() {
		joined = append(joined, m.Payload...)
	}
	if !bytes.HasPrefix(joined, []byte("fLaC")) {
		t.Errorf("stream does not start with the FLAC marker: % x", joined[:min(8, len(joined))])
	}
}

func TestReleaseExactlyOnce(t *testing.T) {
	tests := []struct {
		name string
		end  func(r *Recording)
	}{
		{"stop", func(r *Recording) { r.Stop() }},
		{"abort", func(r *Recording) { r.Abort() }},
		{"stop then abort", func(r *Recording) { r.Stop(); r.Abort() }},
		{"abort then stop", func(r *Recording) { r.Abort(); r.Stop() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := audio.NewFakeContextPCM(tone(8000), false)
			p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
			rec, err := p.Begin(context.Background(), Hooks{Emit: (&sink{}).emit})
			if err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			tt.end(rec)
			if actx.Opened() != 1 || actx.Released() != 1 {
				t.Errorf("opened %d, released %d; want 1 and 1", actx.Opened(), actx.Released())
			}
		})
	}
}

func TestAbortDiscards(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(8000), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	s := &sink{}
	rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	rec.Abort()
	if err := rec.Stop(); !errors.Is(err, ErrAborted) {
		t.Errorf("Stop() after Abort = %v, want ErrAborted", err)
	}
	if n := len(s.messages()); n != 0 {
		t.Errorf("aborted recording emitted %d messages", n)
	}
}

func TestPermissionDenied(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(8000), false)
	actx.SetDenied(true)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}

	_, err := p.Begin(context.Background(), Hooks{Emit: (&sink{}).emit})
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Begin() error = %v, want ErrPermissionDenied", err)
	}
	if actx.Opened() != 0 || actx.Released() != 0 {
		t.Errorf("opened %d, released %d after denial", actx.Opened(), actx.Released())
	}

	actx.SetDenied(false)
	rec, err := p.Begin(context.Background(), Hooks{Emit: (&sink{}).emit})
	if err != nil {
		t.Fatalf("retry Begin() error = %v", err)
	}
	rec.Abort()
}

func TestEmptyCapture(t *testing.T) {
	tests := []struct {
		name      string
		pcm       []byte
		minFrames uint64
	}{
		{"silence device", nil, 0},
		{"short tap", tone(800), FramesFor(100 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := audio.NewFakeContextPCM(tt.pcm, false)
			p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16, MinFrames: tt.minFrames}
			s := &sink{}
			rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit})
			if err != nil {
				t.Fatalf("Begin() error = %v", err)
			}
			if err := rec.Stop(); !errors.Is(err, ErrEmptyCapture) {
				t.Errorf("Stop() error = %v, want ErrEmptyCapture", err)
			}
			if n := len(s.messages()); n != 0 {
				t.Errorf("empty capture emitted %d messages", n)
			}
			if actx.Released() != 1 {
				t.Errorf("released = %d, want 1", actx.Released())
			}
		})
	}
}

func TestShortCaptureKept(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(800), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	s := &sink{}
	rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	msgs := s.messages()
	if len(msgs) != 1 || msgs[0].Partial {
		t.Fatalf("messages = %d, want one final message", len(msgs))
	}
	if got := len(msgs[0].Payload); got != 1600 {
		t.Errorf("payload = %d bytes, want 1600", got)
	}
}

func TestFramesFor(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want uint64
	}{
		{0, 0},
		{-time.Second, 0},
		{100 * time.Millisecond, encoder.SampleRate / 10},
		{time.Second, encoder.SampleRate},
	}
	for _, tt := range tests {
		if got := FramesFor(tt.d); got != tt.want {
			t.Errorf("FramesFor(%s) = %d, want %d", tt.d, got, tt.want)
		}
	}
}

func TestEmitFailureAborts(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(40_000), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16, ChunkCap: 1024, Cadence: time.Millisecond}

	boom := errors.New("socket closed")
	s := &sink{err: boom}
	failed := make(chan error, 4)
	rec, err := p.Begin(context.Background(), Hooks{Emit: s.emit, Fail: func(err error) { failed <- err }})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, boom) {
			t.Errorf("Fail() got %v, want %v", err, boom)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fail hook never called")
	}
	if err := rec.Stop(); !errors.Is(err, boom) {
		t.Errorf("Stop() error = %v, want %v", err, boom)
	}
	if actx.Released() != 1 {
		t.Errorf("released = %d, want 1", actx.Released())
	}
	if len(failed) != 0 {
		t.Errorf("Fail called %d extra times", len(failed))
	}
}

func TestContextCancelAborts(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(8000), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	ctx, cancel := context.WithCancel(context.Background())
	rec, err := p.Begin(ctx, Hooks{Emit: (&sink{}).emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	cancel()
	waitFor(t, "device release", func() bool { return actx.Released() == 1 })
	if err := rec.Stop(); !errors.Is(err, ErrAborted) {
		t.Errorf("Stop() error = %v, want ErrAborted", err)
	}
}

func TestBeginAfterCancel(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(8000), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := p.Begin(ctx, Hooks{Emit: (&sink{}).emit})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	waitFor(t, "device release", func() bool { return actx.Released() == 1 })
	if err := rec.Stop(); !errors.Is(err, ErrAborted) {
		t.Errorf("Stop() error = %v, want ErrAborted", err)
	}
}

func TestEmitFailureThenCancel(t *testing.T) {
	for range 20 {
		actx := audio.NewFakeContextPCM(tone(40_000), false)
		p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16, ChunkCap: 4096, Cadence: time.Millisecond}
		ctx, cancel := context.WithCancel(context.Background())
		failed := make(chan struct{}, 1)
		rec, err := p.Begin(ctx, Hooks{
			Emit: func(Message) error { return errors.New("socket closed") },
			Fail: func(error) { failed <- struct{}{} },
		})
		if err != nil {
			t.Fatalf("Begin() error = %v", err)
		}
		<-failed
		rec.Stop()
		cancel()
		if actx.Released() != 1 {
			t.Fatalf("released = %d, want 1", actx.Released())
		}
	}
}

func TestLevelHook(t *testing.T) {
	actx := audio.NewFakeContextPCM(tone(4096), false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	var mu sync.Mutex
	var peak float64
	rec, err := p.Begin(context.Background(), Hooks{
		Emit: (&sink{}).emit,
		Level: func(l float64) {
			mu.Lock()
			peak = max(peak, l)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	rec.Stop()
	mu.Lock()
	defer mu.Unlock()
	if peak < 0.05 {
		t.Errorf("peak level = %v, want the tone to register", peak)
	}
}

func TestSilenceHook(t *testing.T) {
	silent := make([]byte, (silenceWindow+1)*encoder.BlockSize*2)
	actx := audio.NewFakeContextPCM(silent, false)
	p := &Pipeline{Audio: actx, Format: encoder.FormatPCM16}
	quiet := make(chan bool, 4)
	rec, err := p.Begin(context.Background(), Hooks{
		Emit:    (&sink{}).emit,
		Silence: func(q bool) { quiet <- q },
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	defer rec.Stop()
	select {
	case q := <-quiet:
		if !q {
			t.Error("first silence event should be a warning")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no silence warning for a silent recording")
	}
}
