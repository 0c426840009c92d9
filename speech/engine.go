package speech

import (
	"context"
	"fmt"

	"casey/audio"
	"casey/settings"
	"casey/tts"
)

// SynthEngine synthesizes the whole reply, then plays it. Rate and voice go
// to the synthesizer; volume scales the samples and pitch shifts the playback
// sample rate.
type SynthEngine struct {
	Synth  tts.Synthesizer
	Player audio.Player
}

func (e *SynthEngine) Speak(ctx context.Context, text string, profile settings.VoiceProfile) error {
	profile = profile.Clamp()
	a, err := e.Synth.Synthesize(ctx, tts.Request{
		Text:    text,
		VoiceID: profile.VoiceID,
		Speed:   profile.Rate,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech: synthesize: %w", err)
	}

	cfg := audio.PlaybackConfig{
		SampleRate: pitchedRate(a.SampleRate, profile.Pitch),
		Channels:   a.Channels,
	}
	if err := e.Player.Play(ctx, scaleVolume(a.Samples, profile.Volume), cfg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech: play: %w", err)
	}
	return nil
}

// pitchedRate maps pitch 0..2 onto a 0.5x..1.5x playback rate; 1 is neutral.
func pitchedRate(rate uint32, pitch float64) uint32 {
	return uint32(float64(rate) * (0.5 + pitch/2))
}

func scaleVolume(samples []int16, volume float64) []int16 {
	if volume >= 1 {
		return samples
	}
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = int16(float64(s) * volume)
	}
	return out
}
