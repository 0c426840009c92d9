package encoder

import (
	"fmt"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	FormatFLAC  = "flac"
	FormatPCM16 = "pcm16"
)

// Encoder turns PCM blocks into an encoded byte stream. Drain hands back the
// bytes produced since the previous Drain, so concatenating every Drain result
// (including the one after Close) yields the complete stream.
type Encoder interface {
	EncodeBlock(block []int16) error
	Drain() []byte
	Close() error
	TotalFrames() uint64
	Format() string
	AddEncodeTime(d time.Duration)
	EncodeTime() time.Duration
}

func New(format string) (Encoder, error) {
	switch format {
	case FormatFLAC:
		return NewFlac()
	case FormatPCM16:
		return NewPCM(), nil
	default:
		return nil, fmt.Errorf("unknown audio format %q (use %s or %s)", format, FormatFLAC, FormatPCM16)
	}
}
