package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"strings"
)

const WAVHeaderSize = 44

var (
	// ErrPermissionDenied is returned when the OS or the sound server refuses
	// access to the microphone.
	ErrPermissionDenied = errors.New("audio: microphone access denied")
	ErrNoDevices        = errors.New("audio: no capture devices found")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

var permissionHints = []string{"permission", "access denied", "not authorized", "eacces"}

// classifyStartError maps backend failures that mean "the user or the OS said
// no" onto ErrPermissionDenied, keeping the original error in the chain.
func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, os.ErrPermission) {
		return errors.Join(ErrPermissionDenied, err)
	}
	lower := strings.ToLower(err.Error())
	for _, h := range permissionHints {
		if strings.Contains(lower, h) {
			return errors.Join(ErrPermissionDenied, err)
		}
	}
	return err
}

// Level returns the RMS of little-endian 16-bit samples, normalized to 0..1.
func Level(data []byte) float64 {
	if len(data) < 2 {
		return 0
	}
	var sumSquares float64
	for i := 0; i+1 < len(data); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(data[i:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(len(data)/2))
}

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type PlaybackConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	NewPlayer() (Player, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	DeviceName() string
}

// Player plays interleaved 16-bit PCM. Play blocks until the samples have
// drained or ctx is done, in which case it stops output and returns ctx.Err().
type Player interface {
	Play(ctx context.Context, samples []int16, config PlaybackConfig) error
}
