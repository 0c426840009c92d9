package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog  zerolog.Logger
	diagFile *os.File
	logMu    sync.Mutex
	logReady atomic.Bool
	pid      int
	dir      string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: CASEY_LOG_PATH environment variable
	envPath := os.Getenv("CASEY_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func SessionStart(id, server, format string, modality string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", id).
		Str("server", server).
		Str("format", format).
		Str("modality", modality).
		Msg("session_start")
}

func SessionEnd(turns int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Int("turns", turns).
		Msg("session_end")
}

func StateChange(from, to, reason string, turn uint64) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info().
		Str("from", from).
		Str("to", to).
		Uint64("turn", turn)
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("state_change")
}

func Connection(state string, err error) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info().Str("state", state)
	if err != nil {
		ev = diagLog.Warn().Str("state", state).Err(err)
	}
	ev.Msg("connection")
}

type SendData struct {
	Event   string
	Turn    uint64
	Seq     int
	Bytes   int
	Partial bool
	AckMs   float64
	// Reply is the raw ack payload, logged when the server sent arguments.
	Reply string
	Err   error
}

func SendResult(d SendData) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info()
	if d.Err != nil {
		ev = diagLog.Warn().Err(d.Err)
	}
	if d.Reply != "" && d.Reply != "[]" {
		ev = ev.Str("reply", d.Reply)
	}
	ev.Str("event", d.Event).
		Uint64("turn", d.Turn).
		Int("seq", d.Seq).
		Int("bytes", d.Bytes).
		Bool("partial", d.Partial).
		Float64("ack_ms", d.AckMs).
		Msg("send")
}

type CaptureData struct {
	Turn       uint64
	AudioS     float64
	EncodedKB  float64
	Messages   int
	EncodeMs   float64
	Format     string
	DeviceName string
}

func CaptureMetrics(d CaptureData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Uint64("turn", d.Turn).
		Float64("audio_s", d.AudioS).
		Float64("encoded_kb", d.EncodedKB).
		Int("messages", d.Messages).
		Float64("encode_ms", d.EncodeMs).
		Str("format", d.Format).
		Str("device", d.DeviceName).
		Msg("capture")
}

func Playback(id, outcome string, dur time.Duration, err error) {
	if !logReady.Load() {
		return
	}
	ev := diagLog.Info()
	if err != nil {
		ev = diagLog.Warn().Err(err)
	}
	ev.Str("utterance", id).
		Str("outcome", outcome).
		Int64("ms", dur.Milliseconds()).
		Msg("playback")
}

// Entry records that a conversation line was shown. The text itself is
// never written to disk.
func Entry(speaker string, turn uint64, chars int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("speaker", speaker).
		Uint64("turn", turn).
		Int("chars", chars).
		Msg("entry")
}
