// Package config parses command-line flags, falling back to environment
// variables for anything secret or deployment-specific.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"casey/capture"
	"casey/channel"
	"casey/encoder"
	"casey/session"
	"casey/settings"
	"casey/tts"
)

const DefaultServerURL = "http://localhost:5000"

// ErrHelp is returned when -h or -help was requested.
var ErrHelp = flag.ErrHelp

type Config struct {
	ServerURL   string
	Cookie      string
	OpenAIKey   string
	TTSURL      string
	TTSModel    string
	Voice       settings.VoiceProfile
	Modality    session.Modality
	Format      string
	Guard       time.Duration
	AckTimeout  time.Duration
	ChunkCap    int
	MaxAttempts int
	MinTalk     time.Duration

	LogPath   string
	DebugAddr string
	Device    string
	Setup     bool
	Doctor    bool
	Script    bool
	Hotkey    bool
	Hybrid    bool
	LongPress time.Duration
	Quiet     bool
	NoAuth    bool
	Version   bool

	// Args holds positional arguments; script mode takes a WAV file to
	// replay as the microphone.
	Args []string
}

// Load parses args (without the program name). Usage goes to out.
func Load(args []string, out io.Writer) (Config, error) {
	cfg := Config{Voice: settings.DefaultVoiceProfile()}
	fs := flag.NewFlagSet("casey", flag.ContinueOnError)
	fs.SetOutput(out)

	var modality string
	fs.StringVar(&cfg.ServerURL, "server", envOrDefault("CASEY_SERVER_URL", DefaultServerURL), "Casey server base URL")
	fs.StringVar(&cfg.Cookie, "cookie", os.Getenv("CASEY_SESSION_COOKIE"), "session cookie presented to the server (value or name=value)")
	fs.StringVar(&cfg.TTSURL, "tts-url", envOrDefault("CASEY_TTS_URL", tts.DefaultOpenAIURL), "speech synthesis endpoint")
	fs.StringVar(&cfg.TTSModel, "tts-model", envOrDefault("CASEY_TTS_MODEL", tts.DefaultModel), "speech synthesis model")
	fs.StringVar(&cfg.Voice.VoiceID, "voice", cfg.Voice.VoiceID, "voice id for Casey's replies")
	fs.Float64Var(&cfg.Voice.Rate, "rate", cfg.Voice.Rate, "speech rate (0.1-10)")
	fs.Float64Var(&cfg.Voice.Pitch, "pitch", cfg.Voice.Pitch, "speech pitch (0-2)")
	fs.Float64Var(&cfg.Voice.Volume, "volume", cfg.Voice.Volume, "speech volume (0-1)")
	fs.StringVar(&modality, "mode", "voice", "start in voice or text mode")
	fs.StringVar(&cfg.Format, "format", encoder.FormatFLAC, "audio format sent to the server: flac or pcm16")
	fs.DurationVar(&cfg.Guard, "guard", session.DefaultGuard, "maximum time to wait in talking or thinking states")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", channel.DefaultAckTimeout, "how long a send waits for the server's ack")
	fs.IntVar(&cfg.ChunkCap, "chunk-cap", capture.DefaultChunkCap, "bytes buffered before a partial audio upload")
	fs.DurationVar(&cfg.MinTalk, "min-talk", 0, "treat recordings shorter than this as an accidental tap (0 = keep any audio)")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", 0, "give up after this many failed connection attempts (0 = never)")
	fs.StringVar(&cfg.LogPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", "", "serve /healthz, /session, /metrics and pprof on this address (e.g. localhost:6060)")
	fs.StringVar(&cfg.Device, "device", "", "use named microphone device")
	fs.BoolVar(&cfg.Setup, "setup", false, "pick the microphone interactively, starting on -device when set")
	fs.BoolVar(&cfg.Doctor, "doctor", false, "run system diagnostics and exit")
	fs.BoolVar(&cfg.Script, "script", false, "headless mode driven by commands on stdin")
	fs.BoolVar(&cfg.Hotkey, "hotkey", false, "enable the global push-to-talk hotkey")
	fs.BoolVar(&cfg.Hybrid, "hybrid", false, "hotkey tap toggles recording, hold is push-to-talk")
	fs.DurationVar(&cfg.LongPress, "longpress", 350*time.Millisecond, "long-press threshold for hold vs tap")
	fs.BoolVar(&cfg.Quiet, "quiet", false, "disable start/stop/error sounds")
	fs.BoolVar(&cfg.NoAuth, "no-auth", false, "skip the /check-auth gate")
	fs.BoolVar(&cfg.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Args = fs.Args()
	cfg.OpenAIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))

	mod, err := session.ParseModality(modality)
	if err != nil {
		return Config{}, err
	}
	cfg.Modality = mod
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server: want an http(s) URL, got %q", c.ServerURL))
	}
	if c.Format != encoder.FormatFLAC && c.Format != encoder.FormatPCM16 {
		errs = append(errs, fmt.Errorf("unknown format %q (use %s or %s)", c.Format, encoder.FormatFLAC, encoder.FormatPCM16))
	}
	if c.Guard <= 0 {
		errs = append(errs, fmt.Errorf("guard must be positive, got %s", c.Guard))
	}
	if c.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ack-timeout must be positive, got %s", c.AckTimeout))
	}
	if c.ChunkCap < 4<<10 {
		errs = append(errs, fmt.Errorf("chunk-cap must be at least 4096 bytes, got %d", c.ChunkCap))
	}
	if c.MinTalk < 0 {
		errs = append(errs, fmt.Errorf("min-talk must not be negative, got %s", c.MinTalk))
	}
	if c.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max-attempts must not be negative"))
	}
	if err := c.Voice.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
