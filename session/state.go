package session

import (
	"fmt"
	"time"
)

type State int

const (
	Paused State = iota
	UserTalking
	AgentThinking
	AgentSpeaking
	Errored
)

func (s State) String() string {
	switch s {
	case Paused:
		return "paused"
	case UserTalking:
		return "user_talking"
	case AgentThinking:
		return "agent_thinking"
	case AgentSpeaking:
		return "agent_speaking"
	case Errored:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// guarded states time out into Errored("timeout").
func (s State) guarded() bool {
	return s == UserTalking || s == AgentThinking
}

// Reason says why the session is in Errored.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonPermission Reason = "permission"
	ReasonCapture    Reason = "capture"
	ReasonEmpty      Reason = "empty"
	ReasonNetwork    Reason = "network"
	ReasonConnection Reason = "connection"
	ReasonServer     Reason = "server"
)

// Message is the text shown to the user for an error reason.
func (r Reason) Message() string {
	switch r {
	case ReasonTimeout:
		return "Casey took too long to answer. Try again."
	case ReasonPermission:
		return "Microphone access was denied. Allow it and press talk again."
	case ReasonCapture:
		return "Recording failed."
	case ReasonEmpty:
		return "No audio was recorded."
	case ReasonNetwork:
		return "Couldn't send to Casey."
	case ReasonConnection:
		return "Lost the connection to Casey."
	case ReasonServer:
		return "Casey reported an error."
	default:
		return string(r)
	}
}

type Modality int

const (
	Voice Modality = iota
	Text
)

func (m Modality) String() string {
	if m == Text {
		return "text"
	}
	return "voice"
}

func (m Modality) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func ParseModality(s string) (Modality, error) {
	switch s {
	case "voice", "audio":
		return Voice, nil
	case "text":
		return Text, nil
	default:
		return Voice, fmt.Errorf("unknown modality %q (use voice or text)", s)
	}
}

// Snapshot is the observable session state.
type Snapshot struct {
	State      State     `json:"state"`
	Reason     Reason    `json:"reason,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Modality   Modality  `json:"modality"`
	Connection string    `json:"connection"`
	Turn       uint64    `json:"turn"`
	Since      time.Time `json:"since"`
	LastReply  string    `json:"last_reply,omitempty"`
}

const (
	SpeakerUser  = "You"
	SpeakerCasey = "Casey"
)

// Entry is one transcript line.
type Entry struct {
	Speaker string
	Text    string
	At      time.Time
}

// Observer is the presentation side of the session. StateChanged, Transcript
// and Notice are called from the session loop and must not block; Level is
// called from the capture goroutine.
type Observer interface {
	StateChanged(Snapshot)
	Transcript(Entry)
	Notice(string)
	Level(float64)
}

type nopObserver struct{}

func (nopObserver) StateChanged(Snapshot) {}
func (nopObserver) Transcript(Entry)      {}
func (nopObserver) Notice(string)         {}
func (nopObserver) Level(float64)         {}
