// Package message defines the payloads exchanged with the Casey server and
// validates inbound ones before anything else looks at them.
package message

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names on the duplex channel.
const (
	EventMessage  = "message"
	EventAudio    = "audio"
	EventResponse = "response"
	EventError    = "error"
)

const (
	ModalityText  = "text"
	ModalityAudio = "audio"

	TypeTherapistResponse = "therapist_response"
)

var (
	ErrUnknownKind = errors.New("message: unknown kind")
	ErrMalformed   = errors.New("message: malformed payload")
)

// TextMessage is the outbound payload for typed input.
type TextMessage struct {
	Message  string `json:"message"`
	Modality string `json:"modality"`
}

// AudioMessage is the outbound payload for one flush of captured audio.
// IsChunk is set on partial flushes; the final flush omits it.
type AudioMessage struct {
	Audio    string `json:"audio"`
	Modality string `json:"modality"`
	IsChunk  bool   `json:"isChunk,omitempty"`
	Format   string `json:"format,omitempty"`
}

func NewText(text string) TextMessage {
	return TextMessage{Message: text, Modality: ModalityText}
}

func NewAudio(payload []byte, partial bool, format string) AudioMessage {
	return AudioMessage{
		Audio:    base64.StdEncoding.EncodeToString(payload),
		Modality: ModalityAudio,
		IsChunk:  partial,
		Format:   format,
	}
}

// Decode returns the raw audio bytes carried by m.
func (m AudioMessage) Decode() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Audio)
}

// Inbound is implemented by every validated server message.
type Inbound interface {
	inbound()
}

type TherapistResponse struct {
	Content string
}

type ServerError struct {
	Message string
}

func (TherapistResponse) inbound() {}
func (ServerError) inbound()       {}

type responsePayload struct {
	Type    string  `json:"type"`
	Content *string `json:"content"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ParseInbound validates one inbound event. Events and response types this
// client does not understand return ErrUnknownKind; known events with the
// wrong shape return ErrMalformed.
func ParseInbound(event string, data json.RawMessage) (Inbound, error) {
	switch event {
	case EventResponse:
		var p responsePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: response: %v", ErrMalformed, err)
		}
		if p.Type != TypeTherapistResponse {
			return nil, fmt.Errorf("%w: response type %q", ErrUnknownKind, p.Type)
		}
		if p.Content == nil {
			return nil, fmt.Errorf("%w: response without content", ErrMalformed)
		}
		return TherapistResponse{Content: *p.Content}, nil
	case EventError:
		var p errorPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
		}
		msg := strings.TrimSpace(p.Message)
		if msg == "" {
			msg = "server error"
		}
		return ServerError{Message: msg}, nil
	default:
		return nil, fmt.Errorf("%w: event %q", ErrUnknownKind, event)
	}
}
