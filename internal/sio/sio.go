// Package sio encodes and decodes the Socket.IO v5 packets the Casey server
// speaks, carried as Engine.IO v4 text frames over a WebSocket.
package sio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO packet types (first byte of every frame).
const (
	Open    byte = '0'
	Close   byte = '1'
	Ping    byte = '2'
	Pong    byte = '3'
	Message byte = '4'
	Upgrade byte = '5'
	Noop    byte = '6'
)

// Socket.IO packet types (second byte of an Engine.IO message frame).
const (
	Connect      byte = '0'
	Disconnect   byte = '1'
	Event        byte = '2'
	Ack          byte = '3'
	ConnectError byte = '4'
	BinaryEvent  byte = '5'
	BinaryAck    byte = '6'
)

// NoID marks a packet that carries no ack id.
const NoID int64 = -1

var (
	ErrShortFrame  = errors.New("sio: frame too short")
	ErrNotMessage  = errors.New("sio: not an engine.io message frame")
	ErrUnsupported = errors.New("sio: unsupported packet type")
	ErrBadEvent    = errors.New("sio: malformed event payload")
)

// OpenInfo is the payload of the Engine.IO open packet.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

type Packet struct {
	Type      byte
	Namespace string
	ID        int64
	Data      json.RawMessage
}

// Encode renders p as an Engine.IO message frame.
func Encode(p Packet) []byte {
	var b strings.Builder
	b.WriteByte(Message)
	b.WriteByte(p.Type)
	if p.Namespace != "" && p.Namespace != "/" {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID >= 0 {
		b.WriteString(strconv.FormatInt(p.ID, 10))
	}
	b.Write(p.Data)
	return []byte(b.String())
}

// Decode parses an Engine.IO message frame into a Socket.IO packet.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < 2 {
		return Packet{}, ErrShortFrame
	}
	if frame[0] != Message {
		return Packet{}, ErrNotMessage
	}
	p := Packet{Type: frame[1], Namespace: "/", ID: NoID}
	switch p.Type {
	case Connect, Disconnect, Event, Ack, ConnectError:
	default:
		return Packet{}, fmt.Errorf("%w: %q", ErrUnsupported, p.Type)
	}

	rest := frame[2:]
	if len(rest) > 0 && rest[0] == '/' {
		end := strings.IndexByte(string(rest), ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.ParseInt(string(rest[:digits]), 10, 64)
		if err != nil {
			return Packet{}, fmt.Errorf("sio: ack id: %w", err)
		}
		p.ID = id
		rest = rest[digits:]
	}
	if len(rest) > 0 {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EventPacket builds an EVENT packet for name with the given arguments.
func EventPacket(id int64, name string, args ...any) (Packet, error) {
	arr := make([]any, 0, len(args)+1)
	arr = append(arr, name)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return Packet{}, fmt.Errorf("sio: encode %s: %w", name, err)
	}
	return Packet{Type: Event, ID: id, Data: data}, nil
}

// AckPacket builds an ACK packet answering id.
func AckPacket(id int64, args ...any) (Packet, error) {
	if args == nil {
		args = []any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Packet{}, fmt.Errorf("sio: encode ack: %w", err)
	}
	return Packet{Type: Ack, ID: id, Data: data}, nil
}

// SplitEvent returns the event name and its arguments.
func SplitEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if len(arr) == 0 {
		return "", nil, ErrBadEvent
	}
	var name string
	if err := json.Unmarshal(arr[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrBadEvent, err)
	}
	return name, arr[1:], nil
}

// ConnectErrorMessage extracts the human-readable reason from a
// CONNECT_ERROR payload, which may be an object or a bare string.
func ConnectErrorMessage(data json.RawMessage) string {
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if json.Unmarshal(data, &s) == nil && s != "" {
		return s
	}
	return "connection refused"
}
