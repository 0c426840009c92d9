// Package channeltest runs an in-process Socket.IO server that speaks just
// enough of the protocol to exercise the client end to end.
package channeltest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"casey/internal/sio"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Received is one event the server got from a client.
type Received struct {
	Name    string
	Payload json.RawMessage
	AckID   int64
}

// Server is safe for concurrent use. Zero-value knobs mean: accept every
// connection, ack every event immediately, ping every PingInterval.
type Server struct {
	*httptest.Server

	// RejectConnect, when non-empty, answers the CONNECT packet with a
	// CONNECT_ERROR carrying this message.
	RejectConnect string
	// NoAck suppresses automatic acks; use Ack to answer by hand.
	NoAck bool
	// Unauthenticated makes /check-auth report a signed-out user.
	Unauthenticated bool
	// OnEvent runs after an event is recorded, on the connection's read
	// goroutine.
	OnEvent func(s *Server, r Received)

	PingInterval time.Duration
	PingTimeout  time.Duration

	events   chan Received
	upgrader websocket.Upgrader

	mu         sync.Mutex
	sockets    map[*socket]struct{}
	lastHeader http.Header
	connects   int
	connected  chan struct{}
}

type socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *socket) write(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// NewServer starts a server. Call Close when done.
func NewServer() *Server {
	s := &Server{
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		events:       make(chan Received, 256),
		sockets:      make(map[*socket]struct{}),
		connected:    make(chan struct{}, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handle)
	mux.HandleFunc("/check-auth", s.checkAuth)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	ok := !s.Unauthenticated
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"authenticated": ok, "name": "tester"})
}

// Events delivers every event received, in arrival order.
func (s *Server) Events() <-chan Received { return s.events }

// Connected delivers one value per accepted Socket.IO connection.
func (s *Server) Connected() <-chan struct{} { return s.connected }

func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Server) LastHeader() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeader.Clone()
}

// Emit sends an event to every connected client.
func (s *Server) Emit(name string, payload any) error {
	p, err := sio.EventPacket(sio.NoID, name, payload)
	if err != nil {
		return err
	}
	return s.broadcast(sio.Encode(p))
}

// Ack answers a received event by hand.
func (s *Server) Ack(id int64, args ...any) error {
	p, err := sio.AckPacket(id, args...)
	if err != nil {
		return err
	}
	return s.broadcast(sio.Encode(p))
}

// Close drops every client and shuts the HTTP server down.
func (s *Server) Close() {
	s.DropAll()
	s.Server.Close()
}

// DropAll closes every connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sock := range s.sockets {
		sock.conn.Close()
	}
}

func (s *Server) broadcast(frame []byte) error {
	s.mu.Lock()
	socks := make([]*socket, 0, len(s.sockets))
	for sock := range s.sockets {
		socks = append(socks, sock)
	}
	s.mu.Unlock()
	if len(socks) == 0 {
		return errors.New("channeltest: no connected clients")
	}
	var errs []error
	for _, sock := range socks {
		if err := sock.write(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sock := &socket{conn: conn}
	defer conn.Close()

	s.mu.Lock()
	s.lastHeader = r.Header.Clone()
	s.mu.Unlock()

	open, _ := json.Marshal(sio.OpenInfo{
		SID:          uuid.NewString(),
		Upgrades:     []string{},
		PingInterval: int(s.PingInterval / time.Millisecond),
		PingTimeout:  int(s.PingTimeout / time.Millisecond),
		MaxPayload:   1e6,
	})
	if err := sock.write(append([]byte{sio.Open}, open...)); err != nil {
		return
	}

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	p, err := sio.Decode(frame)
	if err != nil || p.Type != sio.Connect {
		return
	}
	if s.RejectConnect != "" {
		data, _ := json.Marshal(map[string]string{"message": s.RejectConnect})
		sock.write(sio.Encode(sio.Packet{Type: sio.ConnectError, ID: sio.NoID, Data: data}))
		return
	}
	data, _ := json.Marshal(map[string]string{"sid": uuid.NewString()})
	if err := sock.write(sio.Encode(sio.Packet{Type: sio.Connect, ID: sio.NoID, Data: data})); err != nil {
		return
	}

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.connects++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, sock)
		s.mu.Unlock()
	}()
	select {
	case s.connected <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(s.PingInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if sock.write([]byte{sio.Ping}) != nil {
					return
				}
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(frame) == 0 || frame[0] != sio.Message {
			continue
		}
		p, err := sio.Decode(frame)
		if err != nil {
			continue
		}
		switch p.Type {
		case sio.Event:
			name, args, err := sio.SplitEvent(p.Data)
			if err != nil {
				continue
			}
			r := Received{Name: name, AckID: p.ID}
			if len(args) > 0 {
				r.Payload = args[0]
			}
			select {
			case s.events <- r:
			case <-time.After(5 * time.Second):
			}
			if s.OnEvent != nil {
				s.OnEvent(s, r)
			}
			if !s.NoAck && p.ID >= 0 {
				ack, _ := sio.AckPacket(p.ID)
				sock.write(sio.Encode(ack))
			}
		case sio.Disconnect:
			return
		}
	}
}
