// Package channel keeps one duplex Socket.IO connection to the Casey server
// alive and correlates outbound events with their acknowledgements.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"casey/internal/sio"
	"casey/log"

	"github.com/gorilla/websocket"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Erroring
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Erroring:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrDisconnected   = errors.New("channel: connection lost before ack")
	ErrAckTimeout     = errors.New("channel: ack timeout")
	ErrConnectRefused = errors.New("channel: server refused connection")
	ErrServerClosed   = errors.New("channel: server closed the session")
	ErrPingTimeout    = errors.New("channel: ping timeout")
)

const (
	DefaultAckTimeout       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultBackoffCap       = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Handler receives lifecycle changes and inbound events. Calls arrive from
// the channel's read goroutine and must not block for long.
type Handler interface {
	HandleState(state State, err error)
	HandleEvent(name string, data json.RawMessage)
}

type Config struct {
	URL              string // http(s) base URL of the server
	Path             string // defaults to /socket.io/
	Header           http.Header
	Auth             any // optional CONNECT payload
	AckTimeout       time.Duration
	HandshakeTimeout time.Duration
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	MaxAttempts      int // consecutive failed attempts before Run gives up; 0 retries forever
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
}

// Endpoint returns the WebSocket URL for an http(s) server base URL.
func Endpoint(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("channel: parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("channel: unsupported scheme %q", u.Scheme)
	}
	if path == "" {
		path = "/socket.io/"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Channel owns the connection. Run drives it; Send may be called from any
// goroutine.
type Channel struct {
	cfg     Config
	handler Handler
	dialer  *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]*Call

	writeMu sync.Mutex
}

func New(cfg Config, h Handler) *Channel {
	cfg.setDefaults()
	return &Channel{
		cfg:     cfg,
		handler: h,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		pending: make(map[int64]*Call),
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	log.Connection(s.String(), err)
	if c.handler != nil {
		c.handler.HandleState(s, err)
	}
}

// Run connects and keeps reconnecting with capped exponential backoff until
// ctx is done or MaxAttempts consecutive attempts fail.
func (c *Channel) Run(ctx context.Context) error {
	failures := 0
	for {
		c.setState(Connecting, nil)
		conn, open, err := c.dial(ctx)
		if err == nil {
			failures = 0
			err = c.serve(ctx, conn, open)
			if ctx.Err() != nil {
				c.setState(Disconnected, nil)
				return ctx.Err()
			}
			c.setState(Disconnected, err)
		} else {
			if ctx.Err() != nil {
				c.setState(Disconnected, nil)
				return ctx.Err()
			}
			c.setState(Erroring, err)
		}

		failures++
		if c.cfg.MaxAttempts > 0 && failures >= c.cfg.MaxAttempts {
			return fmt.Errorf("channel: giving up after %d attempts: %w", failures, err)
		}
		wait := backoff(failures-1, c.cfg.BackoffBase, c.cfg.BackoffCap)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			c.setState(Disconnected, nil)
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, sio.OpenInfo, error) {
	var open sio.OpenInfo
	endpoint, err := Endpoint(c.cfg.URL, c.cfg.Path)
	if err != nil {
		return nil, open, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, open, fmt.Errorf("%w: http %d", ErrConnectRefused, resp.StatusCode)
		}
		return nil, open, fmt.Errorf("channel: dial: %w", err)
	}

	fail := func(err error) (*websocket.Conn, sio.OpenInfo, error) {
		conn.Close()
		return nil, open, err
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fail(fmt.Errorf("channel: read open: %w", err))
	}
	if len(frame) == 0 || frame[0] != sio.Open {
		return fail(fmt.Errorf("channel: expected open packet, got %q", frame))
	}
	if err := json.Unmarshal(frame[1:], &open); err != nil {
		return fail(fmt.Errorf("channel: open payload: %w", err))
	}

	connect := sio.Packet{Type: sio.Connect, ID: sio.NoID}
	if c.cfg.Auth != nil {
		data, err := json.Marshal(c.cfg.Auth)
		if err != nil {
			return fail(fmt.Errorf("channel: auth payload: %w", err))
		}
		connect.Data = data
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, sio.Encode(connect)); err != nil {
		return fail(fmt.Errorf("channel: write connect: %w", err))
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return fail(fmt.Errorf("channel: read connect: %w", err))
		}
		if len(frame) > 0 && frame[0] == sio.Ping {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte{sio.Pong}); err != nil {
				return fail(fmt.Errorf("channel: write pong: %w", err))
			}
			continue
		}
		p, err := sio.Decode(frame)
		if err != nil {
			continue
		}
		switch p.Type {
		case sio.Connect:
			log.Infof("channel connected sid=%s ping=%dms", open.SID, open.PingInterval)
			return conn, open, nil
		case sio.ConnectError:
			return fail(fmt.Errorf("%w: %s", ErrConnectRefused, sio.ConnectErrorMessage(p.Data)))
		}
	}
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, open sio.OpenInfo) error {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(Connected, nil)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	err := c.readLoop(conn, open)

	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]*Call)
	c.mu.Unlock()
	conn.Close()

	for _, call := range pending {
		call.finish(nil, ErrDisconnected)
	}
	return err
}

func (c *Channel) readLoop(conn *websocket.Conn, open sio.OpenInfo) error {
	liveness := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if liveness <= 0 {
		liveness = 45 * time.Second
	}
	for {
		conn.SetReadDeadline(time.Now().Add(liveness))
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return ErrPingTimeout
			}
			return fmt.Errorf("channel: read: %w", err)
		}
		if len(frame) == 0 {
			continue
		}
		switch frame[0] {
		case sio.Ping:
			if err := c.write(conn, []byte{sio.Pong}); err != nil {
				return err
			}
			continue
		case sio.Close:
			return ErrServerClosed
		case sio.Message:
		default:
			continue
		}

		p, err := sio.Decode(frame)
		if err != nil {
			log.Warnf("channel: dropping frame: %v", err)
			continue
		}
		switch p.Type {
		case sio.Event:
			name, args, err := sio.SplitEvent(p.Data)
			if err != nil {
				log.Warnf("channel: dropping event: %v", err)
				continue
			}
			var data json.RawMessage
			if len(args) > 0 {
				data = args[0]
			}
			if c.handler != nil {
				c.handler.HandleEvent(name, data)
			}
		case sio.Ack:
			c.mu.Lock()
			call := c.pending[p.ID]
			delete(c.pending, p.ID)
			c.mu.Unlock()
			if call != nil {
				call.finish(p.Data, nil)
			}
		case sio.Disconnect:
			return ErrServerClosed
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

// Send writes one event and returns a Call that completes when the server
// acknowledges it, when the ack timeout passes, or when the connection
// drops. Nothing is ever resent.
func (c *Channel) Send(event string, payload any) (*Call, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.state != Connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	id := c.nextID
	c.nextID++
	call := newCall(id, event)
	call.timer = time.AfterFunc(c.cfg.AckTimeout, func() {
		if c.forget(id) {
			call.finish(nil, ErrAckTimeout)
		}
	})
	c.pending[id] = call
	c.mu.Unlock()

	p, err := sio.EventPacket(id, event, payload)
	if err != nil {
		c.forget(id)
		call.timer.Stop()
		return nil, err
	}
	if err := c.write(conn, sio.Encode(p)); err != nil {
		c.forget(id)
		call.timer.Stop()
		conn.Close()
		return nil, err
	}
	return call, nil
}

// forget drops a pending call, reporting whether it was still pending.
func (c *Channel) forget(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

// Pending reports how many sends are still waiting for an ack.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call is one correlated send, modelled on net/rpc's Call.
type Call struct {
	ID    int64
	Event string
	Sent  time.Time

	done  chan struct{}
	once  sync.Once
	timer *time.Timer
	reply json.RawMessage
	err   error
}

func newCall(id int64, event string) *Call {
	return &Call{ID: id, Event: event, Sent: time.Now(), done: make(chan struct{})}
}

func (call *Call) finish(reply json.RawMessage, err error) {
	call.once.Do(func() {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.reply = reply
		call.err = err
		close(call.done)
	})
}

func (call *Call) Done() <-chan struct{} { return call.done }

// Err is only meaningful after Done is closed.
func (call *Call) Err() error {
	select {
	case <-call.done:
		return call.err
	default:
		return nil
	}
}

// Reply returns the ack arguments as a JSON array, or nil before Done is
// closed or when the call failed.
func (call *Call) Reply() json.RawMessage {
	select {
	case <-call.done:
		return call.reply
	default:
		return nil
	}
}

// Wait blocks until the call completes or ctx is done.
func (call *Call) Wait(ctx context.Context) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
