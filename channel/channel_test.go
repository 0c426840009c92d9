package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"casey/channel/channeltest"
)

type stateChange struct {
	state State
	err   error
}

type recorder struct {
	mu     sync.Mutex
	states chan stateChange
	events chan string
	data   map[string]json.RawMessage
}

func newRecorder() *recorder {
	return &recorder{
		states: make(chan stateChange, 64),
		events: make(chan string, 64),
		data:   make(map[string]json.RawMessage),
	}
}

func (r *recorder) HandleState(s State, err error) { r.states <- stateChange{s, err} }

func (r *recorder) HandleEvent(name string, data json.RawMessage) {
	r.mu.Lock()
	r.data[name] = data
	r.mu.Unlock()
	r.events <- name
}

func (r *recorder) waitState(t *testing.T, want State) stateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case sc := <-r.states:
			if sc.state == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func startChannel(t *testing.T, srv *channeltest.Server, cfg Config) (*Channel, *recorder, context.CancelFunc, chan error) {
	t.Helper()
	rec := newRecorder()
	cfg.URL = srv.URL
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 10 * time.Millisecond
		cfg.BackoffCap = 50 * time.Millisecond
	}
	ch := New(cfg, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ch, rec, cancel, done
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		base, want string
		wantErr    bool
	}{
		{"http://localhost:5000", "ws://localhost:5000/socket.io/?EIO=4&transport=websocket", false},
		{"https://casey.example.com/", "wss://casey.example.com/socket.io/?EIO=4&transport=websocket", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := Endpoint(tt.base, "")
		if (err != nil) != tt.wantErr {
			t.Fatalf("Endpoint(%q) error = %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("Endpoint(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestSendAcked(t *testing.T) {
	srv := channeltest.NewServer()
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", "session=abc")
	ch, rec, _, _ := startChannel(t, srv, Config{Header: header})
	rec.waitState(t, Connected)

	call, err := ch.Send("message", map[string]string{"message": "hi", "modality": "text"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := call.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if ch.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", ch.Pending())
	}

	got := <-srv.Events()
	if got.Name != "message" {
		t.Errorf("server got event %q, want message", got.Name)
	}
	if c := srv.LastHeader().Get("Cookie"); c != "session=abc" {
		t.Errorf("Cookie = %q, want session=abc", c)
	}
}

func TestSendAckTimeout(t *testing.T) {
	srv := channeltest.NewServer()
	srv.NoAck = true
	defer srv.Close()

	ch, rec, _, _ := startChannel(t, srv, Config{AckTimeout: 50 * time.Millisecond})
	rec.waitState(t, Connected)

	call, err := ch.Send("audio", map[string]string{"audio": "AA=="})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
	if !errors.Is(call.Err(), ErrAckTimeout) {
		t.Errorf("Err() = %v, want ErrAckTimeout", call.Err())
	}

	// A late ack must not resurrect the call.
	srv.Ack(call.ID)
	time.Sleep(20 * time.Millisecond)
	if !errors.Is(call.Err(), ErrAckTimeout) {
		t.Errorf("Err() after late ack = %v", call.Err())
	}
}

func TestSendReply(t *testing.T) {
	srv := channeltest.NewServer()
	srv.NoAck = true
	defer srv.Close()

	ch, rec, _, _ := startChannel(t, srv, Config{})
	rec.waitState(t, Connected)

	call, err := ch.Send("message", map[string]string{"message": "hi", "modality": "text"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if call.Reply() != nil {
		t.Errorf("Reply() before ack = %s, want nil", call.Reply())
	}
	got := <-srv.Events()
	if err := srv.Ack(got.AckID, "queued"); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := call.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(call.Reply()) != `["queued"]` {
		t.Errorf("Reply() = %s, want [\"queued\"]", call.Reply())
	}
}

func TestSendNotConnected(t *testing.T) {
	ch := New(Config{URL: "http://127.0.0.1:1"}, nil)
	if _, err := ch.Send("message", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestInboundEvent(t *testing.T) {
	srv := channeltest.NewServer()
	defer srv.Close()

	_, rec, _, _ := startChannel(t, srv, Config{})
	rec.waitState(t, Connected)

	if err := srv.Emit("response", map[string]string{"type": "therapist_response", "content": "Hello"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	select {
	case name := <-rec.events:
		if name != "response" {
			t.Fatalf("event = %q, want response", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	rec.mu.Lock()
	data := rec.data["response"]
	rec.mu.Unlock()
	if string(data) != `{"content":"Hello","type":"therapist_response"}` {
		t.Errorf("data = %s", data)
	}
}

func TestDropRejectsPendingAndReconnects(t *testing.T) {
	srv := channeltest.NewServer()
	srv.NoAck = true
	defer srv.Close()

	ch, rec, _, _ := startChannel(t, srv, Config{})
	rec.waitState(t, Connected)

	call, err := ch.Send("audio", map[string]string{"audio": "AA=="})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-srv.Events()
	srv.DropAll()

	sc := rec.waitState(t, Disconnected)
	if sc.err == nil {
		t.Error("Disconnected without an error")
	}
	if err := call.Wait(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Wait() error = %v, want ErrDisconnected", err)
	}

	rec.waitState(t, Connected)
	if srv.Connects() < 2 {
		t.Errorf("Connects() = %d, want >= 2", srv.Connects())
	}
}

func TestConnectErrorGivesUp(t *testing.T) {
	srv := channeltest.NewServer()
	srv.RejectConnect = "not authenticated"
	defer srv.Close()

	_, rec, _, done := startChannel(t, srv, Config{MaxAttempts: 2})

	sc := rec.waitState(t, Erroring)
	if !errors.Is(sc.err, ErrConnectRefused) {
		t.Errorf("err = %v, want ErrConnectRefused", sc.err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectRefused) {
			t.Errorf("Run() error = %v, want ErrConnectRefused", err)
		}
		done <- err // let cleanup drain
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up")
	}
}

func TestPingAnswered(t *testing.T) {
	srv := channeltest.NewServer()
	srv.PingInterval = 20 * time.Millisecond
	srv.PingTimeout = 50 * time.Millisecond
	defer srv.Close()

	ch, rec, _, _ := startChannel(t, srv, Config{})
	rec.waitState(t, Connected)
	time.Sleep(200 * time.Millisecond)
	if ch.State() != Connected {
		t.Errorf("State() = %s after several pings, want connected", ch.State())
	}
}

func TestBackoff(t *testing.T) {
	base, cap := 500*time.Millisecond, 10*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{3, 4 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, base, cap); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
