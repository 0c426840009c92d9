package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransition(t *testing.T) {
	m := New()
	m.ObserveTransition("paused", "user_talking")
	m.ObserveTransition("user_talking", "agent_thinking")

	if got := testutil.ToFloat64(m.State.WithLabelValues("agent_thinking")); got != 1 {
		t.Errorf("agent_thinking gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.State.WithLabelValues("user_talking")); got != 0 {
		t.Errorf("user_talking gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("paused", "user_talking")); got != 1 {
		t.Errorf("transition count = %v, want 1", got)
	}
}

func TestObserveSend(t *testing.T) {
	m := New()
	m.ObserveSend("audio", "acked", 120*time.Millisecond)
	m.ObserveSend("audio", "timeout", 0)
	m.AddAudioBytes(2048)

	if got := testutil.ToFloat64(m.Sends.WithLabelValues("audio", "timeout")); got != 1 {
		t.Errorf("timeout sends = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AudioBytes); got != 2048 {
		t.Errorf("audio bytes = %v, want 2048", got)
	}
	if got := testutil.CollectAndCount(m.AckLatency); got != 1 {
		t.Errorf("ack latency series = %d, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("a", "b")
	m.ObserveError("timeout")
	m.ObserveSend("audio", "acked", time.Second)
	m.ObservePlayback("ended")
	m.ObserveConnection("connected")
	m.ObserveResponse(time.Second)
	m.AddAudioBytes(1)
	if m.Registry() != nil {
		t.Error("nil Metrics returned a registry")
	}
}

func TestHandlerExposesInstruments(t *testing.T) {
	m := New()
	m.ObservePlayback("cancelled")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `casey_playback_total{outcome="cancelled"} 1`) {
		t.Errorf("metrics output missing playback counter:\n%s", body)
	}
}
