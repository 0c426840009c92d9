package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"casey/metrics"
	"casey/session"
	"casey/settings"
)

func newTestServer(t *testing.T) (*httptest.Server, *settings.Memory, *metrics.Metrics) {
	t.Helper()
	store := settings.NewMemory(settings.DefaultVoiceProfile())
	m := metrics.New()
	snap := func() session.Snapshot {
		return session.Snapshot{State: session.AgentThinking, Modality: session.Text, Connection: "connected", Turn: 3}
	}
	ts := httptest.NewServer(New(snap, store, m).Router())
	t.Cleanup(ts.Close)
	return ts, store, m
}

func TestSessionSnapshot(t *testing.T) {
	ts, _, _ := newTestServer(t)

	res, err := http.Get(ts.URL + "/session")
	if err != nil {
		t.Fatalf("GET /session error = %v", err)
	}
	defer res.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["state"] != "agent_thinking" || got["modality"] != "text" || got["turn"] != float64(3) {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	var got map[string]any
	json.NewDecoder(res.Body).Decode(&got)
	if got["status"] != "ok" || got["connection"] != "connected" {
		t.Errorf("health = %+v", got)
	}
}

func TestPutVoice(t *testing.T) {
	ts, store, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"voiceId":"nova","rate":1.2,"pitch":0.8,"volume":0.5}`, http.StatusOK},
		{"out of range", `{"voiceId":"nova","rate":50,"pitch":1,"volume":1}`, http.StatusUnprocessableEntity},
		{"unknown field", `{"voice":"nova"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPut, ts.URL+"/settings/voice", strings.NewReader(tt.body))
			res, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("PUT error = %v", err)
			}
			res.Body.Close()
			if res.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
	if got := store.VoiceProfile(); got.VoiceID != "nova" || got.Rate != 1.2 {
		t.Errorf("stored profile = %+v", got)
	}
}

func TestMetricsAndProfiler(t *testing.T) {
	ts, _, m := newTestServer(t)
	m.ObserveError("timeout")

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), `casey_session_errors_total{reason="timeout"} 1`) {
		t.Errorf("metrics missing error counter:\n%s", body)
	}

	res, err = http.Get(ts.URL + "/debug/pprof/")
	if err != nil {
		t.Fatalf("GET /debug/pprof/ error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("pprof status = %d", res.StatusCode)
	}
}
