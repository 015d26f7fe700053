package serve

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/engine"
	"conduit/metrics"
	"conduit/stream"
)

func running() (engine.Status, bool) {
	return engine.Status{
		RunID:  "run-1",
		Source: "camera:0",
		Phase:  engine.Running,
		Frames: 42,
		Destinations: []stream.Status{
			{Name: "core", State: stream.Streaming, Emitted: 7},
		},
	}, true
}

func idle() (engine.Status, bool) {
	return engine.Status{}, false
}

func TestHealthServer(t *testing.T) {
	rr := httptest.NewRecorder()
	(&HealthServer{Status: running}).ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, true, got["healthy"])
	run := got["run"].(map[string]interface{})
	assert.Equal(t, "running", run["phase"])
	dest := run["destinations"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "streaming", dest["state"])

	rr = httptest.NewRecorder()
	(&HealthServer{Status: idle}).ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"healthy": false}`, rr.Body.String())
}

func TestStatusUpdater(t *testing.T) {
	u := NewStatusUpdater(running, time.Hour)
	srv := httptest.NewServer(u)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() HealthResponse {
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, b, err := ws.ReadMessage()
		require.NoError(t, err)
		var hr HealthResponse
		require.NoError(t, json.Unmarshal(b, &hr))
		return hr
	}

	// The current status is pushed on connect.
	hr := read()
	assert.True(t, hr.Healthy)
	assert.Equal(t, "run-1", hr.Run.RunID)

	u.Notify()
	hr = read()
	assert.Equal(t, uint64(42), hr.Run.Frames)
}

func TestServerRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New()
	require.NoError(t, m.Register(reg))
	m.FramesCaptured.Add(3)

	s := NewServer(Options{Addr: ":0", Status: running, Gatherer: reg})
	srv := httptest.NewServer(s.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "conduit_source_frames_total 3")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
