package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i4.energy/across/cellmodem/modem"
	"i4.energy/across/cellmodem/sara"
)

const ok = "\r\nOK\r\n"

// script answers commands written to a TestTransport.
type script struct {
	tr      *modem.TestTransport
	mu      sync.Mutex
	replies map[string]string
}

func (s *script) on(cmd, reply string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = reply
}

func (s *script) onWrite(p []byte) {
	cmd := strings.TrimRight(string(p), "\r\n")
	s.mu.Lock()
	reply, found := s.replies[cmd]
	s.mu.Unlock()
	if found {
		s.tr.SendData(reply)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *script, *Hub) {
	t.Helper()

	tr := modem.NewTestTransport()
	sc := &script{tr: tr, replies: make(map[string]string)}
	tr.OnWrite = sc.onWrite

	registry := prometheus.NewRegistry()
	config, err := modem.NewConfigBuilder().
		WithDialer(modem.TransportDialer{Transport: tr}).
		WithATTimeout(time.Second).
		WithMetrics(registry).
		Build()
	require.NoError(t, err)
	m, err := modem.New(context.Background(), config)
	require.NoError(t, err)
	mod, err := sara.New(m, sara.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Loop(ctx)
	}()

	logger := slog.New(slog.DiscardHandler)
	hub := NewHub(logger, mod.State().Snapshot)
	unsubscribe := mod.State().Subscribe(hub.Publish)

	srv := httptest.NewServer(&Server{
		Logger:  logger,
		Module:  mod,
		Events:  hub,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		unsubscribe()
		cancel()
		m.Close()
		<-done
	})
	return srv, sc, hub
}

func postAT(t *testing.T, srv *httptest.Server, req ATRequest) *http.Response {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/at", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleAT(t *testing.T) {
	srv, sc, _ := newTestServer(t)
	sc.on("AT+CCID?", "\r\n+CCID: 8944500601200212345\r\n"+ok)
	sc.on("AT+COPS?", "\r\n+CME ERROR: 30\r\n")
	sc.on("AT", ok)

	t.Run("Reply fields", func(t *testing.T) {
		resp := postAT(t, srv, ATRequest{Command: "AT+CCID?", Expect: true})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

		var got ATResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, []string{"8944500601200212345"}, got.Fields)
	})

	t.Run("Bare OK", func(t *testing.T) {
		resp := postAT(t, srv, ATRequest{Command: "AT"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Coded error", func(t *testing.T) {
		resp := postAT(t, srv, ATRequest{Command: "AT+COPS?", Expect: true})
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("Timeout", func(t *testing.T) {
		resp := postAT(t, srv, ATRequest{Command: "AT+CSQ", TimeoutMS: 50})
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	})

	t.Run("Empty command", func(t *testing.T) {
		resp := postAT(t, srv, ATRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Invalid body", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/at", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Request id is kept", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/at", strings.NewReader(`{"command":"AT"}`))
		require.NoError(t, err)
		req.Header.Set("X-Request-Id", "abc")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "abc", resp.Header.Get("X-Request-Id"))
	})
}

func TestHandleState(t *testing.T) {
	srv, sc, _ := newTestServer(t)

	sc.tr.SendData("\r\n+CSCON: 1\r\n")
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var snap struct {
			SignallingConnected bool `json:"signalling_connected"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return snap.SignallingConnected
	}, time.Second, 10*time.Millisecond)
}

func TestHandleFiles(t *testing.T) {
	srv, sc, _ := newTestServer(t)
	sc.on("AT+ULSTFILE=0", "\r\n+ULSTFILE: \"a.txt\"\r\n"+ok)
	sc.on("AT+ULSTFILE=1", "\r\n+ULSTFILE: 1000\r\n"+ok)
	sc.on(`AT+URDFILE="a.txt"`, "\r\n+URDFILE: \"a.txt\",7,\"x\r\n\r\nyz\"\r\n"+ok)

	t.Run("List", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/files")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"files":["a.txt"],"free":1000}`, readAll(t, resp.Body))
	})

	t.Run("Read", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/files/a.txt")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "x\r\n\r\nyz", readAll(t, resp.Body))
	})

	t.Run("Invalid name", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/files/.hidden")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleMetrics(t *testing.T) {
	srv, sc, _ := newTestServer(t)
	sc.on("AT", ok)
	postAT(t, srv, ATRequest{Command: "AT"})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, readAll(t, resp.Body), "cellmodem_at_commands_total")
}

func TestEvents(t *testing.T) {
	srv, sc, hub := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// the registration status is sent by name, so the snapshot is
	// decoded loosely
	type event struct {
		Type     string         `json:"type"`
		Snapshot map[string]any `json:"snapshot"`
		Change   *sara.Change   `json:"change"`
	}

	var ev event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "snapshot", ev.Type)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, false, ev.Snapshot["signalling_connected"])
	assert.Equal(t, "not_reported", ev.Snapshot["registration"])

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	sc.tr.SendData("\r\n+CSCON: 1\r\n")

	ev = event{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "change", ev.Type)
	require.NotNil(t, ev.Change)
	assert.Equal(t, "signalling_connected", ev.Change.Parameter)
	assert.Equal(t, true, ev.Change.New)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}
