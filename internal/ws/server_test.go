package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pairlink/sessiond/internal/creds"
	"github.com/pairlink/sessiond/internal/gateway"
	"github.com/pairlink/sessiond/internal/protocol/loopback"
	"github.com/pairlink/sessiond/internal/session"
	"github.com/pairlink/sessiond/internal/wire"
)

// newTestServer stands up a Server in front of a loopback-backed coordinator,
// with the hub registered as an event sink. The HTTP side runs on httptest.
func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, *session.Coordinator) {
	t.Helper()

	connector := loopback.NewConnector(loopback.Config{
		ConnectDelay:  time.Millisecond,
		OpenDelay:     5 * time.Millisecond,
		EmitFragments: true,
	})
	store := session.NewStore()
	gw := gateway.New()
	coord := session.NewCoordinator(session.Config{
		BaseDir: t.TempDir(),
		Delays: session.Delays{
			Pairing:   10 * time.Millisecond,
			Stabilize: 20 * time.Millisecond,
			Pacing:    time.Millisecond,
			Retire:    time.Minute,
			Backoff:   10 * time.Millisecond,
		},
	}, store, connector, creds.NewAssembler(), gw, nil)
	t.Cleanup(coord.Shutdown)

	srv, err := NewServer(cfg, coord, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	gw.Register(srv.Hub())
	t.Cleanup(func() { _ = srv.poller.Close() })

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts, coord
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func postSession(t *testing.T, url, body string) (*http.Response, wire.CreateSessionResponse) {
	t.Helper()
	resp, err := http.Post(url+"/sessions", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	defer resp.Body.Close()
	var out wire.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func dialObserver(t *testing.T, ts *httptest.Server) (net.Conn, func()) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, _, _, err := ws.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	return c, func() { _ = c.Close() }
}

func TestCreateSession_Accepted(t *testing.T) {
	_, ts, coord := newTestServer(t, DefaultConfig())

	resp, out := postSession(t, ts.URL, `{"identifier":"+1 (555) 010-2030"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if !out.Accepted {
		t.Errorf("accepted = false, error = %q", out.Error)
	}
	if out.Identifier != "15550102030" {
		t.Errorf("identifier = %q, want 15550102030", out.Identifier)
	}
	if coord.ActiveCount() != 1 {
		t.Errorf("ActiveCount = %d, want 1", coord.ActiveCount())
	}
}

func TestCreateSession_InvalidIdentifier(t *testing.T) {
	_, ts, coord := newTestServer(t, DefaultConfig())

	resp, out := postSession(t, ts.URL, `{"identifier":"123"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out.Accepted {
		t.Error("accepted = true for an invalid identifier")
	}
	if out.Error == "" {
		t.Error("error message missing")
	}
	if coord.ActiveCount() != 0 {
		t.Errorf("ActiveCount = %d, want 0", coord.ActiveCount())
	}
}

func TestCreateSession_MalformedBody(t *testing.T) {
	_, ts, _ := newTestServer(t, DefaultConfig())

	resp, out := postSession(t, ts.URL, `{`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if out.Accepted {
		t.Error("accepted = true for a malformed body")
	}
}

func TestListSessions(t *testing.T) {
	_, ts, _ := newTestServer(t, DefaultConfig())

	postSession(t, ts.URL, `{"identifier":"15550000002"}`)
	postSession(t, ts.URL, `{"identifier":"15550000001"}`)

	var infos []wire.SessionInfo
	waitUntil(t, 2*time.Second, func() bool {
		resp, err := http.Get(ts.URL + "/sessions")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		infos = nil
		if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
			return false
		}
		return len(infos) == 2 && infos[0].Connected && infos[1].Connected
	})

	if infos[0].Identifier != "15550000001" || infos[1].Identifier != "15550000002" {
		t.Errorf("listing not sorted by identifier: %+v", infos)
	}
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, DefaultConfig())

	postSession(t, ts.URL, `{"identifier":"15550009999"}`)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var health wire.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" {
		t.Errorf("status = %q, want ok", health.Status)
	}
	if health.ActiveSessionCount != 1 {
		t.Errorf("active_session_count = %d, want 1", health.ActiveSessionCount)
	}
	if _, err := time.Parse(time.RFC3339, health.Timestamp); err != nil {
		t.Errorf("timestamp %q is not RFC3339: %v", health.Timestamp, err)
	}
}

func TestObserver_PingPong(t *testing.T) {
	srv, ts, _ := newTestServer(t, DefaultConfig())

	conn, cleanup := dialObserver(t, ts)
	defer cleanup()
	waitUntil(t, 2*time.Second, func() bool { return srv.Hub().Count() == 1 })

	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	var pong wire.PongMsg
	if err := json.Unmarshal(data, &pong); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Type != wire.TypePong {
		t.Errorf("reply type = %q, want %q", pong.Type, wire.TypePong)
	}
}

func TestObserver_ReceivesLifecycleEvents(t *testing.T) {
	srv, ts, _ := newTestServer(t, DefaultConfig())

	conn, cleanup := dialObserver(t, ts)
	defer cleanup()
	waitUntil(t, 2*time.Second, func() bool { return srv.Hub().Count() == 1 })

	postSession(t, ts.URL, `{"identifier":"15557770001"}`)

	// Read until the pairing code shows up; it is scheduled after the status
	// events, so by then the stream has carried the interesting part of the
	// lifecycle.
	statuses := map[string]bool{}
	var pairing wire.Event
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for pairing.Type == "" {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.Fatalf("pairing_code never arrived (statuses so far %v): %v", statuses, err)
		}
		var ev wire.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		if ev.Identifier != "15557770001" {
			t.Errorf("event for unexpected identifier %q", ev.Identifier)
		}
		if ev.Ts == 0 {
			t.Error("event carries no timestamp")
		}
		switch ev.Type {
		case wire.TypeConnectionStatus:
			statuses[ev.Status] = true
		case wire.TypePairingCode:
			pairing = ev
		}
	}

	if !statuses[wire.StatusInitializing] {
		t.Errorf("no initializing status seen, got %v", statuses)
	}
	if pairing.Code != "PAIRLINK0" {
		t.Errorf("pairing code = %q, want PAIRLINK0", pairing.Code)
	}
}

func TestObserver_LimitEnforced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxObservers = 1
	srv, ts, _ := newTestServer(t, cfg)

	_, cleanup := dialObserver(t, ts)
	defer cleanup()
	waitUntil(t, 2*time.Second, func() bool { return srv.Hub().Count() == 1 })

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if c, _, _, err := ws.Dial(context.Background(), url); err == nil {
		c.Close()
		t.Fatal("second observer accepted past the limit")
	}
}

func TestHeartbeat_EvictsSilentObserver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Millisecond
	srv, ts, _ := newTestServer(t, cfg)
	t.Cleanup(func() { close(srv.done) })

	_, cleanup := dialObserver(t, ts)
	defer cleanup()
	waitUntil(t, 2*time.Second, func() bool { return srv.Hub().Count() == 1 })

	startHeartbeat(srv)

	// The observer never reads or writes, so its lastSeen goes stale and the
	// heartbeat removes it.
	waitUntil(t, 2*time.Second, func() bool { return srv.Hub().Count() == 0 })
}
