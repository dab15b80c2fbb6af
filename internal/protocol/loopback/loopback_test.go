package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairlink/sessiond/internal/protocol"
)

func fastConfig() Config {
	return Config{
		ConnectDelay:  time.Millisecond,
		OpenDelay:     5 * time.Millisecond,
		EmitFragments: true,
	}
}

func dial(t *testing.T, cfg Config) (*Conn, string) {
	t.Helper()
	dir := t.TempDir()
	conn, err := NewConnector(cfg).Connect(context.Background(), "15551234567", dir)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Conn), dir
}

func recvUpdate(t *testing.T, ch <-chan protocol.Update) (protocol.Update, bool) {
	t.Helper()
	select {
	case u, ok := <-ch:
		return u, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection update")
		return protocol.Update{}, false
	}
}

func waitForOpen(t *testing.T, conn *Conn) {
	t.Helper()
	for {
		u, ok := recvUpdate(t, conn.Updates())
		if !ok {
			t.Fatal("update stream ended before the connection opened")
		}
		if u.State == protocol.StateOpen {
			return
		}
	}
}

func readCreds(t *testing.T, dir string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, credsFile))
	if err != nil {
		t.Fatalf("failed to read %s: %v", credsFile, err)
	}
	var creds map[string]any
	if err := json.Unmarshal(b, &creds); err != nil {
		t.Fatalf("%s is not valid JSON: %v", credsFile, err)
	}
	return creds
}

// ---------------------------------------------------------------------------
// Test: The simulated handshake reports connecting then open
// ---------------------------------------------------------------------------

func TestHandshake_ConnectingThenOpen(t *testing.T) {
	conn, _ := dial(t, fastConfig())

	u, ok := recvUpdate(t, conn.Updates())
	if !ok || u.State != protocol.StateConnecting {
		t.Fatalf("expected a connecting update first, got %+v (ok=%t)", u, ok)
	}
	u, ok = recvUpdate(t, conn.Updates())
	if !ok || u.State != protocol.StateOpen {
		t.Fatalf("expected an open update second, got %+v (ok=%t)", u, ok)
	}
}

func TestHandshake_ZeroDelays(t *testing.T) {
	conn, _ := dial(t, Config{})

	u, _ := recvUpdate(t, conn.Updates())
	if u.State != protocol.StateConnecting {
		t.Fatalf("expected a connecting update, got %+v", u)
	}
	u, _ = recvUpdate(t, conn.Updates())
	if u.State != protocol.StateOpen {
		t.Fatalf("expected an open update, got %+v", u)
	}
}

// ---------------------------------------------------------------------------
// Test: FailNext scripts exactly one connect failure
// ---------------------------------------------------------------------------

func TestFailNext_FailsOnce(t *testing.T) {
	connector := NewConnector(fastConfig())
	scripted := errors.New("loopback test: no route")
	connector.FailNext(scripted)

	if _, err := connector.Connect(context.Background(), "15551234567", t.TempDir()); !errors.Is(err, scripted) {
		t.Fatalf("expected the scripted error, got %v", err)
	}

	conn, err := connector.Connect(context.Background(), "15551234567", t.TempDir())
	if err != nil {
		t.Fatalf("expected the second Connect to succeed, got %v", err)
	}
	_ = conn.Close()
}

// ---------------------------------------------------------------------------
// Test: Fragment files land in the storage dir before open is reported
// ---------------------------------------------------------------------------

func TestHandshake_WritesFragments(t *testing.T) {
	conn, dir := dial(t, fastConfig())
	waitForOpen(t, conn)

	for _, name := range []string{credsFile, preKeyFile, senderKeyFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected fragment %s to exist: %v", name, err)
		}
	}

	creds := readCreds(t, dir)
	if creds["identifier"] != "15551234567" {
		t.Errorf("expected the identifier in %s, got %v", credsFile, creds["identifier"])
	}
	if creds["registered"] != false {
		t.Errorf("expected registered=false before pairing, got %v", creds["registered"])
	}
}

func TestHandshake_FragmentsDisabled(t *testing.T) {
	cfg := fastConfig()
	cfg.EmitFragments = false
	conn, dir := dial(t, cfg)
	waitForOpen(t, conn)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to list storage dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected an empty storage dir, got %d entries", len(entries))
	}
}

// ---------------------------------------------------------------------------
// Test: Pairing echoes the code and upgrades the written credentials
// ---------------------------------------------------------------------------

func TestRequestPairingCode_EchoesAndRegisters(t *testing.T) {
	cfg := fastConfig()
	cfg.OpenDelay = 100 * time.Millisecond
	conn, dir := dial(t, cfg)

	code, err := conn.RequestPairingCode(context.Background(), "PAIRLINK0")
	if err != nil {
		t.Fatalf("RequestPairingCode error: %v", err)
	}
	if code != "PAIRLINK0" {
		t.Errorf("expected the code to be echoed, got %q", code)
	}

	waitForOpen(t, conn)
	if creds := readCreds(t, dir); creds["registered"] != true {
		t.Errorf("expected registered=true after pairing, got %v", creds["registered"])
	}
}

func TestRegisteredConfig_SkipsPairing(t *testing.T) {
	cfg := fastConfig()
	cfg.Registered = true
	conn, dir := dial(t, cfg)

	if !conn.Registered() {
		t.Error("expected the connection to report registered")
	}
	waitForOpen(t, conn)
	if creds := readCreds(t, dir); creds["registered"] != true {
		t.Errorf("expected registered=true credentials, got %v", creds["registered"])
	}
}

// ---------------------------------------------------------------------------
// Test: Send is gated on the open state and retained for inspection
// ---------------------------------------------------------------------------

func TestSend_BeforeOpenFails(t *testing.T) {
	cfg := fastConfig()
	cfg.OpenDelay = 100 * time.Millisecond
	conn, _ := dial(t, cfg)

	if err := conn.Send(context.Background(), "too early"); err == nil {
		t.Fatal("expected an error for a send before open")
	}
	if got := conn.Sent(); len(got) != 0 {
		t.Errorf("expected nothing retained, got %v", got)
	}
}

func TestSend_AfterOpenRecords(t *testing.T) {
	conn, _ := dial(t, fastConfig())
	waitForOpen(t, conn)

	for _, text := range []string{"first", "second"} {
		if err := conn.Send(context.Background(), text); err != nil {
			t.Fatalf("Send(%q) error: %v", text, err)
		}
	}

	got := conn.Sent()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("expected both messages in order, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Drop and Close end the stream with a terminal update
// ---------------------------------------------------------------------------

func TestDrop_EmitsTerminalClose(t *testing.T) {
	conn, _ := dial(t, fastConfig())
	waitForOpen(t, conn)

	conn.Drop(true)

	u, ok := recvUpdate(t, conn.Updates())
	if !ok {
		t.Fatal("expected a close update before the stream ends")
	}
	if u.State != protocol.StateClose || !u.LoggedOut || u.Err == nil {
		t.Errorf("expected a logged-out close with a cause, got %+v", u)
	}
	if _, ok := recvUpdate(t, conn.Updates()); ok {
		t.Error("expected the stream to end after the close update")
	}

	if err := conn.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed for a send after drop, got %v", err)
	}
	if _, err := conn.RequestPairingCode(context.Background(), "X"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed for pairing after drop, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectDelay = 100 * time.Millisecond
	conn, _ := dial(t, cfg)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}

	u, ok := recvUpdate(t, conn.Updates())
	if !ok {
		t.Fatal("expected a close update before the stream ends")
	}
	if u.State != protocol.StateClose || u.LoggedOut || u.Err != nil {
		t.Errorf("expected a clean close update, got %+v", u)
	}
	if _, ok := recvUpdate(t, conn.Updates()); ok {
		t.Error("expected the stream to end after the close update")
	}
}

// Closing during the handshake suppresses the remaining lifecycle updates.
func TestClose_CancelsHandshake(t *testing.T) {
	cfg := fastConfig()
	cfg.ConnectDelay = 50 * time.Millisecond
	conn, dir := dial(t, cfg)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	sawOpen := false
	for {
		u, ok := recvUpdate(t, conn.Updates())
		if !ok {
			break
		}
		if u.State == protocol.StateOpen {
			sawOpen = true
		}
	}
	if sawOpen {
		t.Error("expected no open update after an early close")
	}

	// Give the handshake goroutine a chance to misbehave.
	time.Sleep(4 * cfg.ConnectDelay)
	if _, err := os.Stat(filepath.Join(dir, credsFile)); !os.IsNotExist(err) {
		t.Errorf("expected no fragments after an early close, stat err=%v", err)
	}
}
