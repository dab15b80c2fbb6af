package messaging

import (
	"testing"
	"time"
)

// newTestClient connects to a local NATS instance. Tests that call this
// helper require a running NATS server on the default port.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(DefaultConfig())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitForFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a NATS message")
		return nil
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	client := newTestClient(t)

	received := make(chan []byte, 1)
	if err := client.SubscribeSessionEvents("15551234567", func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := []byte(`{"type":"session_ready","identifier":"15551234567"}`)
	if err := client.PublishSessionEvent("15551234567", payload); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	if got := waitForFrame(t, received); string(got) != string(payload) {
		t.Errorf("expected payload %s, got %s", payload, got)
	}

	if err := client.UnsubscribeSessionEvents("15551234567"); err != nil {
		t.Errorf("unsubscribe error: %v", err)
	}
	if err := client.UnsubscribeSessionEvents("15551234567"); err == nil {
		t.Error("expected an error for a double unsubscribe")
	}
}

func TestEventSink_RoutesByIdentifier(t *testing.T) {
	client := newTestClient(t)

	received := make(chan []byte, 1)
	if err := client.SubscribeAllSessionEvents(func(data []byte) {
		received <- data
	}); err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	sink := NewEventSink(client)
	sink.Broadcast([]byte(`{"type":"error","identifier":"447700900123","message":"boom"}`))

	got := waitForFrame(t, received)
	if string(got) == "" {
		t.Fatal("expected a routed event")
	}

	// Frames without an identifier are dropped, not published.
	sink.Broadcast([]byte(`{"type":"error"}`))
	sink.Broadcast([]byte(`not json`))
	select {
	case data := <-received:
		t.Errorf("expected no publish for unroutable frames, got %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}
