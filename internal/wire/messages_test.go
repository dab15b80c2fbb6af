package wire

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Encoding a pairing_code event
// ---------------------------------------------------------------------------

func TestEncodeEvent_PairingCode(t *testing.T) {
	ev := NewPairingCode("15551234567", "PAIRLINK0")

	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypePairingCode {
		t.Errorf("expected type %q, got %v", TypePairingCode, result["type"])
	}
	if result["identifier"] != "15551234567" {
		t.Errorf("expected identifier %q, got %v", "15551234567", result["identifier"])
	}
	if result["code"] != "PAIRLINK0" {
		t.Errorf("expected code %q, got %v", "PAIRLINK0", result["code"])
	}
	if _, present := result["status"]; present {
		t.Errorf("expected status to be omitted, got %v", result["status"])
	}
	if _, present := result["message"]; present {
		t.Errorf("expected message to be omitted, got %v", result["message"])
	}

	ts, ok := result["ts"].(float64)
	if !ok {
		t.Fatalf("expected ts to be a number, got %T", result["ts"])
	}
	if int64(ts) == 0 {
		t.Error("expected non-zero ts")
	}
}

// ---------------------------------------------------------------------------
// Test: Each constructor stamps the right discriminator and payload field
// ---------------------------------------------------------------------------

func TestEventConstructors(t *testing.T) {
	cases := []struct {
		name      string
		ev        Event
		wantType  string
		wantField string
		wantValue string
	}{
		{"pairing_code", NewPairingCode("15551234567", "ABCD1234"), TypePairingCode, "code", "ABCD1234"},
		{"connection_status", NewConnectionStatus("15551234567", StatusConnecting), TypeConnectionStatus, "status", StatusConnecting},
		{"session_ready", NewSessionReady("15551234567", "session ready"), TypeSessionReady, "message", "session ready"},
		{"error", NewError("15551234567", "pairing failed"), TypeError, "message", "pairing failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.ev.Type != tc.wantType {
				t.Fatalf("expected type %q, got %q", tc.wantType, tc.ev.Type)
			}
			if tc.ev.Identifier != "15551234567" {
				t.Errorf("expected identifier %q, got %q", "15551234567", tc.ev.Identifier)
			}

			data, err := EncodeEvent(tc.ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var result map[string]interface{}
			if err := json.Unmarshal(data, &result); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if result[tc.wantField] != tc.wantValue {
				t.Errorf("expected %s %q, got %v", tc.wantField, tc.wantValue, result[tc.wantField])
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_ConnectionStatus(t *testing.T) {
	original := NewConnectionStatus("447700900123", StatusConnected)

	data, err := EncodeEvent(original)
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("type mismatch: expected %q, got %q", original.Type, decoded.Type)
	}
	if decoded.Identifier != original.Identifier {
		t.Errorf("identifier mismatch: expected %q, got %q", original.Identifier, decoded.Identifier)
	}
	if decoded.Status != original.Status {
		t.Errorf("status mismatch: expected %q, got %q", original.Status, decoded.Status)
	}
	if decoded.Ts != original.Ts {
		t.Errorf("ts mismatch: expected %d, got %d", original.Ts, decoded.Ts)
	}
}

// ---------------------------------------------------------------------------
// Test: Timestamps are stamped at construction time
// ---------------------------------------------------------------------------

func TestEvent_TimestampIsCurrent(t *testing.T) {
	before := time.Now().Unix()
	ev := NewSessionReady("15551234567", "ready")
	after := time.Now().Unix()

	if ev.Ts < before || ev.Ts > after {
		t.Errorf("expected ts in [%d, %d], got %d", before, after, ev.Ts)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing observer messages
// ---------------------------------------------------------------------------

func TestParseObserverMessage_Ping(t *testing.T) {
	msgType, err := ParseObserverMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Errorf("expected type %q, got %q", TypePing, msgType)
	}
}

func TestParseObserverMessage_UnknownType(t *testing.T) {
	msgType, err := ParseObserverMessage([]byte(`{"type":"subscribe","topic":"all"}`))
	if err == nil {
		t.Fatal("expected an error for unsupported message type, got nil")
	}
	if msgType != "subscribe" {
		t.Errorf("expected returned type %q, got %q", "subscribe", msgType)
	}
}

func TestParseObserverMessage_MissingType(t *testing.T) {
	if _, err := ParseObserverMessage([]byte(`{"data":"no type field"}`)); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestParseObserverMessage_InvalidJSON(t *testing.T) {
	if _, err := ParseObserverMessage([]byte(`{invalid json}`)); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Pong reply encoding
// ---------------------------------------------------------------------------

func TestNewPong(t *testing.T) {
	var decoded PongMsg
	if err := json.Unmarshal(NewPong(), &decoded); err != nil {
		t.Fatalf("failed to unmarshal pong: %v", err)
	}
	if decoded.Type != TypePong {
		t.Errorf("expected type %q, got %q", TypePong, decoded.Type)
	}
}
