package identity

import (
	"errors"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare digits", "15551234567", "15551234567"},
		{"plus prefix", "+15551234567", "15551234567"},
		{"spaces and dashes", "1 555-123-4567", "15551234567"},
		{"parentheses", "+1 (555) 123 4567", "15551234567"},
		{"exactly ten digits", "5551234567", "5551234567"},
		{"long international", "4915791234567", "4915791234567"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalize_Invalid(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"too short", "123"},
		{"nine digits", "555123456"},
		{"letters only", "not-a-number"},
		{"nine digits with noise", "+1 (55) 512-345"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.in)
			if err == nil {
				t.Fatalf("Normalize(%q) expected error, got nil", tc.in)
			}
			if !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("Normalize(%q) error = %v, want ErrInvalidIdentifier", tc.in, err)
			}
		})
	}
}

func TestStorageDirName(t *testing.T) {
	if got := StorageDirName("15551234567"); got != "session_15551234567" {
		t.Errorf("StorageDirName = %q, want %q", got, "session_15551234567")
	}
}

func TestIdentifierFromDirName(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{"round trip", "session_15551234567", "15551234567", true},
		{"no prefix", "15551234567", "", false},
		{"prefix only", "session_", "", false},
		{"non-digit suffix", "session_abc123", "", false},
		{"unrelated dir", "tmp", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := IdentifierFromDirName(tc.in)
			if ok != tc.wantOK {
				t.Fatalf("IdentifierFromDirName(%q) ok = %v, want %v", tc.in, ok, tc.wantOK)
			}
			if got != tc.want {
				t.Errorf("IdentifierFromDirName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
