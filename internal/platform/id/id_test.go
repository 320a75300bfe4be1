package id

import (
	"strings"
	"testing"
)

func decodeID(t *testing.T, value string) []byte {
	t.Helper()
	decoded, err := encoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		t.Fatalf("decode id %q: %v", value, err)
	}
	if len(decoded) != 16 {
		t.Fatalf("decoded %d bytes, want 16", len(decoded))
	}
	return decoded
}

func TestNewIDIsLowercaseBase32WithoutPadding(t *testing.T) {
	value, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(value) != 26 {
		t.Fatalf("id length = %d, want 26", len(value))
	}
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			t.Fatalf("unexpected character %q in %q", r, value)
		}
	}
	decodeID(t, value)
}

func TestNewIDIsRandomUUID(t *testing.T) {
	decoded := decodeID(t, MustNewID())
	if version := decoded[6] >> 4; version != 4 {
		t.Fatalf("uuid version = %d, want 4", version)
	}
	if variant := decoded[8] & 0xC0; variant != 0x80 {
		t.Fatalf("uuid variant = 0x%X, want 0x80", variant)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool, 512)
	for i := 0; i < 512; i++ {
		value := MustNewID()
		if seen[value] {
			t.Fatalf("duplicate id %q after %d ids", value, i)
		}
		seen[value] = true
	}
}
