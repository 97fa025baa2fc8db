package elementkey

import (
	"bytes"
	"testing"
)

func TestNewPicksEncoding(t *testing.T) {
	tests := []struct {
		owner string
		hasID bool
		want  Encoding
	}{
		{"1a2b", true, Hex},
		{"ABC", true, Hex},
		{"crate-01", true, ASCII},
		{"1a2b", false, ASCII},
		{"", true, ASCII},
	}
	for _, tt := range tests {
		k := New("Door", tt.owner, tt.hasID)
		if k.Encoding != tt.want {
			t.Errorf("New(%q, %v).Encoding = %v, want %v", tt.owner, tt.hasID, k.Encoding, tt.want)
		}
	}
}

func TestBytesParse(t *testing.T) {
	keys := []Key{
		New("Door", "1a2b3c4d", true),
		New("Door", "abc", true),
		New("Lamp", "Scene/Lamp (1)", false),
		New("Lamp", "", false),
	}
	for _, k := range keys {
		got, err := Parse(k.Bytes())
		if err != nil {
			t.Fatalf("Parse(%v): %v", k, err)
		}
		if !got.Equal(k) {
			t.Errorf("Parse(%v) = %+v", k, got)
		}
		if got.Encoding != k.Encoding {
			t.Errorf("Parse(%v) encoding = %v, want %v", k, got.Encoding, k.Encoding)
		}
		if !k.Compare(k.Bytes()) {
			t.Errorf("%v does not compare equal to its own bytes", k)
		}
	}
}

func TestHexIsCompact(t *testing.T) {
	k := New("Door", "00ff00ff", true)
	a := New("Door", "00ff00ff", false)
	if len(k.Bytes()) >= len(a.Bytes()) {
		t.Fatalf("hex key %d bytes, ascii key %d bytes", len(k.Bytes()), len(a.Bytes()))
	}
}

func TestEqualIgnoresEncoding(t *testing.T) {
	if !New("Door", "ab", true).Equal(New("Door", "ab", false)) {
		t.Fatal("keys with same type and owner must be equal")
	}
	if New("Door", "ab", true).Equal(New("Lamp", "ab", true)) {
		t.Fatal("keys of different types must differ")
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	good := New("Door", "owner", false).Bytes()
	bad := [][]byte{
		nil,
		good[:3],
		good[:len(good)-1],
		append(bytes.Clone(good[:4]), 9, 0, 0),
	}
	for i, b := range bad {
		if _, err := Parse(b); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
