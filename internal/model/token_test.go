package model

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseToken(t *testing.T) {
	token, err := ParseToken("A1B2c3d4")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if token.String() != "a1b2c3d4" {
		t.Fatalf("expected canonical lower-case form, got %q", token.String())
	}
	if !bytes.Equal(token.Binary(), []byte{0xa1, 0xb2, 0xc3, 0xd4}) {
		t.Fatalf("unexpected binary form %x", token.Binary())
	}
}

func TestParseTokenStripsWhitespace(t *testing.T) {
	token, err := ParseToken("a1 b2\tc3\nd4")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if token.String() != "a1b2c3d4" {
		t.Fatalf("got %q", token.String())
	}
}

func TestParseTokenRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "   ", "xyz", "a1b"} {
		if _, err := ParseToken(raw); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", raw, err)
		}
	}
}

func TestTokenFromBytes(t *testing.T) {
	token, err := TokenFromBytes([]byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("from bytes failed: %v", err)
	}
	if token.String() != "dead" {
		t.Fatalf("got %q", token.String())
	}
	if _, err := TokenFromBytes(nil); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty input, got %v", err)
	}
}
