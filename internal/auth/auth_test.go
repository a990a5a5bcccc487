package auth

import (
	"testing"
	"time"
)

var testKey = []byte("0123456789abcdef")

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	claims := Claims{
		ExpiresAt:   time.Now().Add(time.Minute),
		ChannelUUID: "chan-1",
		SessionID:   "sess-1",
		Issuer:      "test-issuer",
	}

	token, err := Sign(claims, testKey, AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := Verify(token, testKey)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ChannelUUID != claims.ChannelUUID {
		t.Errorf("ChannelUUID = %q, want %q", got.ChannelUUID, claims.ChannelUUID)
	}
	if got.SessionID != claims.SessionID {
		t.Errorf("SessionID = %q, want %q", got.SessionID, claims.SessionID)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	t.Parallel()

	token, err := Sign(Claims{ExpiresAt: time.Now().Add(time.Minute)}, testKey, AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := Verify(token, []byte("wrong-key-wrong-key")); err == nil {
		t.Fatal("expected verification failure with wrong key")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	token, err := Sign(Claims{ExpiresAt: time.Now().Add(-time.Minute)}, testKey, AlgHS256)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := Verify(token, testKey); err == nil {
		t.Fatal("expected verification failure for expired token")
	}
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	t.Parallel()

	if _, err := Verify("not.a.jwt.token", testKey); err == nil {
		t.Fatal("expected malformed token error")
	}
	if _, err := Verify("onlyonepart", testKey); err == nil {
		t.Fatal("expected malformed token error")
	}
}

func TestSignRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := Sign(Claims{}, nil, AlgHS256); err == nil {
		t.Fatal("expected error signing with empty key")
	}
}

func TestSignRejectsUnsupportedAlgorithm(t *testing.T) {
	t.Parallel()

	if _, err := Sign(Claims{}, testKey, Algorithm("RS256")); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
