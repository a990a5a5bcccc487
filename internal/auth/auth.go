// Package auth signs and verifies the short-lived bearer tokens that bind
// a session to a channel (spec.md §4.1). No JWT library appears anywhere
// in the retrieved corpus, so the header.claims.signature construction is
// built directly on crypto/hmac + crypto/sha256 + encoding/base64 — see
// DESIGN.md for why no third-party dependency covers this.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/sfucore/sfu/internal/apperr"
)

// Algorithm identifies the signing algorithm named in the token header.
type Algorithm string

const AlgHS256 Algorithm = "HS256"

type header struct {
	Alg Algorithm `json:"alg"`
	Typ string    `json:"typ"`
}

// Claims carries the registered temporal claims plus every private claim
// the core recognises (spec.md §4.1).
type Claims struct {
	// Registered claims.
	ExpiresAt time.Time `json:"exp"`
	NotBefore time.Time `json:"nbf,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`

	// Private claims.
	ChannelUUID         string              `json:"sfu_channel_uuid,omitempty"`
	SessionID           string              `json:"session_id,omitempty"`
	ICEServers          json.RawMessage     `json:"ice_servers,omitempty"`
	Issuer              string              `json:"iss,omitempty"`
	KeyB64              string              `json:"key,omitempty"`
	SessionIDsByChannel map[string][]string `json:"sessionIdsByChannel,omitempty"`
}

type wireClaims struct {
	Exp                 int64               `json:"exp"`
	Nbf                 int64               `json:"nbf,omitempty"`
	Iat                 int64               `json:"iat,omitempty"`
	ChannelUUID         string              `json:"sfu_channel_uuid,omitempty"`
	SessionID           string              `json:"session_id,omitempty"`
	ICEServers          json.RawMessage     `json:"ice_servers,omitempty"`
	Issuer              string              `json:"iss,omitempty"`
	KeyB64              string              `json:"key,omitempty"`
	SessionIDsByChannel map[string][]string `json:"sessionIdsByChannel,omitempty"`
}

func (c Claims) toWire() wireClaims {
	w := wireClaims{
		Exp:                 c.ExpiresAt.Unix(),
		ChannelUUID:         c.ChannelUUID,
		SessionID:           c.SessionID,
		ICEServers:          c.ICEServers,
		Issuer:              c.Issuer,
		KeyB64:              c.KeyB64,
		SessionIDsByChannel: c.SessionIDsByChannel,
	}
	if !c.NotBefore.IsZero() {
		w.Nbf = c.NotBefore.Unix()
	}
	if !c.IssuedAt.IsZero() {
		w.Iat = c.IssuedAt.Unix()
	}
	return w
}

func fromWire(w wireClaims) Claims {
	c := Claims{
		ExpiresAt:           time.Unix(w.Exp, 0).UTC(),
		ChannelUUID:         w.ChannelUUID,
		SessionID:           w.SessionID,
		ICEServers:          w.ICEServers,
		Issuer:              w.Issuer,
		KeyB64:              w.KeyB64,
		SessionIDsByChannel: w.SessionIDsByChannel,
	}
	if w.Nbf != 0 {
		c.NotBefore = time.Unix(w.Nbf, 0).UTC()
	}
	if w.Iat != 0 {
		c.IssuedAt = time.Unix(w.Iat, 0).UTC()
	}
	return c
}

// Key decodes a base64-encoded per-channel verification key, per the
// "key" claim in spec.md §4.1.
func Key(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}

// Sign produces a compact header.claims.signature token per spec.md §4.1.
func Sign(claims Claims, key []byte, alg Algorithm) (string, error) {
	if len(key) == 0 {
		return "", apperr.Wrap(apperr.CodeConfig, "signing key is empty", nil)
	}
	if alg != AlgHS256 {
		return "", apperr.Wrap(apperr.CodeUnsupportedAlgorithm, string(alg), nil)
	}

	h := header{Alg: alg, Typ: "JWT"}
	headerJSON, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims.toWire())
	if err != nil {
		return "", err
	}

	headerB64 := base64.RawURLEncoding.EncodeToString(headerJSON)
	claimsB64 := base64.RawURLEncoding.EncodeToString(claimsJSON)
	signedData := headerB64 + "." + claimsB64

	sig := signHMAC(signedData, key)
	sigB64 := base64.RawURLEncoding.EncodeToString(sig)

	return signedData + "." + sigB64, nil
}

func signHMAC(signedData string, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signedData))
	return mac.Sum(nil)
}

// Verify checks the signature and registered temporal claims of token
// against key, returning the decoded claims on success.
func Verify(token string, key []byte) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, authErr("malformed token", nil)
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, authErr("malformed header", err)
	}
	var h header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return Claims{}, authErr("malformed header", err)
	}
	if h.Alg != AlgHS256 {
		return Claims{}, authErr("unsupported algorithm", nil)
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, authErr("malformed claims", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, authErr("malformed signature", err)
	}

	signedData := parts[0] + "." + parts[1]
	want := signHMAC(signedData, key)
	if !hmac.Equal(sig, want) {
		return Claims{}, authErr("signature mismatch", nil)
	}

	var w wireClaims
	if err := json.Unmarshal(claimsJSON, &w); err != nil {
		return Claims{}, authErr("malformed claims", err)
	}
	claims := fromWire(w)

	now := time.Now()
	if !claims.ExpiresAt.IsZero() && now.After(claims.ExpiresAt) {
		return Claims{}, authErr("expired", nil)
	}
	if !claims.NotBefore.IsZero() && now.Before(claims.NotBefore) {
		return Claims{}, authErr("not yet valid", nil)
	}
	if !claims.IssuedAt.IsZero() && claims.IssuedAt.After(now.Add(60*time.Second)) {
		return Claims{}, authErr("issued in future", nil)
	}

	return claims, nil
}

func authErr(msg string, cause error) *apperr.Error {
	return apperr.Wrap(apperr.CodeAuthentication, msg, cause)
}
