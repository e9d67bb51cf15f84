package credential

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TokenVerifier checks three-part compact-serialized bearer tokens
// (header.payload.signature, each base64url) signed with RSA-SHA256 by the
// campus issuer. Key material comes from the KeySet, which may fetch over
// the network; Verify must therefore never be called under the gate's lock.
type TokenVerifier struct {
	keys *KeySet
}

func NewTokenVerifier(keys *KeySet) *TokenVerifier {
	return &TokenVerifier{keys: keys}
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

type tokenClaims struct {
	Sub      string      `json:"sub"`
	CampusID string      `json:"campus_id"`
	Handle   string      `json:"handle"`
	Exp      json.Number `json:"exp"`
}

func (v *TokenVerifier) Verify(ctx context.Context, raw []byte) (Attestation, error) {
	parts := strings.Split(string(raw), ".")
	if len(parts) != 3 {
		return Attestation{}, ErrBadToken
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Attestation{}, ErrBadToken
	}
	var hdr tokenHeader
	if err := json.Unmarshal(headerJSON, &hdr); err != nil {
		return Attestation{}, ErrBadToken
	}
	if hdr.Alg != "RS256" {
		return Attestation{}, fmt.Errorf("%w: %q", ErrBadAlgorithm, hdr.Alg)
	}
	if hdr.Kid == "" {
		return Attestation{}, fmt.Errorf("%w: kid", ErrMissingClaim)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Attestation{}, ErrBadToken
	}
	var claims tokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return Attestation{}, ErrBadToken
	}
	if claims.Sub == "" {
		return Attestation{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if claims.CampusID == "" {
		return Attestation{}, fmt.Errorf("%w: campus_id", ErrMissingClaim)
	}
	exp, err := claims.Exp.Float64()
	if err != nil || exp <= 0 {
		return Attestation{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Attestation{}, ErrBadToken
	}
	key, err := v.keys.Key(ctx, hdr.Kid)
	if err != nil {
		return Attestation{}, err
	}
	signed := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, signed[:], sig); err != nil {
		return Attestation{}, ErrBadSignature
	}
	return Attestation{
		Subject:  claims.Sub,
		CampusID: claims.CampusID,
		Handle:   claims.Handle,
		Expiry:   time.Unix(int64(exp), 0).UTC(),
	}, nil
}
