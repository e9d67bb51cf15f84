// Package credential verifies campus-membership credentials. Two formats
// feed the same normalized result: an issuer-signed bearer token checked
// against a fetched key set, and a self-contained cert checked against a
// bundled issuer key. The authorization gate only ever sees Attestation.
package credential

import (
	"context"
	"errors"
	"time"
)

// Attestation is a verified claim of campus membership.
type Attestation struct {
	Subject  string
	CampusID string
	Handle   string
	Expiry   time.Time
}

type Verifier interface {
	Verify(ctx context.Context, raw []byte) (Attestation, error)
}

var (
	ErrBadToken     = errors.New("credential: malformed token")
	ErrBadAlgorithm = errors.New("credential: unsupported algorithm")
	ErrMissingClaim = errors.New("credential: missing required claim")
	ErrUnknownKey   = errors.New("credential: unknown key id")
	ErrBadSignature = errors.New("credential: signature verification failed")
)
