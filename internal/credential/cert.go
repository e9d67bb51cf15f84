package credential

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Cert is the self-contained credential used for fully offline
// verification: the issuer signs the CBOR-encoded claims with a key bundled
// into the app, so no key-set fetch is needed.
type Cert struct {
	Subject  string `cbor:"subject"`
	CampusID string `cbor:"campus_id"`
	Handle   string `cbor:"handle,omitempty"`
	Expiry   int64  `cbor:"expiry"`
}

type signedCert struct {
	Claims []byte `cbor:"claims"`
	Sig    []byte `cbor:"sig"`
}

// CertVerifier validates Certs against one bundled issuer key. It performs
// no I/O.
type CertVerifier struct {
	issuer ed25519.PublicKey
}

func NewCertVerifier(issuer ed25519.PublicKey) (*CertVerifier, error) {
	if len(issuer) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad issuer key size %d", len(issuer))
	}
	return &CertVerifier{issuer: issuer}, nil
}

func (v *CertVerifier) Verify(_ context.Context, raw []byte) (Attestation, error) {
	var sc signedCert
	if err := cbor.Unmarshal(raw, &sc); err != nil {
		return Attestation{}, ErrBadToken
	}
	if len(sc.Claims) == 0 || len(sc.Sig) != ed25519.SignatureSize {
		return Attestation{}, ErrBadToken
	}
	if !ed25519.Verify(v.issuer, sc.Claims, sc.Sig) {
		return Attestation{}, ErrBadSignature
	}
	var c Cert
	if err := cbor.Unmarshal(sc.Claims, &c); err != nil {
		return Attestation{}, ErrBadToken
	}
	if c.Subject == "" {
		return Attestation{}, fmt.Errorf("%w: subject", ErrMissingClaim)
	}
	if c.CampusID == "" {
		return Attestation{}, fmt.Errorf("%w: campus_id", ErrMissingClaim)
	}
	if c.Expiry <= 0 {
		return Attestation{}, fmt.Errorf("%w: expiry", ErrMissingClaim)
	}
	return Attestation{
		Subject:  c.Subject,
		CampusID: c.CampusID,
		Handle:   c.Handle,
		Expiry:   time.Unix(c.Expiry, 0).UTC(),
	}, nil
}

// SignCert encodes and signs a Cert with the issuer's private key. Used by
// issuer-side tooling and tests.
func SignCert(priv ed25519.PrivateKey, c Cert) ([]byte, error) {
	claims, err := cbor.Marshal(c)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(signedCert{Claims: claims, Sig: ed25519.Sign(priv, claims)})
}
