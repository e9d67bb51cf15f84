package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Credential kinds carried in an attestation offer.
const (
	CredentialToken = 1 // issuer-signed bearer token, verified against the key set
	CredentialCert  = 2 // self-contained cert, verified against the bundled issuer key
)

const MaxCredentialSize = 8 << 10

// AttestationOffer carries a peer's membership credential. The receiver
// verifies it and feeds the result into its gate; the raw credential is
// never trusted as-is.
type AttestationOffer struct {
	Kind       uint8  `cbor:"kind"`
	Credential []byte `cbor:"credential"`
}

func EncodeAttestationOffer(o AttestationOffer) ([]byte, error) {
	if o.Kind != CredentialToken && o.Kind != CredentialCert {
		return nil, fmt.Errorf("unknown credential kind %d", o.Kind)
	}
	if len(o.Credential) == 0 || len(o.Credential) > MaxCredentialSize {
		return nil, fmt.Errorf("bad credential size %d", len(o.Credential))
	}
	return cbor.Marshal(o)
}

func DecodeAttestationOffer(data []byte) (AttestationOffer, error) {
	var o AttestationOffer
	if err := cbor.Unmarshal(data, &o); err != nil {
		return AttestationOffer{}, err
	}
	if o.Kind != CredentialToken && o.Kind != CredentialCert {
		return AttestationOffer{}, fmt.Errorf("unknown credential kind %d", o.Kind)
	}
	if len(o.Credential) == 0 || len(o.Credential) > MaxCredentialSize {
		return AttestationOffer{}, fmt.Errorf("bad credential size %d", len(o.Credential))
	}
	return o, nil
}
