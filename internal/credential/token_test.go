package credential_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skywalkerx28/chatM-sub000/internal/credential"
)

type issuer struct {
	key     *rsa.PrivateKey
	kid     string
	server  *httptest.Server
	fetches atomic.Int64
	fail    atomic.Bool
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	is := &issuer{key: key, kid: "key-1"}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		is.fetches.Add(1)
		if is.fail.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		e := big.NewInt(int64(key.PublicKey.E))
		doc := map[string]any{
			"keys": []map[string]string{{
				"kid": is.kid,
				"kty": "RSA",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(e.Bytes()),
			}},
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	is.server = httptest.NewServer(mux)
	t.Cleanup(is.server.Close)
	return is
}

func (is *issuer) token(t *testing.T, claims map[string]any) []byte {
	return is.tokenWithKid(t, is.kid, claims)
}

func (is *issuer) tokenWithKid(t *testing.T, kid string, claims map[string]any) []byte {
	t.Helper()
	header := map[string]string{"alg": "RS256", "kid": kid, "typ": "JWT"}
	headerJSON, _ := json.Marshal(header)
	claimsJSON, _ := json.Marshal(claims)
	signing := base64.RawURLEncoding.EncodeToString(headerJSON) + "." + base64.RawURLEncoding.EncodeToString(claimsJSON)
	digest := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, is.key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return []byte(signing + "." + base64.RawURLEncoding.EncodeToString(sig))
}

func standardClaims(exp time.Time) map[string]any {
	return map[string]any{
		"sub":       "alice@mcgill.ca",
		"campus_id": "mcgill.ca",
		"handle":    "alice",
		"exp":       exp.Unix(),
	}
}

func TestTokenVerify(t *testing.T) {
	is := newIssuer(t)
	v := credential.NewTokenVerifier(credential.NewKeySet(is.server.URL, credential.KeySetOptions{}))
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	att, err := v.Verify(context.Background(), is.token(t, standardClaims(exp)))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if att.Subject != "alice@mcgill.ca" || att.CampusID != "mcgill.ca" || att.Handle != "alice" {
		t.Fatalf("unexpected attestation %+v", att)
	}
	if !att.Expiry.Equal(exp.UTC()) {
		t.Fatalf("expiry mismatch: got %v want %v", att.Expiry, exp.UTC())
	}
}

func TestTokenKeyCached(t *testing.T) {
	is := newIssuer(t)
	v := credential.NewTokenVerifier(credential.NewKeySet(is.server.URL, credential.KeySetOptions{}))
	tok := is.token(t, standardClaims(time.Now().Add(time.Hour)))
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), tok); err != nil {
			t.Fatalf("verify %d failed: %v", i, err)
		}
	}
	if n := is.fetches.Load(); n != 1 {
		t.Fatalf("expected a single key-set fetch, got %d", n)
	}
}

func TestTokenFetchFailureKeepsCachedKeys(t *testing.T) {
	is := newIssuer(t)
	ks := credential.NewKeySet(is.server.URL, credential.KeySetOptions{TTL: time.Nanosecond})
	v := credential.NewTokenVerifier(ks)
	tok := is.token(t, standardClaims(time.Now().Add(time.Hour)))
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("initial verify failed: %v", err)
	}
	// TTL has elapsed and the endpoint is now failing; the stale key must
	// keep verifying.
	is.fail.Store(true)
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("verify with stale keys failed: %v", err)
	}
}

func TestTokenRejections(t *testing.T) {
	is := newIssuer(t)
	v := credential.NewTokenVerifier(credential.NewKeySet(is.server.URL, credential.KeySetOptions{}))
	exp := time.Now().Add(time.Hour)

	good := is.token(t, standardClaims(exp))
	tampered := append([]byte(nil), good...)
	tampered[len(tampered)-10] ^= 0x01

	missingCampus := standardClaims(exp)
	delete(missingCampus, "campus_id")

	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"two parts", []byte("a.b"), credential.ErrBadToken},
		{"junk", []byte("!!.!!.!!"), credential.ErrBadToken},
		{"missing campus", is.token(t, missingCampus), credential.ErrMissingClaim},
		{"tampered signature", tampered, credential.ErrBadSignature},
	}
	for _, tc := range cases {
		if _, err := v.Verify(context.Background(), tc.raw); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, err, tc.want)
		}
	}
}

func TestTokenBadAlgorithm(t *testing.T) {
	is := newIssuer(t)
	v := credential.NewTokenVerifier(credential.NewKeySet(is.server.URL, credential.KeySetOptions{}))
	headerJSON, _ := json.Marshal(map[string]string{"alg": "none", "kid": is.kid})
	claimsJSON, _ := json.Marshal(standardClaims(time.Now().Add(time.Hour)))
	raw := fmt.Sprintf("%s.%s.%s",
		base64.RawURLEncoding.EncodeToString(headerJSON),
		base64.RawURLEncoding.EncodeToString(claimsJSON),
		base64.RawURLEncoding.EncodeToString([]byte("sig")))
	if _, err := v.Verify(context.Background(), []byte(raw)); !errors.Is(err, credential.ErrBadAlgorithm) {
		t.Fatalf("expected ErrBadAlgorithm, got %v", err)
	}
	if n := is.fetches.Load(); n != 0 {
		t.Fatalf("rejected header must not trigger a fetch, got %d", n)
	}
}

func TestTokenUnknownKid(t *testing.T) {
	is := newIssuer(t)
	v := credential.NewTokenVerifier(credential.NewKeySet(is.server.URL, credential.KeySetOptions{}))
	tok := is.token(t, standardClaims(time.Now().Add(time.Hour)))
	bad := is.tokenWithKid(t, "key-2", standardClaims(time.Now().Add(time.Hour)))
	if _, err := v.Verify(context.Background(), bad); !errors.Is(err, credential.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("known kid failed after unknown-kid refresh: %v", err)
	}
}
