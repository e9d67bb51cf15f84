package credential

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	DefaultKeySetTTL = 6 * time.Hour
	keySetPath       = "/.well-known/jwks.json"
	maxKeySetBytes   = 1 << 20
)

// KeySet caches the issuer's published RSA verification keys by key id.
// Refreshes happen at most once per TTL, or when an unknown key id is
// requested. A failed fetch leaves the previous keys in place: stale keys
// still verify, no keys verify nothing.
type KeySet struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	fetching  bool
	done      chan struct{}
}

type KeySetOptions struct {
	TTL    time.Duration
	Client *http.Client
}

func NewKeySet(issuerURL string, opts KeySetOptions) *KeySet {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultKeySetTTL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &KeySet{
		url:    issuerURL + keySetPath,
		ttl:    ttl,
		client: client,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// Key returns the public key for kid, refreshing the set first when the kid
// is unknown or the cache has outlived its TTL. Concurrent callers share a
// single in-flight fetch.
func (ks *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	ks.mu.Lock()
	key, ok := ks.keys[kid]
	fresh := time.Since(ks.fetchedAt) < ks.ttl
	if ok && fresh {
		ks.mu.Unlock()
		return key, nil
	}
	if ks.fetching {
		done := ks.done
		ks.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		ks.fetching = true
		ks.done = make(chan struct{})
		ks.mu.Unlock()
		ks.refresh(ctx)
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if key, ok := ks.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (ks *KeySet) refresh(ctx context.Context) {
	keys, err := ks.fetch(ctx)

	ks.mu.Lock()
	ks.fetching = false
	close(ks.done)
	if err == nil {
		ks.keys = keys
		ks.fetchedAt = time.Now()
	}
	// On error the existing keys stay as-is.
	ks.mu.Unlock()
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
		Alg string `json:"alg"`
	} `json:"keys"`
}

func (ks *KeySet) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := ks.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, err
	}
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	keys := make(map[string]*rsa.PublicKey)
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		if k.Alg != "" && k.Alg != "RS256" {
			continue
		}
		pub, err := buildRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	return keys, nil
}

// buildRSAPublicKey reconstructs a public key from its published base64url
// modulus and exponent by assembling the minimal DER
// SEQUENCE{INTEGER n, INTEGER e} and parsing it back.
func buildRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, fmt.Errorf("empty key component")
	}
	body := append(derInteger(modulus), derInteger(exponent)...)
	der := append([]byte{0x30}, derLength(len(body))...)
	der = append(der, body...)
	return x509.ParsePKCS1PublicKey(der)
}

func derInteger(b []byte) []byte {
	for len(b) > 1 && b[0] == 0 {
		b = b[1:]
	}
	if b[0]&0x80 != 0 {
		// DER integers are signed; a leading zero keeps the value positive.
		b = append([]byte{0}, b...)
	}
	out := append([]byte{0x02}, derLength(len(b))...)
	return append(out, b...)
}

func derLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var body []byte
	for v := n; v > 0; v >>= 8 {
		body = append([]byte{byte(v)}, body...)
	}
	return append([]byte{0x80 | byte(len(body))}, body...)
}
