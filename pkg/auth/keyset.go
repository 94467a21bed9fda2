package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loadline/gatekeeper/pkg/observability"
)

const (
	// SigningKeyCacheSize is deliberately small: the identity provider
	// rotates keys infrequently and publishes few at a time
	SigningKeyCacheSize = 5

	// SigningKeyTTL bounds how long a fetched key is trusted without
	// refetching
	SigningKeyTTL = 10 * time.Minute

	// maxKeySetBody caps the JWKS response size
	maxKeySetBody = 1 << 20
)

// SigningKey is one public verification key from the provider's key set
type SigningKey struct {
	KeyID     string
	PublicKey crypto.PublicKey
	Algorithm string
}

// KeySetFetcher retrieves the provider's current key set
type KeySetFetcher interface {
	FetchKeys(ctx context.Context) ([]SigningKey, error)
}

// HTTPKeySetClient fetches a JWKS document over HTTP
type HTTPKeySetClient struct {
	url    string
	client *http.Client
}

// NewHTTPKeySetClient creates a JWKS client with a bounded fetch timeout
func NewHTTPKeySetClient(url string, timeout time.Duration) *HTTPKeySetClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPKeySetClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA fields
	N string `json:"n"`
	E string `json:"e"`
	// EC fields
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// FetchKeys fetches and parses the key set. RSA and EC keys are supported;
// malformed individual keys are skipped rather than failing the whole set.
func (c *HTTPKeySetClient) FetchKeys(ctx context.Context) ([]SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating key set request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key set endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBody))
	if err != nil {
		return nil, fmt.Errorf("reading key set response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, fmt.Errorf("parsing key set JSON: %w", err)
	}

	keys := make([]SigningKey, 0, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kid == "" {
			continue
		}
		switch k.Kty {
		case "RSA":
			pub, err := parseRSAPublicKey(k.N, k.E)
			if err != nil {
				continue
			}
			keys = append(keys, SigningKey{KeyID: k.Kid, PublicKey: pub, Algorithm: k.Alg})
		case "EC":
			pub, err := parseECPublicKey(k.Crv, k.X, k.Y)
			if err != nil {
				continue
			}
			keys = append(keys, SigningKey{KeyID: k.Kid, PublicKey: pub, Algorithm: k.Alg})
		}
	}
	return keys, nil
}

// URL exposes the configured endpoint for error reporting
func (c *HTTPKeySetClient) URL() string { return c.url }

func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding RSA exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("decoding EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// SigningKeyCache caches verification keys in a bounded expirable LRU. A
// key-id miss triggers one key set fetch (covering provider rotation); a
// miss after a fresh fetch means the token names a key the provider does
// not publish, which is a signature failure, not an infrastructure one.
type SigningKeyCache struct {
	fetcher KeySetFetcher
	cache   *lru.LRU[string, SigningKey]
	metrics *observability.Metrics

	// fetchMu collapses concurrent misses into one upstream fetch
	fetchMu sync.Mutex
}

// NewSigningKeyCache creates the key cache (5 entries, 10 minute TTL)
func NewSigningKeyCache(fetcher KeySetFetcher, metrics *observability.Metrics) *SigningKeyCache {
	return &SigningKeyCache{
		fetcher: fetcher,
		cache:   lru.NewLRU[string, SigningKey](SigningKeyCacheSize, nil, SigningKeyTTL),
		metrics: metrics,
	}
}

// GetKey returns the public key for a key identifier, fetching the key set
// on a cache miss. Network failure surfaces as *KeyFetchError; an unknown
// key id after a successful fetch returns ErrInvalidSignature.
func (c *SigningKeyCache) GetKey(ctx context.Context, kid string) (SigningKey, error) {
	if key, ok := c.cache.Get(kid); ok {
		c.record("hit")
		return key, nil
	}
	c.record("miss")

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another miss may have refreshed the cache while we waited
	if key, ok := c.cache.Get(kid); ok {
		return key, nil
	}

	keys, err := c.fetcher.FetchKeys(ctx)
	if err != nil {
		c.record("fetch_error")
		url := ""
		if hc, ok := c.fetcher.(*HTTPKeySetClient); ok {
			url = hc.URL()
		}
		return SigningKey{}, &KeyFetchError{URL: url, Err: err}
	}

	var found SigningKey
	var matched bool
	for _, key := range keys {
		c.cache.Add(key.KeyID, key)
		if key.KeyID == kid {
			found = key
			matched = true
		}
	}
	if !matched {
		return SigningKey{}, fmt.Errorf("%w: unknown key id %q", ErrInvalidSignature, kid)
	}
	return found, nil
}

func (c *SigningKeyCache) record(result string) {
	if c.metrics != nil {
		c.metrics.SigningKeyLookupsTotal.WithLabelValues(result).Inc()
	}
}
