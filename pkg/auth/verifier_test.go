package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadline/gatekeeper/pkg/observability"
)

const (
	testIssuer   = "https://id.loadline.test"
	testAudience = "gatekeeper"
	testKeyID    = "rotation-2026-08"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// countingKeySet records fetches so tests can assert on cache behavior
type countingKeySet struct {
	mu      sync.Mutex
	keys    []SigningKey
	err     error
	fetches int
}

func (s *countingKeySet) FetchKeys(ctx context.Context) ([]SigningKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	return s.keys, nil
}

func (s *countingKeySet) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

type verifierFixture struct {
	key      *rsa.PrivateKey
	fetcher  *countingKeySet
	verifier *UserTokenVerifier
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetcher := &countingKeySet{keys: []SigningKey{{
		KeyID:     testKeyID,
		PublicKey: &key.PublicKey,
		Algorithm: "RS256",
	}}}
	verifier := NewUserTokenVerifier(NewSigningKeyCache(fetcher, nil), VerifierConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
	}, testLogger(), nil)

	return &verifierFixture{key: key, fetcher: fetcher, verifier: verifier}
}

func (f *verifierFixture) sign(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	now := time.Now()
	merged := jwt.MapClaims{
		"iss": testIssuer,
		"aud": testAudience,
		"sub": "user-1",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range claims {
		merged[k] = v
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, merged)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"email":              "dora@loadline.test",
		"preferred_username": "dora",
		"groups":             []string{"driver", "dispatcher"},
		"scope":              "orders:read orders:write",
	}, testKeyID)

	principal, err := f.verifier.Verify(context.Background(), raw)
	require.NoError(t, err)

	user, ok := principal.(*User)
	require.True(t, ok)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "dora@loadline.test", user.Email)
	assert.Equal(t, "dora", user.Username)
	assert.Equal(t, []string{"driver", "dispatcher"}, user.Roles)
	assert.Equal(t, []string{"orders:read", "orders:write"}, user.Scopes)
	assert.True(t, user.HasRole("driver"))
	assert.False(t, user.HasRole("admin"))
}

func TestVerifyEmptyAndOversizeTokens(t *testing.T) {
	f := newVerifierFixture(t)

	_, err := f.verifier.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)

	huge := make([]byte, maxTokenSize+1)
	for i := range huge {
		huge[i] = 'a'
	}
	_, err = f.verifier.Verify(context.Background(), string(huge))
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyGarbageToken(t *testing.T) {
	f := newVerifierFixture(t)
	_, err := f.verifier.Verify(context.Background(), "definitely.not.ajwt")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyMissingKeyID(t *testing.T) {
	f := newVerifierFixture(t)
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": "user-1",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString(f.key)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"iat": time.Now().Add(-2 * time.Hour).Unix(),
		"exp": time.Now().Add(-time.Hour).Unix(),
	}, testKeyID)

	_, err := f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyFutureIssuedAt(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, jwt.MapClaims{
		"iat": time.Now().Add(time.Hour).Unix(),
		"exp": time.Now().Add(2 * time.Hour).Unix(),
	}, testKeyID)

	_, err := f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrTokenNotYetValid)
}

func TestVerifyRejectsSymmetricAlgorithm(t *testing.T) {
	f := newVerifierFixture(t)
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": "user-1",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	raw, err := token.SignedString([]byte("hmac-secret"))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMissingToken)
	var keyErr *KeyFetchError
	assert.False(t, errors.As(err, &keyErr), "alg rejection is a caller error, not infrastructure")
}

func TestVerifyWrongIssuerAndAudience(t *testing.T) {
	f := newVerifierFixture(t)

	_, err := f.verifier.Verify(context.Background(),
		f.sign(t, jwt.MapClaims{"iss": "https://evil.example"}, testKeyID))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = f.verifier.Verify(context.Background(),
		f.sign(t, jwt.MapClaims{"aud": "другой"}, testKeyID))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedSignature(t *testing.T) {
	f := newVerifierFixture(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": "user-1",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = testKeyID
	raw, err := token.SignedString(other)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyUnknownKeyID(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, nil, "unknown-kid")

	_, err := f.verifier.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	var keyErr *KeyFetchError
	assert.False(t, errors.As(err, &keyErr),
		"an unpublished key id is a signature failure, not a fetch failure")
}

func TestVerifyKeyFetchFailure(t *testing.T) {
	f := newVerifierFixture(t)
	f.fetcher.err = errors.New("connection refused")
	raw := f.sign(t, nil, testKeyID)

	_, err := f.verifier.Verify(context.Background(), raw)
	var keyErr *KeyFetchError
	require.ErrorAs(t, err, &keyErr)
	assert.True(t, IsInfrastructureError(err))
}

func TestVerifyCachesVerifiedTokens(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, nil, testKeyID)

	for i := 0; i < 10; i++ {
		_, err := f.verifier.Verify(context.Background(), raw)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.fetcher.fetchCount(), "repeat presentations must hit the verified-token cache")
	assert.Equal(t, 1, f.verifier.CachedTokens())
}

func TestVerifiedTokenCacheExpiryIsBounded(t *testing.T) {
	cache := newVerifiedTokenCache()

	// Token exp far in the future: cache entry still capped at the TTL
	cache.put("far", &User{ID: "u1"}, time.Now().Add(24*time.Hour))
	// Token exp before the TTL cap: entry expires with the token
	cache.put("near", &User{ID: "u2"}, time.Now().Add(20*time.Millisecond))
	// Already-expired tokens are never cached
	cache.put("past", &User{ID: "u3"}, time.Now().Add(-time.Second))
	require.Equal(t, 2, cache.len())

	time.Sleep(40 * time.Millisecond)

	_, farOK := cache.get("far")
	assert.True(t, farOK)
	_, nearOK := cache.get("near")
	assert.False(t, nearOK, "entry must not outlive the token's own expiry")

	assert.Equal(t, 1, cache.sweep())
	assert.Equal(t, 1, cache.len())
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	f := newVerifierFixture(t)
	f.verifier.cache.put("stale", &User{ID: "u1"}, time.Now().Add(10*time.Millisecond))
	f.verifier.cache.put("live", &User{ID: "u2"}, time.Now().Add(time.Hour))

	time.Sleep(20 * time.Millisecond)
	f.verifier.Sweep()
	assert.Equal(t, 1, f.verifier.CachedTokens())
}

func TestUnverifiedSubject(t *testing.T) {
	f := newVerifierFixture(t)
	raw := f.sign(t, jwt.MapClaims{"groups": []string{"admin"}}, testKeyID)

	user, ok := UnverifiedSubject(raw)
	require.True(t, ok)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, []string{"admin"}, user.Roles)

	_, ok = UnverifiedSubject("junk")
	assert.False(t, ok)
}

func TestVerifyECDSAToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	fetcher := &countingKeySet{keys: []SigningKey{{
		KeyID:     "ec-key",
		PublicKey: &key.PublicKey,
		Algorithm: "ES256",
	}}}
	verifier := NewUserTokenVerifier(NewSigningKeyCache(fetcher, nil), VerifierConfig{
		Issuer:   testIssuer,
		Audience: testAudience,
	}, testLogger(), nil)

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": "user-9",
		"iat": now.Unix(), "exp": now.Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "ec-key"
	raw, err := token.SignedString(key)
	require.NoError(t, err)

	principal, err := verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-9", principal.Subject())
}
