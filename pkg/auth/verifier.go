package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loadline/gatekeeper/pkg/observability"
)

const (
	// VerifiedTokenTTL bounds how long a verified result may be served
	// from cache regardless of the token's own expiry
	VerifiedTokenTTL = 5 * time.Minute

	// maxTokenSize rejects absurd tokens before any parsing work
	maxTokenSize = 8192

	tracerName = "github.com/loadline/gatekeeper/pkg/auth"
)

// asymmetricMethods restricts accepted signing algorithms. Symmetric
// algorithms are rejected outright to prevent key-confusion attacks where
// a public key is abused as an HMAC secret.
var asymmetricMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// VerifierConfig holds the claims-validation settings for end-user tokens
type VerifierConfig struct {
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// UserTokenVerifier validates end-user bearer tokens. Safe for concurrent
// use.
type UserTokenVerifier struct {
	keys    *SigningKeyCache
	cfg     VerifierConfig
	cache   *verifiedTokenCache
	tracer  trace.Tracer
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewUserTokenVerifier creates a verifier backed by the given key cache
func NewUserTokenVerifier(keys *SigningKeyCache, cfg VerifierConfig, logger *observability.Logger, metrics *observability.Metrics) *UserTokenVerifier {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 30 * time.Second
	}
	return &UserTokenVerifier{
		keys:    keys,
		cfg:     cfg,
		cache:   newVerifiedTokenCache(),
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		metrics: metrics,
	}
}

// Verify validates a raw bearer token and returns the User principal.
// Client-class failures return the sentinel errors from errors.go;
// key-set fetch failure returns *KeyFetchError so the HTTP layer can
// answer with a 5xx instead of silently rejecting a possibly-valid token.
func (v *UserTokenVerifier) Verify(ctx context.Context, raw string) (Principal, error) {
	ctx, span := v.tracer.Start(ctx, "auth.VerifyUserToken")
	defer span.End()

	if raw == "" {
		return nil, v.fail(span, ErrMissingToken)
	}
	if len(raw) > maxTokenSize {
		return nil, v.fail(span, ErrMalformedToken)
	}

	// Envelope parse without verification, only to read the key id and
	// reject junk cheaply
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil || unverified == nil {
		return nil, v.fail(span, ErrMalformedToken)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, v.fail(span, fmt.Errorf("%w: missing key id", ErrMalformedToken))
	}

	hash := hashToken(raw)
	if principal, ok := v.cache.get(hash); ok {
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		return principal, nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		tokenKid, ok := t.Header["kid"].(string)
		if !ok || tokenKid == "" {
			return nil, fmt.Errorf("%w: missing key id", ErrMalformedToken)
		}
		key, err := v.keys.GetKey(ctx, tokenKid)
		if err != nil {
			return nil, err
		}
		return key.PublicKey, nil
	},
		jwt.WithValidMethods(asymmetricMethods),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, v.fail(span, classifyJWTError(err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, v.fail(span, ErrMalformedToken)
	}

	principal, err := userFromClaims(claims)
	if err != nil {
		return nil, v.fail(span, err)
	}

	if exp, expErr := claims.GetExpirationTime(); expErr == nil && exp != nil {
		v.cache.put(hash, principal, exp.Time)
		if v.metrics != nil {
			v.metrics.VerifiedTokenCacheSize.Set(float64(v.cache.len()))
		}
	}

	span.SetAttributes(attribute.String("auth.subject", principal.Subject()))
	return principal, nil
}

// Sweep removes expired verified-token cache entries. Wired to a 60 second
// schedule by the process bootstrap.
func (v *UserTokenVerifier) Sweep() {
	removed := v.cache.sweep()
	if v.metrics != nil {
		v.metrics.VerifiedTokenCacheSize.Set(float64(v.cache.len()))
		v.metrics.VerifiedTokenSweepTotal.Inc()
	}
	if removed > 0 {
		v.logger.WithField("removed", removed).Debug("Swept expired verified-token cache entries")
	}
}

// CachedTokens reports the current verified-token cache size
func (v *UserTokenVerifier) CachedTokens() int {
	return v.cache.len()
}

func (v *UserTokenVerifier) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// userFromClaims builds the User principal from verified claims
func userFromClaims(claims jwt.MapClaims) (*User, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrMalformedToken)
	}

	user := &User{ID: sub}
	user.Email, _ = claims["email"].(string)
	if username, ok := claims["preferred_username"].(string); ok {
		user.Username = username
	} else if username, ok := claims["username"].(string); ok {
		user.Username = username
	}

	if groups, ok := claims["groups"].([]interface{}); ok {
		for _, g := range groups {
			if role, ok := g.(string); ok {
				user.Roles = append(user.Roles, role)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		user.Scopes = strings.Fields(scope)
	}
	return user, nil
}

// classifyJWTError maps library errors onto the gatekeeper taxonomy.
// Infrastructure errors pass through untouched.
func classifyJWTError(err error) error {
	var kf *KeyFetchError
	if errors.As(err, &kf) {
		return kf
	}
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return err // unknown key id from the key cache
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return ErrTokenNotYetValid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformedToken
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
}

// UnverifiedSubject extracts sub and groups without verifying the
// signature. Used ONLY for rate-limit bucketing ahead of authentication;
// nothing security-relevant may depend on it.
func UnverifiedSubject(raw string) (*User, bool) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil || unverified == nil {
		return nil, false
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	user, err := userFromClaims(claims)
	if err != nil {
		return nil, false
	}
	return user, true
}

// UnverifiedServiceName extracts service_name (or sub) without verifying
// the signature. Same restriction as UnverifiedSubject: bucketing only.
func UnverifiedServiceName(raw string) (*Service, bool) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil || unverified == nil {
		return nil, false
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, false
	}
	name, _ := claims["service_name"].(string)
	if name == "" {
		name, _ = claims["sub"].(string)
	}
	if name == "" {
		return nil, false
	}
	return &Service{Name: name}, true
}

func hashToken(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// verifiedTokenCache caches verification results by token hash. Entries
// expire at min(token exp, insert+5m): a still-valid token revalidates
// from cold cache after five minutes, which is the documented staleness
// bound after revocation-by-expiry, not an optimization target.
type verifiedTokenCache struct {
	mu      sync.RWMutex
	entries map[string]verifiedEntry
}

type verifiedEntry struct {
	principal Principal
	expiresAt time.Time
}

func newVerifiedTokenCache() *verifiedTokenCache {
	return &verifiedTokenCache{entries: make(map[string]verifiedEntry)}
}

func (c *verifiedTokenCache) get(hash string) (Principal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[hash]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.principal, true
}

func (c *verifiedTokenCache) put(hash string, principal Principal, tokenExp time.Time) {
	expiresAt := time.Now().Add(VerifiedTokenTTL)
	if tokenExp.Before(expiresAt) {
		expiresAt = tokenExp
	}
	if !expiresAt.After(time.Now()) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = verifiedEntry{principal: principal, expiresAt: expiresAt}
}

func (c *verifiedTokenCache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for hash, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

func (c *verifiedTokenCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
