package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loadline/gatekeeper/pkg/auth"
	"github.com/loadline/gatekeeper/pkg/config"
	"github.com/loadline/gatekeeper/pkg/observability"
)

// Backends that can serve an admission decision
const (
	BackendDistributed = "distributed"
	BackendLocal       = "local"
)

// AnonymousType keys requests that carry no verifiable principal
const AnonymousType = "anonymous"

// Global defaults applied when neither an endpoint override nor a tier
// default resolves
const (
	DefaultLimit  = 100
	DefaultWindow = 15 * time.Minute
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
	// Backend records which store served the decision; local means the
	// bound is per-instance only
	Backend string
}

// Threshold is a resolved limit for one window
type Threshold struct {
	Limit  int
	Window time.Duration
}

// builtinEndpointOverrides are the stricter limits on credential-sensitive
// endpoints. Dynamic configuration can override them at runtime.
var builtinEndpointOverrides = map[string]Threshold{
	"/auth/login":          {Limit: 5, Window: 15 * time.Minute},
	"/auth/register":       {Limit: 3, Window: time.Hour},
	"/auth/password-reset": {Limit: 3, Window: time.Hour},
}

// builtinTierDefaults give elevated principals more headroom than
// drivers/providers; anonymous traffic falls through to the global
// default
var builtinTierDefaults = map[string]Threshold{
	"elevated": {Limit: 1000, Window: 15 * time.Minute},
	"user":     {Limit: 300, Window: 15 * time.Minute},
	"service":  {Limit: 1000, Window: 15 * time.Minute},
}

// Limiter decides admissions against the distributed store, degrading to
// the local store when the distributed one fails
type Limiter struct {
	distributed CounterStore
	local       *LocalStore
	resolver    *config.Resolver
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewLimiter creates a limiter. A nil distributed store is allowed (no
// redis configured); every decision then comes from the local store.
func NewLimiter(distributed CounterStore, local *LocalStore, resolver *config.Resolver, logger *observability.Logger, metrics *observability.Metrics) *Limiter {
	if local == nil {
		local = NewLocalStore()
	}
	return &Limiter{
		distributed: distributed,
		local:       local,
		resolver:    resolver,
		logger:      logger,
		metrics:     metrics,
	}
}

// Local exposes the fallback store so the bootstrap can schedule its sweep
func (l *Limiter) Local() *LocalStore { return l.local }

// Admit checks one request against its resolved threshold. principal may
// be nil for anonymous traffic, which is then keyed by source IP.
func (l *Limiter) Admit(ctx context.Context, principal auth.Principal, endpoint, sourceIP string) Decision {
	threshold := l.ResolveThreshold(principal, endpoint)
	key := composeKey(principal, endpoint, sourceIP)

	backend := BackendDistributed
	store := l.distributed
	var count int64
	var err error

	if store != nil {
		count, err = store.Incr(ctx, key, threshold.Window)
	}
	if store == nil || err != nil {
		if err != nil {
			l.logger.WithError(err).WithField("key", key).
				Warn("Distributed counter store failed, serving from local fallback")
			if l.metrics != nil {
				l.metrics.RateLimitFallbackTotal.Inc()
			}
		}
		backend = BackendLocal
		store = l.local
		count, _ = l.local.Incr(ctx, key, threshold.Window)
	}

	ttl, ttlErr := store.TTL(ctx, key)
	if ttlErr != nil || ttl <= 0 {
		ttl = threshold.Window
	}
	resetAt := time.Now().Add(ttl)

	if count > int64(threshold.Limit) {
		retryAfter := ttl
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.logger.WithFields(map[string]interface{}{
			"key":     key,
			"count":   count,
			"limit":   threshold.Limit,
			"backend": backend,
		}).Warn("Rate limit exceeded")
		l.recordDecision(backend, "rejected")

		return Decision{
			Allowed:    false,
			Limit:      threshold.Limit,
			Remaining:  0,
			RetryAfter: retryAfter,
			ResetAt:    resetAt,
			Backend:    backend,
		}
	}

	remaining := threshold.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	l.recordDecision(backend, "allowed")

	return Decision{
		Allowed:   true,
		Limit:     threshold.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
		Backend:   backend,
	}
}

// ResolveThreshold walks the override chain: endpoint override, then
// principal-tier default, then the global default. Each step consults
// dynamic configuration before its builtin value.
func (l *Limiter) ResolveThreshold(principal auth.Principal, endpoint string) Threshold {
	strategies := []func() (Threshold, bool){
		func() (Threshold, bool) { return l.endpointOverride(endpoint) },
		func() (Threshold, bool) { return l.tierDefault(principal) },
	}
	for _, resolve := range strategies {
		if t, ok := resolve(); ok {
			return t
		}
	}
	return Threshold{
		Limit:  l.dynamicInt("RATE_LIMIT_MAX", DefaultLimit),
		Window: l.dynamicWindow("RATE_LIMIT_WINDOW_MS", DefaultWindow),
	}
}

func (l *Limiter) endpointOverride(endpoint string) (Threshold, bool) {
	builtin, hasBuiltin := builtinEndpointOverrides[endpoint]

	keyBase := "RATE_LIMIT_EP_" + endpointConfigKey(endpoint)
	if hasBuiltin {
		return Threshold{
			Limit:  l.dynamicInt(keyBase+"_MAX", builtin.Limit),
			Window: l.dynamicWindow(keyBase+"_WINDOW_MS", builtin.Window),
		}, true
	}

	// No builtin: the override exists only if dynamic config defines it
	limit := l.dynamicInt(keyBase+"_MAX", 0)
	if limit <= 0 {
		return Threshold{}, false
	}
	return Threshold{
		Limit:  limit,
		Window: l.dynamicWindow(keyBase+"_WINDOW_MS", DefaultWindow),
	}, true
}

func (l *Limiter) tierDefault(principal auth.Principal) (Threshold, bool) {
	tier := principalTier(principal)
	builtin, ok := builtinTierDefaults[tier]
	if !ok {
		return Threshold{}, false
	}
	keyBase := "RATE_LIMIT_" + strings.ToUpper(tier)
	return Threshold{
		Limit:  l.dynamicInt(keyBase+"_MAX", builtin.Limit),
		Window: l.dynamicWindow(keyBase+"_WINDOW_MS", builtin.Window),
	}, true
}

func (l *Limiter) dynamicInt(key string, fallback int) int {
	if l.resolver == nil {
		return fallback
	}
	return l.resolver.GetInt(key, fallback)
}

func (l *Limiter) dynamicWindow(key string, fallback time.Duration) time.Duration {
	if l.resolver == nil {
		return fallback
	}
	return l.resolver.GetDuration(key, fallback)
}

func (l *Limiter) recordDecision(backend, outcome string) {
	if l.metrics != nil {
		l.metrics.RateLimitDecisionsTotal.WithLabelValues(backend, outcome).Inc()
	}
}

// composeKey builds `<principal-type>:<endpoint>:<identity>`, falling back
// to the anonymous type keyed by source IP
func composeKey(principal auth.Principal, endpoint, sourceIP string) string {
	if principal == nil {
		return fmt.Sprintf("%s:%s:%s", AnonymousType, endpoint, sourceIP)
	}
	return fmt.Sprintf("%s:%s:%s", principal.Type(), endpoint, principal.Subject())
}

// principalTier maps a principal to its threshold tier. Users carrying the
// admin or internal role rate above ordinary users.
func principalTier(principal auth.Principal) string {
	switch p := principal.(type) {
	case *auth.User:
		if p.HasRole("admin") || p.HasRole("internal") {
			return "elevated"
		}
		return "user"
	case *auth.Service:
		return "service"
	default:
		return AnonymousType
	}
}

// endpointConfigKey turns "/auth/password-reset" into
// "AUTH_PASSWORD_RESET" for dynamic threshold keys
func endpointConfigKey(endpoint string) string {
	s := strings.Trim(endpoint, "/")
	s = strings.NewReplacer("/", "_", "-", "_").Replace(s)
	return strings.ToUpper(s)
}
