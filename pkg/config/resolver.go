package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loadline/gatekeeper/pkg/observability"
)

// Well-known dynamic keys with registered change listeners
const (
	KeyLogLevel       = "LOG_LEVEL"
	KeyFeatureFlags   = "FEATURE_FLAGS"
	KeyRequestTimeout = "REQUEST_TIMEOUT_MS"
)

// DefaultRefreshInterval is how often the resolver polls the store
const DefaultRefreshInterval = 30 * time.Second

// Listener observes a well-known key changing between refreshes
type Listener func(oldValue, newValue string)

// snapshot is an immutable view of the store contents. The resolver swaps
// whole snapshots; readers never see a partially updated cache.
type snapshot struct {
	service map[string]string
	global  map[string]string
}

var emptySnapshot = &snapshot{
	service: map[string]string{},
	global:  map[string]string{},
}

// Resolver serves dynamic configuration without ever blocking a request on
// network I/O. Get walks service scope, global scope, environment, then
// the supplied fallback. A background loop refreshes the snapshot; refresh
// failure keeps the last-known-good snapshot indefinitely.
type Resolver struct {
	store    Store
	service  string
	interval time.Duration
	timeout  time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics

	// env is swappable for tests; defaults to os.Getenv
	env func(string) string

	current     atomic.Pointer[snapshot]
	lastRefresh atomic.Int64 // unix nanos of last successful refresh

	mu        sync.Mutex
	listeners map[string][]Listener

	cancel context.CancelFunc
	done   chan struct{}
}

// ResolverOption customizes resolver construction
type ResolverOption func(*Resolver)

// WithRefreshInterval overrides the 30 second polling interval
func WithRefreshInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.interval = d }
}

// WithQueryTimeout bounds a single store refresh query
func WithQueryTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

// WithEnvFunc replaces the environment lookup, used by tests
func WithEnvFunc(fn func(string) string) ResolverOption {
	return func(r *Resolver) { r.env = fn }
}

// WithMetrics records refresh outcomes on the shared metrics
func WithMetrics(m *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a resolver for the given service scope. A nil store
// is allowed: resolution then starts at the environment layer, which keeps
// local development working without a configuration table.
func NewResolver(store Store, serviceName string, logger *observability.Logger, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     store,
		service:   serviceName,
		interval:  DefaultRefreshInterval,
		timeout:   3 * time.Second,
		logger:    logger,
		env:       os.Getenv,
		listeners: make(map[string][]Listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot)
	return r
}

// Get resolves a key through service scope, global scope, process
// environment and finally the provided fallback. It never fails and never
// performs I/O.
func (r *Resolver) Get(key, fallback string) string {
	snap := r.current.Load()
	if v, ok := snap.service[key]; ok {
		return v
	}
	if v, ok := snap.global[key]; ok {
		return v
	}
	if v := r.env(key); v != "" {
		return v
	}
	return fallback
}

// GetInt resolves a key as an integer, falling back on parse failure
func (r *Resolver) GetInt(key string, fallback int) int {
	raw := r.Get(key, "")
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// GetDuration resolves a key holding milliseconds, falling back on parse
// failure
func (r *Resolver) GetDuration(key string, fallback time.Duration) time.Duration {
	raw := r.Get(key, "")
	if raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Subscribe registers a change listener for a well-known key. Listeners
// run synchronously after a successful refresh that changed the key's
// resolved value; each listener's panic is isolated.
func (r *Resolver) Subscribe(key string, listener Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[key] = append(r.listeners[key], listener)
}

// Start launches the background refresh loop: an immediate refresh, then
// one per interval until the context is cancelled or Stop is called.
func (r *Resolver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		if err := r.Refresh(ctx); err != nil {
			r.logger.WithError(err).Warn("Initial configuration refresh failed, serving env and fallbacks")
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.logger.WithError(err).Warn("Configuration refresh failed, keeping last-known-good cache")
				}
			}
		}
	}()
}

// Stop cancels the refresh loop and waits for it to exit
func (r *Resolver) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh queries both scopes once and swaps the snapshot on success. On
// any error the previous snapshot stays in place and callers are
// unaffected.
func (r *Resolver) Refresh(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	old := r.current.Load()

	serviceEntries, err := r.store.Query(ctx, r.service)
	if err != nil {
		r.recordRefresh("failure")
		return fmt.Errorf("service scope refresh: %w", err)
	}
	globalEntries, err := r.store.Query(ctx, GlobalScope)
	if err != nil {
		r.recordRefresh("failure")
		return fmt.Errorf("global scope refresh: %w", err)
	}

	next := &snapshot{
		service: make(map[string]string, len(serviceEntries)),
		global:  make(map[string]string, len(globalEntries)),
	}
	for _, e := range serviceEntries {
		next.service[e.Key] = e.Value
	}
	for _, e := range globalEntries {
		next.global[e.Key] = e.Value
	}

	r.current.Store(next)
	r.lastRefresh.Store(time.Now().UnixNano())
	r.recordRefresh("success")

	r.notifyListeners(old, next)
	return nil
}

// LastRefresh reports when the snapshot was last replaced; zero time when
// no refresh has succeeded yet.
func (r *Resolver) LastRefresh() time.Time {
	nanos := r.lastRefresh.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// HealthProbe reports unhealthy when the last successful refresh is older
// than three polling intervals. Registered with the health checker.
func (r *Resolver) HealthProbe(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	last := r.LastRefresh()
	if last.IsZero() {
		return fmt.Errorf("no successful configuration refresh yet")
	}
	if age := time.Since(last); age > 3*r.interval {
		return fmt.Errorf("configuration snapshot is stale (last refresh %s ago)", age.Round(time.Second))
	}
	return nil
}

func (r *Resolver) notifyListeners(old, next *snapshot) {
	r.mu.Lock()
	keys := make(map[string][]Listener, len(r.listeners))
	for k, ls := range r.listeners {
		keys[k] = ls
	}
	r.mu.Unlock()

	for key, ls := range keys {
		oldVal := resolveSnapshot(old, key)
		newVal := resolveSnapshot(next, key)
		if oldVal == newVal {
			continue
		}
		for _, l := range ls {
			r.invoke(l, key, oldVal, newVal)
		}
	}
}

// invoke runs one listener, isolating its panic so the others still run
func (r *Resolver) invoke(l Listener, key, oldVal, newVal string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("key", key).Errorf("Configuration listener panicked: %v", rec)
		}
	}()
	l(oldVal, newVal)
}

func (r *Resolver) recordRefresh(result string) {
	if r.metrics != nil {
		r.metrics.ConfigRefreshTotal.WithLabelValues(result).Inc()
	}
}

func resolveSnapshot(s *snapshot, key string) string {
	if v, ok := s.service[key]; ok {
		return v
	}
	if v, ok := s.global[key]; ok {
		return v
	}
	return ""
}
