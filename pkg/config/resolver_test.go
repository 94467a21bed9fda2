package config

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadline/gatekeeper/pkg/observability"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
	err     error
	queries int
}

func (s *fakeStore) Query(ctx context.Context, scope string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	return s.entries[scope], nil
}

func (s *fakeStore) set(scope, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string][]Entry)
	}
	kept := s.entries[scope][:0]
	for _, e := range s.entries[scope] {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	s.entries[scope] = append(kept, Entry{Scope: scope, Key: key, Value: value, UpdatedAt: time.Now()})
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestResolverLayerPrecedence(t *testing.T) {
	store := &fakeStore{}
	store.set("auth-service", "TIMEOUT", "100")
	store.set(GlobalScope, "TIMEOUT", "200")
	store.set(GlobalScope, "RETRIES", "3")

	env := map[string]string{"TIMEOUT": "300", "RETRIES": "5", "REGION": "eu-west-1"}
	r := NewResolver(store, "auth-service", testLogger(),
		WithEnvFunc(func(k string) string { return env[k] }))
	require.NoError(t, r.Refresh(context.Background()))

	// Service scope beats global, env, and the fallback
	assert.Equal(t, "100", r.Get("TIMEOUT", "400"))
	// Global scope beats env
	assert.Equal(t, "3", r.Get("RETRIES", "9"))
	// Env beats fallback
	assert.Equal(t, "eu-west-1", r.Get("REGION", "us-east-1"))
	// Fallback when nothing defines the key
	assert.Equal(t, "default", r.Get("UNKNOWN", "default"))
}

func TestResolverTypedGetters(t *testing.T) {
	store := &fakeStore{}
	store.set(GlobalScope, "MAX", "42")
	store.set(GlobalScope, "WINDOW_MS", "1500")
	store.set(GlobalScope, "BROKEN", "not-a-number")

	r := NewResolver(store, "auth-service", testLogger(),
		WithEnvFunc(func(string) string { return "" }))
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, 42, r.GetInt("MAX", 7))
	assert.Equal(t, 7, r.GetInt("MISSING", 7))
	assert.Equal(t, 7, r.GetInt("BROKEN", 7))
	assert.Equal(t, 1500*time.Millisecond, r.GetDuration("WINDOW_MS", time.Second))
	assert.Equal(t, time.Second, r.GetDuration("BROKEN", time.Second))
}

func TestResolverRefreshFailureKeepsLastKnownGood(t *testing.T) {
	store := &fakeStore{}
	store.set(GlobalScope, "LOG_LEVEL", "debug")

	r := NewResolver(store, "auth-service", testLogger(),
		WithEnvFunc(func(string) string { return "" }))
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, "debug", r.Get("LOG_LEVEL", "info"))

	store.fail(errors.New("provisioned throughput exceeded"))
	require.Error(t, r.Refresh(context.Background()))

	assert.Equal(t, "debug", r.Get("LOG_LEVEL", "info"),
		"a failed refresh must not discard the previous snapshot")
}

func TestResolverNilStoreServesEnvAndFallback(t *testing.T) {
	env := map[string]string{"REGION": "us-west-2"}
	r := NewResolver(nil, "auth-service", testLogger(),
		WithEnvFunc(func(k string) string { return env[k] }))

	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, "us-west-2", r.Get("REGION", "eu-central-1"))
	assert.Equal(t, "fallback", r.Get("MISSING", "fallback"))
	assert.NoError(t, r.HealthProbe(context.Background()))
}

func TestResolverListenerFiresOnChange(t *testing.T) {
	store := &fakeStore{}
	store.set(GlobalScope, "LOG_LEVEL", "info")

	r := NewResolver(store, "auth-service", testLogger(),
		WithEnvFunc(func(string) string { return "" }))

	var mu sync.Mutex
	var calls [][2]string
	r.Subscribe("LOG_LEVEL", func(oldValue, newValue string) {
		mu.Lock()
		calls = append(calls, [2]string{oldValue, newValue})
		mu.Unlock()
	})

	require.NoError(t, r.Refresh(context.Background()))
	store.set(GlobalScope, "LOG_LEVEL", "debug")
	require.NoError(t, r.Refresh(context.Background()))
	// Unchanged refresh must not re-notify
	require.NoError(t, r.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, [2]string{"", "info"}, calls[0])
	assert.Equal(t, [2]string{"info", "debug"}, calls[1])
}

func TestResolverListenerPanicIsIsolated(t *testing.T) {
	store := &fakeStore{}
	store.set(GlobalScope, "LOG_LEVEL", "warn")

	r := NewResolver(store, "auth-service", testLogger(),
		WithEnvFunc(func(string) string { return "" }))

	r.Subscribe("LOG_LEVEL", func(string, string) { panic("observer bug") })
	var sawChange bool
	r.Subscribe("LOG_LEVEL", func(string, string) { sawChange = true })

	require.NoError(t, r.Refresh(context.Background()))
	assert.True(t, sawChange, "a panicking listener must not starve the others")

	// The snapshot still advanced
	assert.Equal(t, "warn", r.Get("LOG_LEVEL", "info"))
}

func TestResolverBackgroundLoop(t *testing.T) {
	store := &fakeStore{}
	store.set(GlobalScope, "FEATURE_FLAGS", "a,b")

	r := NewResolver(store, "auth-service", testLogger(),
		WithRefreshInterval(10*time.Millisecond),
		WithEnvFunc(func(string) string { return "" }))

	ctx := context.Background()
	r.Start(ctx)
	defer r.Stop(ctx)

	require.Eventually(t, func() bool {
		return r.Get("FEATURE_FLAGS", "") == "a,b"
	}, time.Second, 5*time.Millisecond, "initial refresh should populate the snapshot")

	store.set(GlobalScope, "FEATURE_FLAGS", "a,b,c")
	require.Eventually(t, func() bool {
		return r.Get("FEATURE_FLAGS", "") == "a,b,c"
	}, time.Second, 5*time.Millisecond, "polling should pick up the change")

	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.LastRefresh().IsZero())
}

func TestResolverHealthProbeStaleness(t *testing.T) {
	store := &fakeStore{}
	r := NewResolver(store, "auth-service", testLogger(),
		WithRefreshInterval(10*time.Millisecond),
		WithEnvFunc(func(string) string { return "" }))

	assert.Error(t, r.HealthProbe(context.Background()), "no refresh yet")

	require.NoError(t, r.Refresh(context.Background()))
	assert.NoError(t, r.HealthProbe(context.Background()))

	// Older than three intervals without a refresh turns stale
	time.Sleep(50 * time.Millisecond)
	assert.Error(t, r.HealthProbe(context.Background()))
}
