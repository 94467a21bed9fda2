package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPermissionDefaultPolicy(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())

	admin := &User{ID: "a", Roles: []string{"admin"}}
	driver := &User{ID: "d", Roles: []string{"driver"}}
	dispatcher := &User{ID: "p", Roles: []string{"dispatcher"}}
	svc := &Service{Name: "routing"}

	// Wildcard grants everything
	assert.True(t, e.HasPermission(admin, "manage:users"))
	assert.True(t, e.HasPermission(admin, "anything:at-all"))

	assert.True(t, e.HasPermission(driver, "read:orders"))
	assert.True(t, e.HasPermission(driver, "update:delivery-status"))
	assert.False(t, e.HasPermission(driver, "manage:users"))

	assert.True(t, e.HasPermission(dispatcher, "manage:orders"))
	assert.False(t, e.HasPermission(dispatcher, "manage:users"))

	assert.True(t, e.HasPermission(svc, "read:orders"))
	assert.False(t, e.HasPermission(svc, "manage:users"))
}

func TestHasPermissionDenyByDefault(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())

	assert.False(t, e.HasPermission(nil, "read:orders"))
	assert.False(t, e.HasPermission(&User{ID: "u"}, "read:orders"), "no roles grants nothing")
	assert.False(t, e.HasPermission(&User{ID: "u", Roles: []string{"unknown-role"}}, "read:orders"))
	assert.False(t, e.HasPermission(&User{ID: "u", Roles: []string{"driver"}}, ""))
}

func TestHasPermissionMultipleRoles(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())
	user := &User{ID: "u", Roles: []string{"driver", "dispatcher"}}

	// Union of both role grants
	assert.True(t, e.HasPermission(user, "update:delivery-status"))
	assert.True(t, e.HasPermission(user, "manage:orders"))
}

func TestLoadPolicyFile(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"auditor:\n  - read:orders\n  - read:audit-log\ndriver:\n  - read:orders\n"), 0o644))

	require.NoError(t, e.LoadPolicyFile(path))

	auditor := &User{ID: "a", Roles: []string{"auditor"}}
	assert.True(t, e.HasPermission(auditor, "read:audit-log"))
	// The file replaces the builtin policy wholesale
	assert.False(t, e.HasPermission(&User{ID: "d", Roles: []string{"driver"}}, "update:delivery-status"))
	assert.False(t, e.HasPermission(&User{ID: "x", Roles: []string{"admin"}}, "manage:users"))
}

func TestLoadPolicyFileFailureKeepsCurrent(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())
	driver := &User{ID: "d", Roles: []string{"driver"}}
	require.True(t, e.HasPermission(driver, "read:orders"))

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0o644))
	require.Error(t, e.LoadPolicyFile(path))

	assert.True(t, e.HasPermission(driver, "read:orders"), "bad file must not wipe the active policy")

	assert.Error(t, e.LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestWatchPolicyFileReloads(t *testing.T) {
	e := NewPermissionEvaluator(testLogger())
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver:\n  - read:orders\n"), 0o644))
	require.NoError(t, e.LoadPolicyFile(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- e.WatchPolicyFile(ctx, path) }()

	// Give the watcher a moment to register before writing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path,
		[]byte("driver:\n  - read:orders\n  - update:delivery-status\n"), 0o644))

	driver := &User{ID: "d", Roles: []string{"driver"}}
	require.Eventually(t, func() bool {
		return e.HasPermission(driver, "update:delivery-status")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-watchDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on context cancellation")
	}
}
