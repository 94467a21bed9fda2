package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/loadline/gatekeeper/pkg/observability"
)

// PermissionWildcard grants every permission to a role
const PermissionWildcard = "*"

// ServiceRole is the pseudo-role evaluated for Service principals
const ServiceRole = "service"

// policy is an immutable role → permission-set mapping
type policy map[string]map[string]bool

// defaultPolicy is the builtin mapping for the logistics platform roles.
// Deny by default: roles absent here grant nothing.
func defaultPolicy() policy {
	return buildPolicy(map[string][]string{
		"admin": {PermissionWildcard},
		"internal": {
			"read:orders", "manage:orders",
			"read:drivers", "manage:drivers",
			"manage:users", "issue:service-tokens",
		},
		"dispatcher": {
			"read:orders", "manage:orders", "read:drivers",
		},
		"driver": {
			"read:orders", "update:delivery-status",
		},
		"provider": {
			"read:orders", "create:orders",
		},
		ServiceRole: {
			"read:orders", "manage:orders", "read:drivers",
			"issue:service-tokens",
		},
	})
}

func buildPolicy(raw map[string][]string) policy {
	p := make(policy, len(raw))
	for role, perms := range raw {
		set := make(map[string]bool, len(perms))
		for _, perm := range perms {
			set[perm] = true
		}
		p[role] = set
	}
	return p
}

// PermissionEvaluator decides whether a principal may exercise a
// capability. Evaluation is pure and synchronous; the policy pointer is
// swapped atomically when the optional policy file reloads.
type PermissionEvaluator struct {
	current atomic.Pointer[policy]
	logger  *observability.Logger
}

// NewPermissionEvaluator creates an evaluator with the builtin policy
func NewPermissionEvaluator(logger *observability.Logger) *PermissionEvaluator {
	e := &PermissionEvaluator{logger: logger}
	p := defaultPolicy()
	e.current.Store(&p)
	return e
}

// HasPermission reports whether the principal may exercise the given
// permission. Unknown roles and principals without roles are denied.
func (e *PermissionEvaluator) HasPermission(principal Principal, permission string) bool {
	if principal == nil || permission == "" {
		return false
	}
	p := *e.current.Load()

	switch pr := principal.(type) {
	case *User:
		for _, role := range pr.Roles {
			if set, ok := p[role]; ok && (set[permission] || set[PermissionWildcard]) {
				return true
			}
		}
		return false
	case *Service:
		set, ok := p[ServiceRole]
		return ok && (set[permission] || set[PermissionWildcard])
	default:
		return false
	}
}

// LoadPolicyFile replaces the policy from a YAML file mapping role names
// to permission lists. A parse failure keeps the current policy.
func (e *PermissionEvaluator) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}

	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing policy file: %w", err)
	}
	if len(raw) == 0 {
		return fmt.Errorf("policy file %s defines no roles", path)
	}

	p := buildPolicy(raw)
	e.current.Store(&p)
	e.logger.WithFields(map[string]interface{}{
		"path":  path,
		"roles": len(raw),
	}).Info("Permission policy loaded")
	return nil
}

// WatchPolicyFile reloads the policy whenever the file changes, keeping
// the last good policy on failed reloads. Blocks until ctx is cancelled;
// run it in its own goroutine.
func (e *PermissionEvaluator) WatchPolicyFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and configmap mounts replace the file,
	// which drops a watch registered on the file itself
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching policy directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := e.LoadPolicyFile(path); err != nil {
				e.logger.WithError(err).Warn("Policy reload failed, keeping previous policy")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.WithError(err).Warn("Policy watcher error")
		}
	}
}
