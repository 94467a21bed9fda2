package config

import (
	"context"
	"time"
)

// GlobalScope is the reserved scope shared by every service
const GlobalScope = "global"

// Entry is a single dynamic configuration value
type Entry struct {
	Scope     string
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Store is the queryable configuration backend. Implementations return all
// entries for one scope; the resolver queries the service scope and the
// global scope on each refresh.
type Store interface {
	Query(ctx context.Context, scope string) ([]Entry, error)
}
