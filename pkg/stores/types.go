package stores

import (
	"context"
	"time"

	"github.com/openrig/openrig/pkg/engine"
)

// IdentityEntry represents a committed machine identifier row.
type IdentityEntry struct {
	Namespace  string    `json:"namespace"`
	Name       string    `json:"name"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store defines the interface for the persistence layer. It carries the
// engine's identity store contract plus the action audit log and a few
// administrative queries over committed state.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Identity operations (staged until Commit)
	engine.IdentityStore

	// Action audit log (append-only, written immediately)
	engine.ActionRecorder

	// Committed-state queries
	ListNamespaces(ctx context.Context) ([]string, error)
	ListIdentifiers(ctx context.Context, namespace string) ([]*IdentityEntry, error)
	ListActions(ctx context.Context, machine string, limit, offset int) ([]*engine.ActionRecord, error)
	PruneActions(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
