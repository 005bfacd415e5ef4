// Package sandbox manages the compute sandboxes agent runs execute tools
// in. It owns the resource record and its lifecycle (pooled, active,
// stopped, deleted) and keeps a warm pool of pre-created sandboxes so a
// fresh project claims one instantly instead of paying provider creation
// latency. Provisioning itself is external; the pool talks to a Launcher.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a sandbox resource.
type Status string

const (
	// StatusPooled means pre-created and waiting in the warm pool.
	StatusPooled Status = "pooled"
	// StatusActive means claimed by exactly one project.
	StatusActive Status = "active"
	// StatusStopped means the sandbox is suspended but its record remains.
	StatusStopped Status = "stopped"
	// StatusDeleted means the external sandbox was terminated.
	StatusDeleted Status = "deleted"
)

var (
	// ErrNotFound reports a missing resource row.
	ErrNotFound = errors.New("sandbox: resource not found")

	// ErrDuplicate reports an insert with an id that already exists.
	ErrDuplicate = errors.New("sandbox: resource already exists")

	// ErrPoolEmpty reports a claim attempt against an empty pool.
	ErrPoolEmpty = errors.New("sandbox: pool empty")
)

// Resource is one sandbox record. An active resource is owned by exactly
// one project.
type Resource struct {
	// ID uniquely identifies the record (UUID).
	ID string
	// ExternalID is the provider's identifier for the running sandbox.
	ExternalID string
	// Status is the lifecycle state.
	Status Status
	// AccountID is the owning account once claimed.
	AccountID string
	// ProjectID is the owning project once active.
	ProjectID string
	// PreviewURL is the externally reachable service endpoint.
	PreviewURL string
	// Token authenticates calls into the sandbox.
	Token string
	// CreatedAt records provisioning time.
	CreatedAt time.Time
	// ClaimedAt records when the resource left the pool.
	ClaimedAt time.Time
	// UpdatedAt records the last state change.
	UpdatedAt time.Time
}

// Store persists sandbox resource rows.
type Store interface {
	Insert(ctx context.Context, r Resource) error
	Get(ctx context.Context, id string) (Resource, error)
	// ClaimPooled atomically transitions one pooled row to active and
	// assigns it to the given owner. Returns ErrPoolEmpty when no pooled
	// row exists. Two concurrent claims never receive the same row.
	ClaimPooled(ctx context.Context, accountID, projectID string) (Resource, error)
	SetStatus(ctx context.Context, id string, status Status) error
	CountByStatus(ctx context.Context, status Status) (int, error)
	// ListByStatus returns up to limit rows in the given status, oldest
	// first. A zero limit returns all.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Resource, error)
}

// Instance describes a sandbox the launcher brought up.
type Instance struct {
	ExternalID string
	PreviewURL string
	Token      string
}

// Launcher provisions and tears down sandboxes at the compute provider.
type Launcher interface {
	// Launch creates a sandbox and returns once the provider accepted it.
	// Services inside may still be starting; callers that need them wait
	// separately.
	Launch(ctx context.Context) (Instance, error)
	// Terminate destroys the sandbox identified by externalID.
	Terminate(ctx context.Context, externalID string) error
}
