// Package store persists the orchestrator's durable state: per-network
// fetch cursors, tenant records, and the versioned tenant-assignment table.
package store

import (
	"context"
	"errors"

	"github.com/0xmhha/orchestrator-go/types"
)

// Common store errors
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("not found")

	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("store closed")

	// ErrReadOnly is returned when attempting to write to a read-only store
	ErrReadOnly = errors.New("store is read-only")

	// ErrStaleAssignment is returned when an assignment write carries a
	// version at or below the persisted one
	ErrStaleAssignment = errors.New("stale assignment version")
)

// CursorStore tracks the last published block per network. The cursor
// only advances after a whole batch has been delivered to subscribers.
type CursorStore interface {
	// GetCursor returns the last published block number for a network,
	// or ErrNotFound on first run.
	GetCursor(ctx context.Context, network string) (uint64, error)
	// SetCursor durably records the last published block number.
	SetCursor(ctx context.Context, network string, number uint64) error
}

// AssignmentStore is the versioned tenant-to-worker assignment table.
type AssignmentStore interface {
	// GetAssignment returns a tenant's current assignment or ErrNotFound.
	GetAssignment(ctx context.Context, tenantID string) (*types.TenantAssignment, error)
	// PutAssignment writes an assignment. Writes whose version is not
	// strictly greater than the persisted one fail with ErrStaleAssignment.
	PutAssignment(ctx context.Context, assignment *types.TenantAssignment) error
	// PutAssignments writes a set of assignments atomically with the same
	// version rule applied to each.
	PutAssignments(ctx context.Context, assignments []*types.TenantAssignment) error
	// DeleteAssignment removes a tenant's assignment.
	DeleteAssignment(ctx context.Context, tenantID string) error
	// ListAssignments returns all assignments ordered by tenant ID.
	ListAssignments(ctx context.Context) ([]*types.TenantAssignment, error)
}

// TenantStore holds the tenant records workers reload their manifests from.
type TenantStore interface {
	// GetTenant returns a tenant record or ErrNotFound.
	GetTenant(ctx context.Context, tenantID string) (*types.TenantInfo, error)
	// PutTenant creates or replaces a tenant record.
	PutTenant(ctx context.Context, tenant *types.TenantInfo) error
	// DeleteTenant removes a tenant record.
	DeleteTenant(ctx context.Context, tenantID string) error
	// ListTenants returns all tenant records ordered by ID.
	ListTenants(ctx context.Context) ([]*types.TenantInfo, error)
}

// Store is the full durable state surface.
type Store interface {
	CursorStore
	AssignmentStore
	TenantStore

	// Close releases the underlying database.
	Close() error
}
