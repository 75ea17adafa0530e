package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/types"
)

// PebbleStore implements Store using PebbleDB
type PebbleStore struct {
	db       *pebble.DB
	readOnly bool
	logger   *zap.Logger
	closed   atomic.Bool
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) the durable store at cfg.Path
func NewPebbleStore(cfg config.StoreConfig, logger *zap.Logger) (*PebbleStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &pebble.Options{
		Cache:            pebble.NewCache(int64(cfg.CacheSizeMB) << 20), // MB to bytes
		ErrorIfExists:    false,
		ErrorIfNotExists: false,
	}
	if cfg.ReadOnly {
		opts.ReadOnly = true
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &PebbleStore{
		db:       db,
		readOnly: cfg.ReadOnly,
		logger:   logger,
	}, nil
}

// ensureNotClosed checks if the store is closed
func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ensureWritable checks closed and read-only state
func (s *PebbleStore) ensureWritable() error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return nil
}

// Close closes the store and releases resources
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// GetCursor returns the last published block number for a network
func (s *PebbleStore) GetCursor(ctx context.Context, network string) (uint64, error) {
	if err := s.ensureNotClosed(); err != nil {
		return 0, err
	}

	value, closer, err := s.db.Get(CursorKey(network))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to get cursor for %s: %w", network, err)
	}
	defer closer.Close()

	number, err := DecodeUint64(value)
	if err != nil {
		return 0, fmt.Errorf("failed to decode cursor: %w", err)
	}
	return number, nil
}

// SetCursor durably records the last published block number
func (s *PebbleStore) SetCursor(ctx context.Context, network string, number uint64) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}

	if err := s.db.Set(CursorKey(network), EncodeUint64(number), pebble.Sync); err != nil {
		return fmt.Errorf("failed to set cursor for %s: %w", network, err)
	}
	return nil
}

// GetAssignment returns a tenant's current assignment
func (s *PebbleStore) GetAssignment(ctx context.Context, tenantID string) (*types.TenantAssignment, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(AssignmentKey(tenantID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get assignment for %s: %w", tenantID, err)
	}
	defer closer.Close()

	var assignment types.TenantAssignment
	if err := json.Unmarshal(value, &assignment); err != nil {
		return nil, fmt.Errorf("failed to decode assignment: %w", err)
	}
	return &assignment, nil
}

// checkVersion enforces the strictly-increasing version rule against the
// persisted assignment, if any.
func (s *PebbleStore) checkVersion(assignment *types.TenantAssignment) error {
	current, err := s.GetAssignment(context.Background(), assignment.TenantID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if assignment.Version <= current.Version {
		return fmt.Errorf("%w: tenant %s has version %d, write carries %d",
			ErrStaleAssignment, assignment.TenantID, current.Version, assignment.Version)
	}
	return nil
}

// PutAssignment writes a single assignment
func (s *PebbleStore) PutAssignment(ctx context.Context, assignment *types.TenantAssignment) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if assignment == nil {
		return fmt.Errorf("assignment cannot be nil")
	}
	if err := s.checkVersion(assignment); err != nil {
		return err
	}

	data, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}
	if err := s.db.Set(AssignmentKey(assignment.TenantID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to put assignment for %s: %w", assignment.TenantID, err)
	}
	return nil
}

// PutAssignments writes a set of assignments in a single atomic batch
func (s *PebbleStore) PutAssignments(ctx context.Context, assignments []*types.TenantAssignment) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, assignment := range assignments {
		if assignment == nil {
			return fmt.Errorf("assignment cannot be nil")
		}
		if err := s.checkVersion(assignment); err != nil {
			return err
		}
		data, err := json.Marshal(assignment)
		if err != nil {
			return fmt.Errorf("failed to encode assignment: %w", err)
		}
		if err := batch.Set(AssignmentKey(assignment.TenantID), data, nil); err != nil {
			return fmt.Errorf("failed to batch assignment for %s: %w", assignment.TenantID, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit assignment batch: %w", err)
	}
	return nil
}

// DeleteAssignment removes a tenant's assignment
func (s *PebbleStore) DeleteAssignment(ctx context.Context, tenantID string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.db.Delete(AssignmentKey(tenantID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete assignment for %s: %w", tenantID, err)
	}
	return nil
}

// ListAssignments returns all assignments ordered by tenant ID
func (s *PebbleStore) ListAssignments(ctx context.Context) ([]*types.TenantAssignment, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixAssignments),
		UpperBound: prefixUpperBound(prefixAssignments),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var assignments []*types.TenantAssignment
	for iter.First(); iter.Valid(); iter.Next() {
		var assignment types.TenantAssignment
		if err := json.Unmarshal(iter.Value(), &assignment); err != nil {
			return nil, fmt.Errorf("failed to decode assignment at %s: %w", iter.Key(), err)
		}
		assignments = append(assignments, &assignment)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return assignments, nil
}

// GetTenant returns a tenant record
func (s *PebbleStore) GetTenant(ctx context.Context, tenantID string) (*types.TenantInfo, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(TenantKey(tenantID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant %s: %w", tenantID, err)
	}
	defer closer.Close()

	var tenant types.TenantInfo
	if err := json.Unmarshal(value, &tenant); err != nil {
		return nil, fmt.Errorf("failed to decode tenant: %w", err)
	}
	return &tenant, nil
}

// PutTenant creates or replaces a tenant record
func (s *PebbleStore) PutTenant(ctx context.Context, tenant *types.TenantInfo) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if tenant == nil || tenant.ID == "" {
		return fmt.Errorf("tenant must have an ID")
	}

	data, err := json.Marshal(tenant)
	if err != nil {
		return fmt.Errorf("failed to encode tenant: %w", err)
	}
	if err := s.db.Set(TenantKey(tenant.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to put tenant %s: %w", tenant.ID, err)
	}
	return nil
}

// DeleteTenant removes a tenant record
func (s *PebbleStore) DeleteTenant(ctx context.Context, tenantID string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if err := s.db.Delete(TenantKey(tenantID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete tenant %s: %w", tenantID, err)
	}
	return nil
}

// ListTenants returns all tenant records ordered by ID
func (s *PebbleStore) ListTenants(ctx context.Context) ([]*types.TenantInfo, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixTenants),
		UpperBound: prefixUpperBound(prefixTenants),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var tenants []*types.TenantInfo
	for iter.First(); iter.Valid(); iter.Next() {
		var tenant types.TenantInfo
		if err := json.Unmarshal(iter.Value(), &tenant); err != nil {
			return nil, fmt.Errorf("failed to decode tenant at %s: %w", iter.Key(), err)
		}
		tenants = append(tenants, &tenant)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterator error: %w", err)
	}
	return tenants, nil
}
