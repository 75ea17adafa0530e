package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/testutil"
	"github.com/0xmhha/orchestrator-go/types"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	cfg := config.StoreConfig{
		Path:        t.TempDir(),
		CacheSizeMB: 8,
	}
	s, err := NewPebbleStore(cfg, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewPebbleStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestCursorFirstRun tests that an unset cursor reports ErrNotFound
func TestCursorFirstRun(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCursor(context.Background(), "ethereum-mainnet")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCursor() error = %v, want ErrNotFound", err)
	}
}

// TestCursorRoundTrip tests cursor persistence per network
func TestCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetCursor(ctx, "ethereum-mainnet", 100); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if err := s.SetCursor(ctx, "polygon-mainnet", 555); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}

	got, err := s.GetCursor(ctx, "ethereum-mainnet")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if got != 100 {
		t.Errorf("cursor = %d, want 100", got)
	}

	got, err = s.GetCursor(ctx, "polygon-mainnet")
	if err != nil {
		t.Fatalf("GetCursor() error = %v", err)
	}
	if got != 555 {
		t.Errorf("cursor = %d, want 555", got)
	}
}

// TestAssignmentVersioning tests the strictly-increasing version rule
func TestAssignmentVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.TenantAssignment{
		TenantID:   "tenant-1",
		WorkerID:   "worker-1",
		AssignedAt: time.Now().UTC(),
		Version:    1,
		Reason:     types.ReasonInitial,
	}
	if err := s.PutAssignment(ctx, first); err != nil {
		t.Fatalf("PutAssignment() error = %v", err)
	}

	// Same version is rejected
	if err := s.PutAssignment(ctx, first); !errors.Is(err, ErrStaleAssignment) {
		t.Errorf("PutAssignment() same version error = %v, want ErrStaleAssignment", err)
	}

	// Lower version is rejected
	stale := *first
	stale.Version = 0
	if err := s.PutAssignment(ctx, &stale); !errors.Is(err, ErrStaleAssignment) {
		t.Errorf("PutAssignment() lower version error = %v, want ErrStaleAssignment", err)
	}

	// Reassign bumps the version and succeeds
	moved := first.Reassign("worker-2", types.ReasonRebalance)
	if err := s.PutAssignment(ctx, &moved); err != nil {
		t.Fatalf("PutAssignment() after Reassign error = %v", err)
	}

	got, err := s.GetAssignment(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetAssignment() error = %v", err)
	}
	if got.WorkerID != "worker-2" {
		t.Errorf("WorkerID = %q, want 'worker-2'", got.WorkerID)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
	if got.Reason != types.ReasonRebalance {
		t.Errorf("Reason = %q, want rebalance", got.Reason)
	}
}

// TestPutAssignmentsBatch tests atomic multi-assignment writes
func TestPutAssignmentsBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assignments := []*types.TenantAssignment{
		{TenantID: "tenant-1", WorkerID: "worker-1", Version: 1, Reason: types.ReasonInitial},
		{TenantID: "tenant-2", WorkerID: "worker-2", Version: 1, Reason: types.ReasonInitial},
		{TenantID: "tenant-3", WorkerID: "worker-1", Version: 1, Reason: types.ReasonInitial},
	}
	if err := s.PutAssignments(ctx, assignments); err != nil {
		t.Fatalf("PutAssignments() error = %v", err)
	}

	list, err := s.ListAssignments(ctx)
	if err != nil {
		t.Fatalf("ListAssignments() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(assignments) = %d, want 3", len(list))
	}
	// Iteration order is lexicographic by tenant ID
	if list[0].TenantID != "tenant-1" || list[2].TenantID != "tenant-3" {
		t.Errorf("unexpected order: %s, %s, %s", list[0].TenantID, list[1].TenantID, list[2].TenantID)
	}
}

// TestDeleteAssignment tests assignment removal
func TestDeleteAssignment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &types.TenantAssignment{TenantID: "tenant-1", WorkerID: "worker-1", Version: 1}
	if err := s.PutAssignment(ctx, a); err != nil {
		t.Fatalf("PutAssignment() error = %v", err)
	}
	if err := s.DeleteAssignment(ctx, "tenant-1"); err != nil {
		t.Fatalf("DeleteAssignment() error = %v", err)
	}
	if _, err := s.GetAssignment(ctx, "tenant-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAssignment() after delete error = %v, want ErrNotFound", err)
	}
}

// TestTenantRoundTrip tests tenant record persistence
func TestTenantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := testutil.NewTestTenant("tenant-1", "ethereum-mainnet")
	if err := s.PutTenant(ctx, tenant); err != nil {
		t.Fatalf("PutTenant() error = %v", err)
	}

	got, err := s.GetTenant(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if got.Status != types.TenantActive {
		t.Errorf("Status = %q, want active", got.Status)
	}

	tenants, err := s.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants() error = %v", err)
	}
	if len(tenants) != 1 {
		t.Errorf("len(tenants) = %d, want 1", len(tenants))
	}
}

// TestClosedStore tests operations after Close
func TestClosedStore(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx := context.Background()
	if _, err := s.GetCursor(ctx, "ethereum-mainnet"); !errors.Is(err, ErrClosed) {
		t.Errorf("GetCursor() error = %v, want ErrClosed", err)
	}
	if err := s.SetCursor(ctx, "ethereum-mainnet", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("SetCursor() error = %v, want ErrClosed", err)
	}

	// Double close is a no-op
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// TestStatePersistsAcrossReopen tests durability across restarts
func TestStatePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StoreConfig{Path: dir, CacheSizeMB: 8}
	ctx := context.Background()

	s, err := NewPebbleStore(cfg, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("NewPebbleStore() error = %v", err)
	}
	if err := s.SetCursor(ctx, "ethereum-mainnet", 42); err != nil {
		t.Fatalf("SetCursor() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewPebbleStore(cfg, testutil.NewTestLogger(t))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetCursor(ctx, "ethereum-mainnet")
	if err != nil {
		t.Fatalf("GetCursor() after reopen error = %v", err)
	}
	if got != 42 {
		t.Errorf("cursor = %d, want 42", got)
	}
}
