package testutil

import (
	"testing"

	"github.com/0xmhha/orchestrator-go/types"
)

// TestNewTestLogger tests creating a test logger
func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger(t)
	if logger == nil {
		t.Fatal("NewTestLogger() returned nil")
	}
}

// TestNewTestBlock tests creating a test block
func TestNewTestBlock(t *testing.T) {
	block := NewTestBlock("ethereum-mainnet", 100)
	if block == nil {
		t.Fatal("NewTestBlock() returned nil")
	}
	if block.NetworkID != "ethereum-mainnet" {
		t.Errorf("Block network = %q, want 'ethereum-mainnet'", block.NetworkID)
	}
	if block.Number != 100 {
		t.Errorf("Block number = %d, want 100", block.Number)
	}
	if block.Hash == block.ParentHash {
		t.Error("Block hash must differ from parent hash")
	}
}

// TestNewTestTenant tests creating a test tenant
func TestNewTestTenant(t *testing.T) {
	tenant := NewTestTenant("tenant-1", "ethereum-mainnet", "polygon-mainnet")
	if tenant.ID != "tenant-1" {
		t.Errorf("Tenant ID = %q, want 'tenant-1'", tenant.ID)
	}
	if tenant.Status != types.TenantActive {
		t.Errorf("Tenant status = %q, want active", tenant.Status)
	}
	if len(tenant.Networks) != 2 {
		t.Errorf("len(Networks) = %d, want 2", len(tenant.Networks))
	}
	if !tenant.Billable() {
		t.Error("Active tenant should be billable")
	}
}

// TestNewTestTenants tests bulk tenant creation
func TestNewTestTenants(t *testing.T) {
	tenants := NewTestTenants(120)
	if len(tenants) != 120 {
		t.Fatalf("len(tenants) = %d, want 120", len(tenants))
	}
	seen := make(map[string]bool, len(tenants))
	for _, tenant := range tenants {
		if seen[tenant.ID] {
			t.Fatalf("duplicate tenant ID %q", tenant.ID)
		}
		seen[tenant.ID] = true
	}
}

// TestNewTestMetrics tests worker sample creation
func TestNewTestMetrics(t *testing.T) {
	m := NewTestMetrics("worker-1", 10)
	if m.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q, want 'worker-1'", m.WorkerID)
	}
	if m.TenantCount != 10 {
		t.Errorf("TenantCount = %d, want 10", m.TenantCount)
	}
	if m.LoadScore() <= 0 {
		t.Errorf("LoadScore() = %f, want positive", m.LoadScore())
	}
}
