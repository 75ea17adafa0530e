// Package testutil provides shared helpers for building orchestrator test
// fixtures: loggers, networks, blocks, tenants, and worker samples.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/types"
)

// NewTestLogger creates a development logger for tests
func NewTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}
	return logger
}

// NewTestNetwork creates a test network with sane defaults
func NewTestNetwork(id string) types.Network {
	return types.Network{
		ID:          id,
		RPCEndpoint: "http://localhost:8545",
		ChainID:     1337,
	}
}

// NewTestBlock creates a test block on the given network at the given height
func NewTestBlock(network string, number uint64) *types.Block {
	return &types.Block{
		NetworkID:  network,
		Number:     number,
		Hash:       fmt.Sprintf("0x%064x", number),
		ParentHash: fmt.Sprintf("0x%064x", number-1),
		Timestamp:  uint64(time.Now().Unix()),
		TxCount:    1,
		FetchedAt:  time.Now().UTC(),
	}
}

// NewTestTenant creates an active normal-priority tenant
func NewTestTenant(id string, networks ...string) *types.TenantInfo {
	if len(networks) == 0 {
		networks = []string{"ethereum-mainnet"}
	}
	return &types.TenantInfo{
		ID:           id,
		Status:       types.TenantActive,
		Priority:     types.PriorityNormal,
		Networks:     networks,
		MonitorCount: 2,
		CreatedAt:    time.Now().UTC(),
	}
}

// NewTestTenants creates n active tenants named tenant-0..tenant-n-1
func NewTestTenants(n int) []*types.TenantInfo {
	tenants := make([]*types.TenantInfo, 0, n)
	for i := 0; i < n; i++ {
		tenants = append(tenants, NewTestTenant(fmt.Sprintf("tenant-%d", i)))
	}
	return tenants
}

// NewTestMetrics creates a worker load sample
func NewTestMetrics(workerID string, tenantCount int) types.WorkerMetrics {
	return types.WorkerMetrics{
		WorkerID:          workerID,
		TenantCount:       tenantCount,
		RPCRequestsPerSec: float64(tenantCount) * 2,
		AvgProcessingTime: 50 * time.Millisecond,
		SampledAt:         time.Now().UTC(),
	}
}
