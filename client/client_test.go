package client

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/types"
)

func TestNewEVMClient(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name: "empty endpoint",
			config: &Config{
				Network: types.Network{ID: "ethereum-mainnet"},
			},
			wantErr: true,
		},
		{
			name: "invalid endpoint",
			config: &Config{
				Network: types.Network{
					ID:          "ethereum-mainnet",
					RPCEndpoint: "invalid://endpoint",
				},
				Timeout: 5 * time.Second,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewEVMClient(context.Background(), tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewEVMClient() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if client != nil {
				client.Close()
			}
		})
	}
}

// TestClientIntegration requires a running Ethereum node.
// Skipped by default; run against a local node with -short=false.
func TestClientIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	logger, _ := zap.NewDevelopment()

	cfg := &Config{
		Network: types.Network{
			ID:          "local-devnet",
			RPCEndpoint: "http://localhost:8545",
		},
		Timeout: 30 * time.Second,
		Logger:  logger,
	}

	client, err := NewEVMClient(context.Background(), cfg)
	if err != nil {
		t.Skipf("no local node available: %v", err)
	}
	defer client.Close()

	ctx := context.Background()

	t.Run("LatestBlockNumber", func(t *testing.T) {
		if _, err := client.LatestBlockNumber(ctx); err != nil {
			t.Errorf("LatestBlockNumber() error = %v", err)
		}
	})

	t.Run("BlockByNumber", func(t *testing.T) {
		head, err := client.LatestBlockNumber(ctx)
		if err != nil {
			t.Fatalf("LatestBlockNumber() error = %v", err)
		}
		block, err := client.BlockByNumber(ctx, head)
		if err != nil {
			t.Fatalf("BlockByNumber() error = %v", err)
		}
		if block.Number != head {
			t.Errorf("block number = %d, want %d", block.Number, head)
		}
		if block.NetworkID != "local-devnet" {
			t.Errorf("network = %q, want 'local-devnet'", block.NetworkID)
		}
	})

	t.Run("BlockRange", func(t *testing.T) {
		head, err := client.LatestBlockNumber(ctx)
		if err != nil {
			t.Fatalf("LatestBlockNumber() error = %v", err)
		}
		if head < 2 {
			t.Skip("chain too short")
		}
		blocks, err := client.BlockRange(ctx, head-2, head)
		if err != nil {
			t.Fatalf("BlockRange() error = %v", err)
		}
		if len(blocks) != 3 {
			t.Fatalf("len(blocks) = %d, want 3", len(blocks))
		}
		for i := 1; i < len(blocks); i++ {
			if blocks[i].Number != blocks[i-1].Number+1 {
				t.Errorf("blocks not contiguous at index %d", i)
			}
		}
	})
}
