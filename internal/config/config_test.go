package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xmhha/orchestrator-go/types"
)

// validConfig returns a minimal configuration that passes validation.
func validConfig() *Config {
	cfg := NewConfig()
	cfg.Store.Path = "/tmp/orchestrator-test"
	cfg.Watcher.Networks = []types.Network{
		{ID: "ethereum-mainnet", RPCEndpoint: "http://localhost:8545", ChainID: 1},
	}
	return cfg
}

// TestNewConfig tests creating a config with defaults
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg == nil {
		t.Fatal("NewConfig() returned nil")
	}

	// Check defaults
	if cfg.Mode != "all" {
		t.Errorf("Expected default mode 'all', got %q", cfg.Mode)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format 'json', got %q", cfg.Log.Format)
	}
	if cfg.Watcher.MaxBlocksPerFetch != 100 {
		t.Errorf("Expected default max blocks per fetch 100, got %d", cfg.Watcher.MaxBlocksPerFetch)
	}
	if cfg.Watcher.RetryAttempts != 3 {
		t.Errorf("Expected default retry attempts 3, got %d", cfg.Watcher.RetryAttempts)
	}
	if cfg.Worker.MaxTenantsPerWorker != 50 {
		t.Errorf("Expected default max tenants per worker 50, got %d", cfg.Worker.MaxTenantsPerWorker)
	}
	if cfg.Balancer.Strategy != "consistent-hash" {
		t.Errorf("Expected default strategy 'consistent-hash', got %q", cfg.Balancer.Strategy)
	}
	if cfg.Cache.BlockTTL != time.Minute {
		t.Errorf("Expected default block TTL 1m, got %v", cfg.Cache.BlockTTL)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name: "invalid mode",
			mutate: func(c *Config) {
				c.Mode = "proxy"
			},
			wantErr: true,
			errMsg:  "invalid mode",
		},
		{
			name: "missing store path",
			mutate: func(c *Config) {
				c.Store.Path = ""
			},
			wantErr: true,
			errMsg:  "store path is required",
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
			errMsg:  "invalid log level",
		},
		{
			name: "network without endpoint",
			mutate: func(c *Config) {
				c.Watcher.Networks = []types.Network{{ID: "polygon-mainnet"}}
			},
			wantErr: true,
			errMsg:  "RPC endpoint is required",
		},
		{
			name: "duplicate network",
			mutate: func(c *Config) {
				c.Watcher.Networks = append(c.Watcher.Networks, c.Watcher.Networks[0])
			},
			wantErr: true,
			errMsg:  "duplicate network",
		},
		{
			name: "invalid strategy",
			mutate: func(c *Config) {
				c.Balancer.Strategy = "random"
			},
			wantErr: true,
			errMsg:  "invalid balancer strategy",
		},
		{
			name: "rebalance threshold out of range",
			mutate: func(c *Config) {
				c.Balancer.RebalanceThreshold = 1.5
			},
			wantErr: true,
			errMsg:  "rebalance threshold",
		},
		{
			name: "zero max blocks per fetch",
			mutate: func(c *Config) {
				c.Watcher.MaxBlocksPerFetch = -1
			},
			wantErr: true,
			errMsg:  "max blocks per fetch must be positive",
		},
		{
			name: "redis enabled without address",
			mutate: func(c *Config) {
				c.Cache.Redis.Enabled = true
			},
			wantErr: true,
			errMsg:  "no address configured",
		},
		{
			name: "relay enabled without brokers",
			mutate: func(c *Config) {
				c.Relay.Enabled = true
			},
			wantErr: true,
			errMsg:  "no brokers configured",
		},
		{
			name: "API port out of range",
			mutate: func(c *Config) {
				c.API.Port = 70000
			},
			wantErr: true,
			errMsg:  "out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

// TestLoadFromFile tests loading configuration from a YAML file
func TestLoadFromFile(t *testing.T) {
	content := `
mode: watcher
log:
  level: debug
  format: console
store:
  path: /var/lib/orchestrator
watcher:
  poll_interval: 2s
  max_blocks_per_fetch: 25
  retry_attempts: 5
  networks:
    - id: ethereum-mainnet
      rpc_endpoint: http://localhost:8545
      chain_id: 1
      confirmation_depth: 12
balancer:
  strategy: least-loaded
  virtual_nodes: 64
cache:
  block_ttl: 90s
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg := NewConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Mode != "watcher" {
		t.Errorf("Mode = %q, want 'watcher'", cfg.Mode)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want 'debug'", cfg.Log.Level)
	}
	if cfg.Store.Path != "/var/lib/orchestrator" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Watcher.PollInterval != 2*time.Second {
		t.Errorf("Watcher.PollInterval = %v, want 2s", cfg.Watcher.PollInterval)
	}
	if cfg.Watcher.MaxBlocksPerFetch != 25 {
		t.Errorf("Watcher.MaxBlocksPerFetch = %d, want 25", cfg.Watcher.MaxBlocksPerFetch)
	}
	if len(cfg.Watcher.Networks) != 1 {
		t.Fatalf("len(Watcher.Networks) = %d, want 1", len(cfg.Watcher.Networks))
	}
	if cfg.Watcher.Networks[0].ConfirmationDepth != 12 {
		t.Errorf("ConfirmationDepth = %d, want 12", cfg.Watcher.Networks[0].ConfirmationDepth)
	}
	if cfg.Balancer.Strategy != "least-loaded" {
		t.Errorf("Balancer.Strategy = %q, want 'least-loaded'", cfg.Balancer.Strategy)
	}
	if cfg.Cache.BlockTTL != 90*time.Second {
		t.Errorf("Cache.BlockTTL = %v, want 90s", cfg.Cache.BlockTTL)
	}
}

// TestLoadFromFileNotFound tests loading from a missing file
func TestLoadFromFileNotFound(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("LoadFromFile() expected error for missing file")
	}
}

// TestLoadFromEnv tests environment variable overrides
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ORCH_MODE", "worker")
	t.Setenv("ORCH_LOG_LEVEL", "warn")
	t.Setenv("ORCH_STORE_PATH", "/data/orch")
	t.Setenv("ORCH_WATCHER_RETRY_ATTEMPTS", "7")
	t.Setenv("ORCH_WORKER_MAX_TENANTS", "80")
	t.Setenv("ORCH_BALANCER_STRATEGY", "round-robin")
	t.Setenv("ORCH_RELAY_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("ORCH_CACHE_BLOCK_TTL", "45s")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Mode != "worker" {
		t.Errorf("Mode = %q, want 'worker'", cfg.Mode)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want 'warn'", cfg.Log.Level)
	}
	if cfg.Store.Path != "/data/orch" {
		t.Errorf("Store.Path = %q, want '/data/orch'", cfg.Store.Path)
	}
	if cfg.Watcher.RetryAttempts != 7 {
		t.Errorf("Watcher.RetryAttempts = %d, want 7", cfg.Watcher.RetryAttempts)
	}
	if cfg.Worker.MaxTenantsPerWorker != 80 {
		t.Errorf("Worker.MaxTenantsPerWorker = %d, want 80", cfg.Worker.MaxTenantsPerWorker)
	}
	if cfg.Balancer.Strategy != "round-robin" {
		t.Errorf("Balancer.Strategy = %q, want 'round-robin'", cfg.Balancer.Strategy)
	}
	want := []string{"kafka-1:9092", "kafka-2:9092"}
	if len(cfg.Relay.Brokers) != 2 || cfg.Relay.Brokers[0] != want[0] || cfg.Relay.Brokers[1] != want[1] {
		t.Errorf("Relay.Brokers = %v, want %v", cfg.Relay.Brokers, want)
	}
	if cfg.Cache.BlockTTL != 45*time.Second {
		t.Errorf("Cache.BlockTTL = %v, want 45s", cfg.Cache.BlockTTL)
	}
}

// TestLoadFromEnvInvalid tests error handling for malformed env values
func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("ORCH_WATCHER_RETRY_ATTEMPTS", "lots")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Error("LoadFromEnv() expected error for invalid ORCH_WATCHER_RETRY_ATTEMPTS")
	}
}

// TestLoad tests the full load pipeline: file, env override, defaults, validate
func TestLoad(t *testing.T) {
	content := `
store:
  path: /var/lib/orchestrator
watcher:
  networks:
    - id: ethereum-mainnet
      rpc_endpoint: http://localhost:8545
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("ORCH_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Env overrides file, defaults fill the rest
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want 'debug'", cfg.Log.Level)
	}
	if cfg.Mode != "all" {
		t.Errorf("Mode = %q, want default 'all'", cfg.Mode)
	}
	if cfg.Watcher.ChannelBufferSize != 1000 {
		t.Errorf("Watcher.ChannelBufferSize = %d, want default 1000", cfg.Watcher.ChannelBufferSize)
	}
}

// TestLoadInvalidConfig tests that Load rejects invalid configuration
func TestLoadInvalidConfig(t *testing.T) {
	t.Setenv("ORCH_BALANCER_STRATEGY", "random")
	t.Setenv("ORCH_STORE_PATH", "/data/orch")

	if _, err := Load(""); err == nil {
		t.Error("Load() expected validation error for invalid strategy")
	}
}
