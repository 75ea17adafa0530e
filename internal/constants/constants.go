package constants

import "time"

// Ops Server Constants
const (
	// DefaultAPIHost is the default ops server host
	DefaultAPIHost = "localhost"

	// DefaultAPIPort is the default ops server port
	DefaultAPIPort = 8080

	// MinPort is the minimum valid port number
	MinPort = 1

	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DefaultReadTimeout is the default HTTP read timeout
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the default HTTP write timeout
	DefaultWriteTimeout = 15 * time.Second

	// DefaultIdleTimeout is the default HTTP idle timeout
	DefaultIdleTimeout = 60 * time.Second

	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 30 * time.Second
)

// Block Watcher Constants
const (
	// DefaultMaxBlocksPerFetch is the maximum number of blocks fetched per tick
	DefaultMaxBlocksPerFetch = 100

	// DefaultRetryAttempts is the default number of RPC retry attempts
	DefaultRetryAttempts = 3

	// DefaultRetryDelay is the base delay between RPC retry attempts
	DefaultRetryDelay = time.Second

	// DefaultChannelBufferSize is the default per-subscriber queue size
	DefaultChannelBufferSize = 1000

	// DefaultPollInterval is the default delay between fetch ticks
	DefaultPollInterval = 5 * time.Second

	// DefaultRPCTimeout bounds individual RPC calls made by the fetch loop
	DefaultRPCTimeout = 10 * time.Second
)

// Worker Pool Constants
const (
	// DefaultMaxTenantsPerWorker bounds the tenant manifest of a single worker
	DefaultMaxTenantsPerWorker = 50

	// DefaultHealthCheckInterval is how often worker heartbeats are inspected
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultTenantReloadInterval is how often tenant manifests are refreshed
	DefaultTenantReloadInterval = 5 * time.Minute

	// DefaultDrainGracePeriod bounds how long a draining worker may finish
	// in-flight work before it is forcibly stopped
	DefaultDrainGracePeriod = 30 * time.Second
)

// Load Balancer Constants
const (
	// DefaultVirtualNodes is the number of ring points per worker
	DefaultVirtualNodes = 128

	// DefaultRebalanceThreshold is the load skew (max/avg - 1) that triggers
	// a rebalance
	DefaultRebalanceThreshold = 0.2

	// DefaultMinRebalanceInterval is the minimum time between rebalances
	DefaultMinRebalanceInterval = 5 * time.Minute
)

// Block Cache Constants
const (
	// DefaultBlockTTL is how long fetched block payloads stay cached
	DefaultBlockTTL = time.Minute

	// DefaultLatestBlockTTL is how long the latest block number stays cached
	DefaultLatestBlockTTL = 5 * time.Second

	// DefaultCacheKeyPrefix namespaces all cache keys
	DefaultCacheKeyPrefix = "orch"
)

// Storage Constants
const (
	// DefaultStoreCacheSizeMB is the default pebble block cache size in MB
	DefaultStoreCacheSizeMB = 64
)
