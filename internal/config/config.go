package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/orchestrator-go/internal/constants"
	"github.com/0xmhha/orchestrator-go/types"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator
type Config struct {
	// Mode selects which services this process runs: "watcher", "worker", "all"
	Mode string `yaml:"mode"`

	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Worker   WorkerConfig   `yaml:"worker"`
	Balancer BalancerConfig `yaml:"balancer"`
	Relay    RelayConfig    `yaml:"relay"`
	API      APIConfig      `yaml:"api"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig holds durable store configuration
type StoreConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readonly"`
	// CacheSizeMB is the pebble block cache size in megabytes
	CacheSizeMB int `yaml:"cache_size_mb"`
}

// CacheConfig holds block cache configuration
type CacheConfig struct {
	// KeyPrefix namespaces all cache keys
	KeyPrefix string `yaml:"key_prefix"`
	// BlockTTL is how long fetched blocks stay cached
	BlockTTL time.Duration `yaml:"block_ttl"`
	// LatestBlockTTL is how long the chain-head pointer stays cached
	LatestBlockTTL time.Duration `yaml:"latest_block_ttl"`
	// Redis holds the optional cross-process cache tier
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	// Enabled turns the Redis tier on; without it the cache is in-process only
	Enabled bool `yaml:"enabled"`
	// Addr is the Redis server address
	Addr string `yaml:"addr"`
	// Password is the optional Redis password
	Password string `yaml:"password,omitempty"`
	// DB is the Redis database number
	DB int `yaml:"db"`
	// DialTimeout is the timeout for establishing new connections
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ReadTimeout is the timeout for socket reads
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout is the timeout for socket writes
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// WatcherConfig holds shared block watcher configuration
type WatcherConfig struct {
	// Networks lists the networks to watch
	Networks []types.Network `yaml:"networks"`
	// PollInterval is the default fetch loop tick, overridable per network
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxBlocksPerFetch caps the blocks fetched per tick per network
	MaxBlocksPerFetch int `yaml:"max_blocks_per_fetch"`
	// RetryAttempts is how many times a failed fetch is retried before the
	// network is marked degraded
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the base delay for exponential backoff between retries
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ChannelBufferSize is each subscriber's queue capacity
	ChannelBufferSize int `yaml:"channel_buffer_size"`
	// RPCTimeout bounds individual RPC calls
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
	// RPCRateLimit caps RPC requests per second per network (0 = unlimited)
	RPCRateLimit float64 `yaml:"rpc_rate_limit"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	// ID identifies this worker; defaults to the hostname
	ID string `yaml:"id"`
	// MaxTenantsPerWorker caps tenants per worker
	MaxTenantsPerWorker int `yaml:"max_tenants_per_worker"`
	// HealthCheckInterval is how often the pool probes worker health
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// TenantReloadInterval is how often workers refresh tenant manifests
	TenantReloadInterval time.Duration `yaml:"tenant_reload_interval"`
	// DrainGracePeriod is how long a draining worker may finish in-flight work
	DrainGracePeriod time.Duration `yaml:"drain_grace_period"`
}

// BalancerConfig holds load balancer configuration
type BalancerConfig struct {
	// Strategy selects tenant placement: "consistent-hash", "round-robin",
	// "least-loaded", "activity-weighted"
	Strategy string `yaml:"strategy"`
	// VirtualNodes is the number of ring points per worker
	VirtualNodes int `yaml:"virtual_nodes"`
	// RebalanceThreshold is the load imbalance ratio that triggers a rebalance
	RebalanceThreshold float64 `yaml:"rebalance_threshold"`
	// MinRebalanceInterval throttles strategy-driven rebalances
	MinRebalanceInterval time.Duration `yaml:"min_rebalance_interval"`
}

// RelayConfig holds the optional Kafka block relay configuration
type RelayConfig struct {
	// Enabled turns on publishing fetched blocks to Kafka
	Enabled bool `yaml:"enabled"`
	// Brokers is the list of Kafka broker addresses
	Brokers []string `yaml:"brokers"`
	// Topic is the Kafka topic for block events
	Topic string `yaml:"topic"`
	// GroupID is the consumer group ID used by relay consumers
	GroupID string `yaml:"group_id"`
	// RequiredAcks is the number of acknowledgments required: 0, 1, -1 (all)
	RequiredAcks int `yaml:"required_acks"`
	// BatchTimeout is how long the writer may linger filling a batch
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// APIConfig holds ops API server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "all"
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Store defaults
	if c.Store.CacheSizeMB == 0 {
		c.Store.CacheSizeMB = constants.DefaultStoreCacheSizeMB
	}

	// Cache defaults
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = constants.DefaultCacheKeyPrefix
	}
	if c.Cache.BlockTTL == 0 {
		c.Cache.BlockTTL = constants.DefaultBlockTTL
	}
	if c.Cache.LatestBlockTTL == 0 {
		c.Cache.LatestBlockTTL = constants.DefaultLatestBlockTTL
	}
	if c.Cache.Redis.DialTimeout == 0 {
		c.Cache.Redis.DialTimeout = 5 * time.Second
	}
	if c.Cache.Redis.ReadTimeout == 0 {
		c.Cache.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Cache.Redis.WriteTimeout == 0 {
		c.Cache.Redis.WriteTimeout = 3 * time.Second
	}

	// Watcher defaults
	if c.Watcher.PollInterval == 0 {
		c.Watcher.PollInterval = constants.DefaultPollInterval
	}
	if c.Watcher.MaxBlocksPerFetch == 0 {
		c.Watcher.MaxBlocksPerFetch = constants.DefaultMaxBlocksPerFetch
	}
	if c.Watcher.RetryAttempts == 0 {
		c.Watcher.RetryAttempts = constants.DefaultRetryAttempts
	}
	if c.Watcher.RetryDelay == 0 {
		c.Watcher.RetryDelay = constants.DefaultRetryDelay
	}
	if c.Watcher.ChannelBufferSize == 0 {
		c.Watcher.ChannelBufferSize = constants.DefaultChannelBufferSize
	}
	if c.Watcher.RPCTimeout == 0 {
		c.Watcher.RPCTimeout = constants.DefaultRPCTimeout
	}

	// Worker defaults
	if c.Worker.ID == "" {
		hostname, err := os.Hostname()
		if err == nil {
			c.Worker.ID = hostname
		} else {
			c.Worker.ID = "worker-1"
		}
	}
	if c.Worker.MaxTenantsPerWorker == 0 {
		c.Worker.MaxTenantsPerWorker = constants.DefaultMaxTenantsPerWorker
	}
	if c.Worker.HealthCheckInterval == 0 {
		c.Worker.HealthCheckInterval = constants.DefaultHealthCheckInterval
	}
	if c.Worker.TenantReloadInterval == 0 {
		c.Worker.TenantReloadInterval = constants.DefaultTenantReloadInterval
	}
	if c.Worker.DrainGracePeriod == 0 {
		c.Worker.DrainGracePeriod = constants.DefaultDrainGracePeriod
	}

	// Balancer defaults
	if c.Balancer.Strategy == "" {
		c.Balancer.Strategy = "consistent-hash"
	}
	if c.Balancer.VirtualNodes == 0 {
		c.Balancer.VirtualNodes = constants.DefaultVirtualNodes
	}
	if c.Balancer.RebalanceThreshold == 0 {
		c.Balancer.RebalanceThreshold = constants.DefaultRebalanceThreshold
	}
	if c.Balancer.MinRebalanceInterval == 0 {
		c.Balancer.MinRebalanceInterval = constants.DefaultMinRebalanceInterval
	}

	// Relay defaults
	if c.Relay.Topic == "" {
		c.Relay.Topic = "orchestrator-blocks"
	}
	if c.Relay.GroupID == "" {
		c.Relay.GroupID = "orchestrator"
	}
	if c.Relay.RequiredAcks == 0 {
		c.Relay.RequiredAcks = -1 // All replicas
	}
	if c.Relay.BatchTimeout == 0 {
		c.Relay.BatchTimeout = 100 * time.Millisecond
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
}

// LoadFromEnv loads configuration from environment variables
// Environment variables take precedence over file configuration
func (c *Config) LoadFromEnv() error {
	if mode := os.Getenv("ORCH_MODE"); mode != "" {
		c.Mode = mode
	}

	// Log configuration
	if level := os.Getenv("ORCH_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("ORCH_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Store configuration
	if path := os.Getenv("ORCH_STORE_PATH"); path != "" {
		c.Store.Path = path
	}
	if readonly := os.Getenv("ORCH_STORE_READONLY"); readonly != "" {
		val, err := strconv.ParseBool(readonly)
		if err != nil {
			return fmt.Errorf("invalid ORCH_STORE_READONLY: %w", err)
		}
		c.Store.ReadOnly = val
	}

	// Cache configuration
	if prefix := os.Getenv("ORCH_CACHE_KEY_PREFIX"); prefix != "" {
		c.Cache.KeyPrefix = prefix
	}
	if ttl := os.Getenv("ORCH_CACHE_BLOCK_TTL"); ttl != "" {
		duration, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid ORCH_CACHE_BLOCK_TTL: %w", err)
		}
		c.Cache.BlockTTL = duration
	}
	if enabled := os.Getenv("ORCH_CACHE_REDIS_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid ORCH_CACHE_REDIS_ENABLED: %w", err)
		}
		c.Cache.Redis.Enabled = val
	}
	if addr := os.Getenv("ORCH_CACHE_REDIS_ADDR"); addr != "" {
		c.Cache.Redis.Addr = addr
	}
	if password := os.Getenv("ORCH_CACHE_REDIS_PASSWORD"); password != "" {
		c.Cache.Redis.Password = password
	}
	if db := os.Getenv("ORCH_CACHE_REDIS_DB"); db != "" {
		val, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid ORCH_CACHE_REDIS_DB: %w", err)
		}
		c.Cache.Redis.DB = val
	}

	// Watcher configuration
	if interval := os.Getenv("ORCH_WATCHER_POLL_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WATCHER_POLL_INTERVAL: %w", err)
		}
		c.Watcher.PollInterval = duration
	}
	if maxBlocks := os.Getenv("ORCH_WATCHER_MAX_BLOCKS_PER_FETCH"); maxBlocks != "" {
		val, err := strconv.Atoi(maxBlocks)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WATCHER_MAX_BLOCKS_PER_FETCH: %w", err)
		}
		c.Watcher.MaxBlocksPerFetch = val
	}
	if attempts := os.Getenv("ORCH_WATCHER_RETRY_ATTEMPTS"); attempts != "" {
		val, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WATCHER_RETRY_ATTEMPTS: %w", err)
		}
		c.Watcher.RetryAttempts = val
	}
	if delay := os.Getenv("ORCH_WATCHER_RETRY_DELAY"); delay != "" {
		duration, err := time.ParseDuration(delay)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WATCHER_RETRY_DELAY: %w", err)
		}
		c.Watcher.RetryDelay = duration
	}
	if bufSize := os.Getenv("ORCH_WATCHER_CHANNEL_BUFFER_SIZE"); bufSize != "" {
		val, err := strconv.Atoi(bufSize)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WATCHER_CHANNEL_BUFFER_SIZE: %w", err)
		}
		c.Watcher.ChannelBufferSize = val
	}

	// Worker configuration
	if id := os.Getenv("ORCH_WORKER_ID"); id != "" {
		c.Worker.ID = id
	}
	if maxTenants := os.Getenv("ORCH_WORKER_MAX_TENANTS"); maxTenants != "" {
		val, err := strconv.Atoi(maxTenants)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WORKER_MAX_TENANTS: %w", err)
		}
		c.Worker.MaxTenantsPerWorker = val
	}
	if interval := os.Getenv("ORCH_WORKER_HEALTH_CHECK_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WORKER_HEALTH_CHECK_INTERVAL: %w", err)
		}
		c.Worker.HealthCheckInterval = duration
	}
	if interval := os.Getenv("ORCH_WORKER_TENANT_RELOAD_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid ORCH_WORKER_TENANT_RELOAD_INTERVAL: %w", err)
		}
		c.Worker.TenantReloadInterval = duration
	}

	// Balancer configuration
	if strategy := os.Getenv("ORCH_BALANCER_STRATEGY"); strategy != "" {
		c.Balancer.Strategy = strategy
	}
	if vnodes := os.Getenv("ORCH_BALANCER_VIRTUAL_NODES"); vnodes != "" {
		val, err := strconv.Atoi(vnodes)
		if err != nil {
			return fmt.Errorf("invalid ORCH_BALANCER_VIRTUAL_NODES: %w", err)
		}
		c.Balancer.VirtualNodes = val
	}

	// Relay configuration
	if enabled := os.Getenv("ORCH_RELAY_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid ORCH_RELAY_ENABLED: %w", err)
		}
		c.Relay.Enabled = val
	}
	if brokers := os.Getenv("ORCH_RELAY_BROKERS"); brokers != "" {
		list := make([]string, 0)
		for _, broker := range strings.Split(brokers, ",") {
			broker = strings.TrimSpace(broker)
			if broker != "" {
				list = append(list, broker)
			}
		}
		c.Relay.Brokers = list
	}
	if topic := os.Getenv("ORCH_RELAY_TOPIC"); topic != "" {
		c.Relay.Topic = topic
	}
	if groupID := os.Getenv("ORCH_RELAY_GROUP_ID"); groupID != "" {
		c.Relay.GroupID = groupID
	}

	// API configuration
	if enabled := os.Getenv("ORCH_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid ORCH_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("ORCH_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("ORCH_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid ORCH_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validModes := map[string]bool{
		"watcher": true,
		"worker":  true,
		"all":     true,
	}
	if !validModes[c.Mode] {
		return fmt.Errorf("invalid mode %q, must be one of: watcher, worker, all", c.Mode)
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate store configuration
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}

	// Validate cache configuration
	if c.Cache.BlockTTL <= 0 {
		return fmt.Errorf("cache block TTL must be positive")
	}
	if c.Cache.Redis.Enabled && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("redis cache enabled but no address configured")
	}

	// Validate watcher configuration
	if c.Watcher.MaxBlocksPerFetch <= 0 {
		return fmt.Errorf("max blocks per fetch must be positive")
	}
	if c.Watcher.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts cannot be negative")
	}
	if c.Watcher.ChannelBufferSize <= 0 {
		return fmt.Errorf("channel buffer size must be positive")
	}
	seen := make(map[string]bool, len(c.Watcher.Networks))
	for _, network := range c.Watcher.Networks {
		if network.ID == "" {
			return fmt.Errorf("network ID is required")
		}
		if seen[network.ID] {
			return fmt.Errorf("duplicate network %q", network.ID)
		}
		seen[network.ID] = true
		if network.RPCEndpoint == "" {
			return fmt.Errorf("network %q: RPC endpoint is required", network.ID)
		}
	}

	// Validate worker configuration
	if c.Worker.MaxTenantsPerWorker <= 0 {
		return fmt.Errorf("max tenants per worker must be positive")
	}

	// Validate balancer configuration
	validStrategies := map[string]bool{
		"consistent-hash":   true,
		"round-robin":       true,
		"least-loaded":      true,
		"activity-weighted": true,
	}
	if !validStrategies[c.Balancer.Strategy] {
		return fmt.Errorf("invalid balancer strategy %q, must be one of: consistent-hash, round-robin, least-loaded, activity-weighted", c.Balancer.Strategy)
	}
	if c.Balancer.VirtualNodes <= 0 {
		return fmt.Errorf("virtual nodes must be positive")
	}
	if c.Balancer.RebalanceThreshold <= 0 || c.Balancer.RebalanceThreshold >= 1 {
		return fmt.Errorf("rebalance threshold must be in (0, 1)")
	}

	// Validate relay configuration if enabled
	if c.Relay.Enabled {
		if len(c.Relay.Brokers) == 0 {
			return fmt.Errorf("relay enabled but no brokers configured")
		}
		if c.Relay.Topic == "" {
			return fmt.Errorf("relay topic is required when relay is enabled")
		}
	}

	// Validate API configuration
	if c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort {
		return fmt.Errorf("API port %d out of range [%d, %d]", c.API.Port, constants.MinPort, constants.MaxPort)
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
