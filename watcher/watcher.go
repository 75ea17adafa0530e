package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/cache"
	"github.com/0xmhha/orchestrator-go/client"
	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/store"
	"github.com/0xmhha/orchestrator-go/types"
)

var (
	// ErrNetworkExists is returned when adding a network that is already watched
	ErrNetworkExists = errors.New("network already watched")

	// ErrUnknownNetwork is returned when referencing a network that is not watched
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrWatcherClosed is returned when operating on a stopped watcher
	ErrWatcherClosed = errors.New("watcher closed")
)

// networkState is the live state of one watched network. Exactly one
// fetch loop runs per network regardless of subscriber count.
type networkState struct {
	network types.Network
	client  client.BlockClient
	status  types.NetworkStatus
	cursor  uint64
	head    uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NetworkState is a point-in-time snapshot of a watched network.
type NetworkState struct {
	Network types.Network       `json:"network"`
	Status  types.NetworkStatus `json:"status"`
	Cursor  uint64              `json:"cursor"`
	Head    uint64              `json:"head"`
}

// Watcher runs one fetch loop per network, caches fetched blocks, and
// broadcasts them to subscribers. The per-network cursor is persisted
// only after a whole batch has been published, so a crash replays blocks
// rather than skipping them.
type Watcher struct {
	cfg config.WatcherConfig

	cursors     store.CursorStore
	blockCache  cache.BlockCache
	broadcaster *Broadcaster

	mu       sync.RWMutex
	networks map[string]*networkState
	closed   bool

	logger  *zap.Logger
	metrics *Metrics
}

// New creates a watcher. Networks are added with AddNetwork or Start.
func New(cfg config.WatcherConfig, cursors store.CursorStore, blockCache cache.BlockCache, log *zap.Logger, metrics *Metrics) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	log = logger.WithComponent(log, "watcher")

	return &Watcher{
		cfg:         cfg,
		cursors:     cursors,
		blockCache:  blockCache,
		broadcaster: NewBroadcaster(cfg.ChannelBufferSize, log, metrics),
		networks:    make(map[string]*networkState),
		logger:      log,
		metrics:     metrics,
	}
}

// Start dials an RPC client for every configured network and begins
// watching it. Networks that were already added are left untouched.
func (w *Watcher) Start(ctx context.Context) error {
	for _, network := range w.cfg.Networks {
		w.mu.RLock()
		_, exists := w.networks[network.ID]
		w.mu.RUnlock()
		if exists {
			continue
		}

		cli, err := client.NewEVMClient(ctx, &client.Config{
			Network:   network,
			Timeout:   w.cfg.RPCTimeout,
			RateLimit: w.cfg.RPCRateLimit,
			Logger:    w.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to dial network %s: %w", network.ID, err)
		}

		if err := w.AddNetwork(ctx, network, cli); err != nil {
			cli.Close()
			return err
		}
	}
	return nil
}

// AddNetwork starts a fetch loop for a network using the given client.
// The watcher takes ownership of the client and closes it when the
// network is removed or the watcher stops.
func (w *Watcher) AddNetwork(ctx context.Context, network types.Network, cli client.BlockClient) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if _, exists := w.networks[network.ID]; exists {
		return fmt.Errorf("%w: %s", ErrNetworkExists, network.ID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &networkState{
		network: network,
		client:  cli,
		status:  types.NetworkActive,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	w.networks[network.ID] = state

	w.logger.Info("Watching network",
		zap.String("network", network.ID),
		zap.String("endpoint", network.RPCEndpoint),
		zap.Uint64("confirmation_depth", network.ConfirmationDepth),
	)

	go w.fetchLoop(loopCtx, state)
	return nil
}

// RemoveNetwork stops a network's fetch loop and closes its client.
// Subscriptions on the network stay registered and simply go quiet.
func (w *Watcher) RemoveNetwork(networkID string) error {
	w.mu.Lock()
	state, exists := w.networks[networkID]
	if exists {
		delete(w.networks, networkID)
	}
	w.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, networkID)
	}

	state.cancel()
	<-state.done
	state.client.Close()

	w.setStatus(state, types.NetworkStopped)
	w.logger.Info("Stopped watching network", zap.String("network", networkID))
	return nil
}

// Subscribe registers a consumer on a network's block feed.
func (w *Watcher) Subscribe(networkID, subscriberID string) (*Subscription, error) {
	w.mu.RLock()
	_, exists := w.networks[networkID]
	closed := w.closed
	w.mu.RUnlock()

	if closed {
		return nil, ErrWatcherClosed
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, networkID)
	}
	return w.broadcaster.Subscribe(networkID, subscriberID), nil
}

// Unsubscribe removes a consumer from a network's block feed.
func (w *Watcher) Unsubscribe(networkID, subscriberID string) {
	w.broadcaster.Unsubscribe(networkID, subscriberID)
}

// Networks returns snapshots of all watched networks sorted by ID.
func (w *Watcher) Networks() []NetworkState {
	w.mu.RLock()
	defer w.mu.RUnlock()

	states := make([]NetworkState, 0, len(w.networks))
	for _, s := range w.networks {
		states = append(states, NetworkState{
			Network: s.network,
			Status:  s.status,
			Cursor:  s.cursor,
			Head:    s.head,
		})
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].Network.ID < states[j].Network.ID
	})
	return states
}

// NetworkStatus returns the current status of a watched network.
func (w *Watcher) NetworkStatus(networkID string) (types.NetworkStatus, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	state, exists := w.networks[networkID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrUnknownNetwork, networkID)
	}
	return state.status, nil
}

// Stop halts every fetch loop, closes every client, and closes all
// subscription channels. The watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	states := make([]*networkState, 0, len(w.networks))
	for id, s := range w.networks {
		states = append(states, s)
		delete(w.networks, id)
	}
	w.mu.Unlock()

	for _, s := range states {
		s.cancel()
		<-s.done
		s.client.Close()
	}
	w.broadcaster.Close()
	w.logger.Info("Watcher stopped")
}

// pollInterval returns the per-network override or the configured default.
func (w *Watcher) pollInterval(network types.Network) time.Duration {
	if network.PollInterval > 0 {
		return network.PollInterval
	}
	return w.cfg.PollInterval
}

// fetchLoop is the single fetch loop for one network. Each tick it
// resolves the confirmed head, fetches the next contiguous range past the
// cursor, publishes it, and advances the cursor.
func (w *Watcher) fetchLoop(ctx context.Context, state *networkState) {
	defer close(state.done)

	log := logger.WithNetwork(w.logger, state.network.ID)
	ticker := time.NewTicker(w.pollInterval(state.network))
	defer ticker.Stop()

	// First tick without waiting for the interval.
	if err := w.fetchOnce(ctx, state, log); err != nil && ctx.Err() == nil {
		log.Error("Fetch round failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.fetchOnce(ctx, state, log); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error("Fetch round failed", zap.Error(err))
			}
		}
	}
}

// fetchOnce performs a single fetch round for a network.
func (w *Watcher) fetchOnce(ctx context.Context, state *networkState, log *zap.Logger) error {
	start := time.Now()
	defer func() {
		w.metrics.ObserveFetchDuration(state.network.ID, time.Since(start))
	}()

	head, err := w.confirmedHead(ctx, state, log)
	if err != nil {
		if ctx.Err() == nil {
			w.markDegraded(state, log, fmt.Errorf("failed to resolve chain head: %w", err))
		}
		return err
	}

	cursor, err := w.cursors.GetCursor(ctx, state.network.ID)
	if errors.Is(err, store.ErrNotFound) {
		// First run: start at the confirmed head and publish nothing.
		// Historic backfill is an explicit operator action, not a default.
		if err := w.cursors.SetCursor(ctx, state.network.ID, head); err != nil {
			return fmt.Errorf("failed to initialize cursor: %w", err)
		}
		w.recordProgress(state, head, head)
		log.Info("Initialized cursor at confirmed head", zap.Uint64("height", head))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	w.recordProgress(state, cursor, head)

	if head <= cursor {
		return nil
	}

	from := cursor + 1
	to := head
	if max := cursor + uint64(w.cfg.MaxBlocksPerFetch); w.cfg.MaxBlocksPerFetch > 0 && to > max {
		to = max
	}

	blocks, err := w.fetchRange(ctx, state, log, from, to)
	if err != nil {
		w.markDegraded(state, log, err)
		return err
	}
	w.metrics.RecordFetched(state.network.ID, len(blocks))

	for _, block := range blocks {
		if err := w.blockCache.SetBlock(ctx, block); err != nil {
			log.Warn("Failed to cache block",
				zap.Uint64("height", block.Number),
				zap.Error(err),
			)
		}
		w.broadcaster.Publish(block)
	}

	// The cursor only advances once the whole batch is published, so a
	// crash mid-batch replays blocks instead of skipping them.
	if err := w.cursors.SetCursor(ctx, state.network.ID, to); err != nil {
		return fmt.Errorf("failed to advance cursor to %d: %w", to, err)
	}
	w.recordProgress(state, to, head)
	w.markActive(state, log)

	log.Debug("Published block batch",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("blocks", len(blocks)),
	)
	return nil
}

// confirmedHead returns the latest head minus the network's confirmation
// depth, consulting the cache before the RPC endpoint. RPC failures are
// retried on the same backoff budget as range fetches, so a transient
// head lookup error never degrades the network by itself.
func (w *Watcher) confirmedHead(ctx context.Context, state *networkState, log *zap.Logger) (uint64, error) {
	head, err := w.blockCache.GetLatest(ctx, state.network.ID)
	if err != nil {
		head, err = w.latestHead(ctx, state, log)
		if err != nil {
			return 0, err
		}
		if err := w.blockCache.SetLatest(ctx, state.network.ID, head); err != nil {
			log.Warn("Failed to cache chain head", zap.Error(err))
		}
	}
	w.metrics.SetHead(state.network.ID, head)

	if head < state.network.ConfirmationDepth {
		return 0, nil
	}
	return head - state.network.ConfirmationDepth, nil
}

// latestHead fetches the chain head from RPC with exponential backoff.
func (w *Watcher) latestHead(ctx context.Context, state *networkState, log *zap.Logger) (uint64, error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := w.cfg.RetryDelay << (attempt - 1)
			log.Warn("Retrying chain head fetch",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", w.cfg.RetryAttempts),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		head, err := state.client.LatestBlockNumber(ctx)
		if err != nil {
			lastErr = err
			w.metrics.RecordFetchError(state.network.ID)
			log.Error("Failed to fetch chain head",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		return head, nil
	}

	return 0, fmt.Errorf("failed to fetch chain head after %d attempts: %w",
		w.cfg.RetryAttempts+1, lastErr)
}

// fetchRange fetches [from, to] with exponential backoff, consulting the
// cache for already-fetched blocks first.
func (w *Watcher) fetchRange(ctx context.Context, state *networkState, log *zap.Logger, from, to uint64) ([]*types.Block, error) {
	blocks := make([]*types.Block, 0, to-from+1)

	// Another watcher instance may have fetched part of the range already.
	next := from
	for ; next <= to; next++ {
		block, err := w.blockCache.GetBlock(ctx, state.network.ID, next)
		if err != nil {
			break
		}
		blocks = append(blocks, block)
	}
	if next > to {
		return blocks, nil
	}

	var lastErr error
	for attempt := 0; attempt <= w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := w.cfg.RetryDelay << (attempt - 1)
			log.Warn("Retrying block fetch",
				zap.Uint64("from", next),
				zap.Uint64("to", to),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", w.cfg.RetryAttempts),
				zap.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		fetched, err := state.client.BlockRange(ctx, next, to)
		if err != nil {
			lastErr = err
			w.metrics.RecordFetchError(state.network.ID)
			log.Error("Failed to fetch block range",
				zap.Uint64("from", next),
				zap.Uint64("to", to),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		return append(blocks, fetched...), nil
	}

	return nil, fmt.Errorf("failed to fetch blocks %d-%d after %d attempts: %w",
		next, to, w.cfg.RetryAttempts+1, lastErr)
}

func (w *Watcher) recordProgress(state *networkState, cursor, head uint64) {
	w.mu.Lock()
	state.cursor = cursor
	state.head = head
	w.mu.Unlock()
	w.metrics.SetCursor(state.network.ID, cursor)
}

func (w *Watcher) markDegraded(state *networkState, log *zap.Logger, err error) {
	w.mu.Lock()
	changed := state.status != types.NetworkDegraded
	state.status = types.NetworkDegraded
	w.mu.Unlock()

	w.metrics.SetDegraded(state.network.ID, true)
	if changed {
		log.Warn("Network degraded", zap.Error(err))
	}
}

func (w *Watcher) markActive(state *networkState, log *zap.Logger) {
	w.mu.Lock()
	changed := state.status != types.NetworkActive
	state.status = types.NetworkActive
	w.mu.Unlock()

	w.metrics.SetDegraded(state.network.ID, false)
	if changed {
		log.Info("Network recovered")
	}
}

func (w *Watcher) setStatus(state *networkState, status types.NetworkStatus) {
	w.mu.Lock()
	state.status = status
	w.mu.Unlock()
}
