package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/cache"
	"github.com/0xmhha/orchestrator-go/engine"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/types"
	"github.com/0xmhha/orchestrator-go/watcher"
)

var (
	// ErrWorkerDraining is returned when assigning tenants to a worker
	// that is draining or stopped
	ErrWorkerDraining = errors.New("worker draining")

	// ErrWorkerNotRunning is returned when operating on a worker that has
	// not been started
	ErrWorkerNotRunning = errors.New("worker not running")
)

// BlockSource is the watcher surface a worker subscribes through.
type BlockSource interface {
	Subscribe(networkID, subscriberID string) (*watcher.Subscription, error)
	Unsubscribe(networkID, subscriberID string)
}

// manifest is an immutable snapshot of a worker's assigned tenants.
// Dispatch loops read it through an atomic pointer, so a swap is observed
// entirely or not at all.
type manifest struct {
	version   uint64
	tenants   map[string]*types.TenantInfo
	byNetwork map[string][]*types.TenantInfo
}

func newManifest(version uint64, tenants []*types.TenantInfo) *manifest {
	m := &manifest{
		version:   version,
		tenants:   make(map[string]*types.TenantInfo, len(tenants)),
		byNetwork: make(map[string][]*types.TenantInfo),
	}
	for _, tenant := range tenants {
		if tenant == nil {
			continue
		}
		m.tenants[tenant.ID] = tenant
		for _, network := range tenant.Networks {
			m.byNetwork[network] = append(m.byNetwork[network], tenant)
		}
	}
	return m
}

func (m *manifest) tenantIDs() []string {
	ids := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Worker subscribes to the networks its tenants monitor and dispatches
// every delivered block to the monitoring engine once per assigned tenant.
type Worker struct {
	id string

	lifecycle *fsm.FSM
	source    BlockSource
	engine    engine.Engine
	blocks    cache.BlockCache

	// manifest is swapped copy-on-write; dispatch loops never see a
	// partial update.
	manifest atomic.Pointer[manifest]

	mu   sync.Mutex
	subs map[string]*watcher.Subscription

	stopHeartbeat chan struct{}

	heartbeat atomic.Int64

	stats struct {
		blocksProcessed atomic.Uint64
		dispatches      atomic.Uint64
		dispatchErrors  atomic.Uint64
		processingNanos atomic.Int64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	heartbeatInterval time.Duration
	drainGracePeriod  time.Duration

	logger  *zap.Logger
	metrics *Metrics
}

func newWorker(id string, source BlockSource, eng engine.Engine, blocks cache.BlockCache,
	heartbeatInterval, drainGracePeriod time.Duration, log *zap.Logger, metrics *Metrics) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		id:                id,
		lifecycle:         newLifecycle(),
		source:            source,
		engine:            eng,
		blocks:            blocks,
		subs:              make(map[string]*watcher.Subscription),
		stopHeartbeat:     make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
		drainGracePeriod:  drainGracePeriod,
		logger:            logger.WithWorker(log, id),
		metrics:           metrics,
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// State returns the worker's current lifecycle state.
func (w *Worker) State() string { return w.lifecycle.Current() }

// Start transitions the worker to Running and begins heartbeating.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.lifecycle.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("failed to start worker %s: %w", w.id, err)
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.beat()

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.logger.Info("Worker started")
	return nil
}

// AssignTenants replaces the worker's tenant manifest. The replacement is
// idempotent: assigning the same set twice has no effect beyond a version
// bump. Subscriptions are reconciled against the networks the new tenant
// set monitors.
func (w *Worker) AssignTenants(ctx context.Context, tenants []*types.TenantInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.lifecycle.Current() {
	case StateDraining, StateStopped:
		return fmt.Errorf("%w: %s", ErrWorkerDraining, w.id)
	case StateStarting:
		return fmt.Errorf("%w: %s", ErrWorkerNotRunning, w.id)
	}

	if err := w.lifecycle.Event(ctx, eventReload); err != nil {
		return fmt.Errorf("failed to enter reload on worker %s: %w", w.id, err)
	}

	current := w.manifest.Load()
	version := uint64(1)
	if current != nil {
		version = current.version + 1
	}
	next := newManifest(version, tenants)
	w.manifest.Store(next)
	w.metrics.RecordManifestSwap(w.id)
	w.metrics.SetTenants(w.id, len(next.tenants))

	w.reconcileSubscriptions(next)

	if err := w.lifecycle.Event(ctx, eventResume); err != nil {
		return fmt.Errorf("failed to resume worker %s: %w", w.id, err)
	}

	w.logger.Info("Applied tenant manifest",
		zap.Uint64("version", next.version),
		zap.Int("tenants", len(next.tenants)),
		zap.Int("networks", len(next.byNetwork)),
	)
	return nil
}

// reconcileSubscriptions subscribes to networks the manifest newly
// monitors and unsubscribes from networks it no longer does. Caller holds
// w.mu.
func (w *Worker) reconcileSubscriptions(m *manifest) {
	for network := range m.byNetwork {
		if _, ok := w.subs[network]; ok {
			continue
		}
		sub, err := w.source.Subscribe(network, w.id)
		if err != nil {
			w.logger.Warn("Failed to subscribe to network",
				zap.String("network", network),
				zap.Error(err),
			)
			continue
		}
		w.subs[network] = sub
		w.wg.Add(1)
		go w.dispatchLoop(sub)
	}

	for network := range w.subs {
		if _, ok := m.byNetwork[network]; ok {
			continue
		}
		w.source.Unsubscribe(network, w.id)
		delete(w.subs, network)
	}
}

// dispatchLoop consumes one network's subscription until its channel
// closes. Gaps reported by the broadcaster are backfilled from the cache
// before the live block is processed.
func (w *Worker) dispatchLoop(sub *watcher.Subscription) {
	defer w.wg.Done()

	for event := range sub.Channel {
		w.beat()
		if event.Gap > 0 {
			w.backfill(event)
		}
		w.process(event.Block)
	}
}

// backfill recovers blocks this subscriber lost to queue eviction. Cache
// misses are logged and skipped: the cache is an optimization, never a
// correctness dependency.
func (w *Worker) backfill(event types.BlockEvent) {
	w.logger.Warn("Detected block gap, backfilling from cache",
		zap.String("network", event.Network),
		zap.Uint64("gap", event.Gap),
		zap.Uint64("next", event.Block.Number),
	)

	start := uint64(0)
	if event.Block.Number > event.Gap {
		start = event.Block.Number - event.Gap
	}
	for number := start; number < event.Block.Number; number++ {
		block, err := w.blocks.GetBlock(w.ctx, event.Network, number)
		if err != nil {
			w.metrics.RecordBackfillMiss(event.Network)
			w.logger.Warn("Backfill miss",
				zap.String("network", event.Network),
				zap.Uint64("height", number),
				zap.Error(err),
			)
			continue
		}
		w.metrics.RecordBackfill(event.Network)
		w.process(block)
	}
}

// process dispatches one block to the engine for every tenant currently
// assigned on its network. Tenant failures are isolated: one tenant's
// error never stalls the others.
func (w *Worker) process(block *types.Block) {
	m := w.manifest.Load()
	if m == nil {
		return
	}

	start := time.Now()
	for _, tenant := range m.byNetwork[block.NetworkID] {
		matches, err := w.engine.EvaluateFiltersAndDispatch(w.ctx, tenant.ID, block)
		if err != nil {
			w.stats.dispatchErrors.Add(1)
			w.metrics.RecordDispatchError(w.id)
			w.logger.Warn("Engine evaluation failed",
				zap.String("tenant", tenant.ID),
				zap.Uint64("height", block.Number),
				zap.Error(err),
			)
			continue
		}
		w.stats.dispatches.Add(1)
		if len(matches) == 0 {
			continue
		}
		if err := w.engine.ExecuteTriggers(w.ctx, matches); err != nil {
			w.stats.dispatchErrors.Add(1)
			w.metrics.RecordDispatchError(w.id)
			w.logger.Warn("Trigger execution failed",
				zap.String("tenant", tenant.ID),
				zap.Int("matches", len(matches)),
				zap.Error(err),
			)
		}
	}

	elapsed := time.Since(start)
	w.stats.blocksProcessed.Add(1)
	w.stats.processingNanos.Add(int64(elapsed))
	w.metrics.RecordBlockProcessed(w.id)
	w.metrics.ObserveProcessing(w.id, elapsed)
}

// Drain stops accepting assignments, lets in-flight dispatch finish
// within the grace period, and transitions to Stopped.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	switch w.lifecycle.Current() {
	case StateDraining, StateStopped:
		w.mu.Unlock()
		return nil
	}
	if err := w.lifecycle.Event(ctx, eventDrain); err != nil {
		w.mu.Unlock()
		return fmt.Errorf("failed to drain worker %s: %w", w.id, err)
	}
	for network := range w.subs {
		w.source.Unsubscribe(network, w.id)
		delete(w.subs, network)
	}
	w.mu.Unlock()

	w.logger.Info("Worker draining", zap.Duration("grace_period", w.drainGracePeriod))

	close(w.stopHeartbeat)

	// Dispatch loops drain naturally once their subscription channels
	// close; cut them off only when the grace period elapses.
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.drainGracePeriod):
		w.logger.Warn("Drain grace period elapsed, terminating in-flight work")
	case <-ctx.Done():
	}

	if w.cancel != nil {
		w.cancel()
	}
	if err := w.lifecycle.Event(ctx, eventStop); err != nil {
		return fmt.Errorf("failed to stop worker %s: %w", w.id, err)
	}
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopHeartbeat:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *Worker) beat() {
	w.heartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the time of the worker's most recent heartbeat.
func (w *Worker) LastHeartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

// TenantIDs returns the IDs in the current manifest, sorted.
func (w *Worker) TenantIDs() []string {
	m := w.manifest.Load()
	if m == nil {
		return nil
	}
	return m.tenantIDs()
}

// Metrics samples the worker's load for the balancer.
func (w *Worker) Metrics() types.WorkerMetrics {
	tenantCount := 0
	if m := w.manifest.Load(); m != nil {
		tenantCount = len(m.tenants)
	}

	blocks := w.stats.blocksProcessed.Load()
	var avg time.Duration
	if blocks > 0 {
		avg = time.Duration(w.stats.processingNanos.Load() / int64(blocks))
	}
	return types.WorkerMetrics{
		WorkerID:          w.id,
		TenantCount:       tenantCount,
		AvgProcessingTime: avg,
		ErrorsLastHour:    int(w.stats.dispatchErrors.Load()),
		SampledAt:         time.Now(),
	}
}
