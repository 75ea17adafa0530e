package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/balancer"
	"github.com/0xmhha/orchestrator-go/cache"
	"github.com/0xmhha/orchestrator-go/engine"
	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/store"
	"github.com/0xmhha/orchestrator-go/types"
)

var (
	// ErrWorkerUnhealthy is returned when a worker misses its heartbeat
	// window
	ErrWorkerUnhealthy = errors.New("worker unhealthy")

	// ErrUnknownWorker is returned when referencing a worker the pool
	// does not own
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrPoolClosed is returned when operating on a stopped pool
	ErrPoolClosed = errors.New("pool closed")
)

// WorkerSnapshot is a point-in-time view of one worker.
type WorkerSnapshot struct {
	ID            string    `json:"id"`
	State         string    `json:"state"`
	TenantCount   int       `json:"tenant_count"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Pool owns the worker registry. It spawns and drains workers, probes
// their health, and pushes every topology change to the balancer; the
// balancer never queries the pool back.
type Pool struct {
	cfg config.WorkerConfig

	source      BlockSource
	balancer    *balancer.Balancer
	engine      engine.Engine
	blocks      cache.BlockCache
	tenantStore store.TenantStore

	mu      sync.RWMutex
	workers map[string]*Worker
	tenants map[string]*types.TenantInfo
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}

	logger  *zap.Logger
	metrics *Metrics
}

// New creates a pool. Workers are added with SpawnWorker. st may be nil
// for a purely in-memory pool (tests); with a store attached the reload
// tick refreshes the tenant registry from it.
func New(cfg config.WorkerConfig, source BlockSource, bal *balancer.Balancer,
	eng engine.Engine, blocks cache.BlockCache, st store.TenantStore,
	log *zap.Logger, metrics *Metrics) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	if eng == nil {
		eng = engine.NopEngine{}
	}
	return &Pool{
		cfg:         cfg,
		source:      source,
		balancer:    bal,
		engine:      eng,
		blocks:      blocks,
		tenantStore: st,
		workers:     make(map[string]*Worker),
		tenants:     make(map[string]*types.TenantInfo),
		logger:      logger.WithComponent(log, "pool"),
		metrics:     metrics,
	}
}

// Start begins the health-check and manifest-reload loops.
func (p *Pool) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.superviseLoop(loopCtx)
}

// SpawnWorker starts a worker, registers it with the balancer, and
// applies any tenant moves the topology change produced. An empty ID gets
// a generated one.
func (p *Pool) SpawnWorker(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = "worker-" + uuid.NewString()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPoolClosed
	}
	if _, exists := p.workers[id]; exists {
		p.mu.Unlock()
		return "", fmt.Errorf("worker %s already exists", id)
	}

	w := newWorker(id, p.source, p.engine, p.blocks,
		p.heartbeatInterval(), p.cfg.DrainGracePeriod, p.logger, p.metrics)
	if err := w.Start(ctx); err != nil {
		p.mu.Unlock()
		return "", err
	}
	p.workers[id] = w
	p.mu.Unlock()

	moves, err := p.balancer.AddWorker(ctx, id)
	if err != nil {
		p.mu.Lock()
		delete(p.workers, id)
		p.mu.Unlock()
		_ = w.Drain(ctx)
		return "", fmt.Errorf("failed to register worker %s: %w", id, err)
	}

	if err := p.applyMoves(ctx, moves); err != nil {
		p.logger.Error("Failed to apply moves after spawn",
			zap.String("worker", id),
			zap.Error(err),
		)
	}

	p.metrics.SetWorkers(p.WorkerCount())
	p.logger.Info("Spawned worker",
		zap.String("worker", id),
		zap.Int("moved_tenants", len(moves)),
	)
	return id, nil
}

// DrainWorker hands the worker's tenants back to the balancer for
// reassignment, then drains and removes the worker. Destination workers
// receive the moved tenants before the source stops processing, so no
// block is silently dropped during the hand-off.
func (p *Pool) DrainWorker(ctx context.Context, id string, reason types.AssignmentReason) error {
	p.mu.RLock()
	w, exists := p.workers[id]
	p.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}

	moves, err := p.balancer.RemoveWorker(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("failed to remove worker %s from balancer: %w", id, err)
	}
	if err := p.applyMoves(ctx, moves); err != nil {
		return err
	}

	if err := w.Drain(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()

	p.metrics.SetWorkers(p.WorkerCount())
	p.metrics.RecordDrain(string(reason))
	p.logger.Info("Drained worker",
		zap.String("worker", id),
		zap.String("reason", string(reason)),
		zap.Int("moved_tenants", len(moves)),
	)
	return nil
}

// AddTenant assigns a tenant through the balancer and pushes the updated
// manifest to the chosen worker.
func (p *Pool) AddTenant(ctx context.Context, tenant *types.TenantInfo) (*types.TenantAssignment, error) {
	assignment, err := p.balancer.AssignTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.tenants[tenant.ID] = tenant
	p.mu.Unlock()

	if err := p.refreshWorker(ctx, assignment.WorkerID); err != nil {
		return nil, err
	}
	return assignment, nil
}

// RemoveTenant unassigns a tenant and drops it from its worker's manifest.
func (p *Pool) RemoveTenant(ctx context.Context, tenantID string) error {
	assignment, err := p.balancer.AssignmentFor(tenantID)
	if err != nil {
		return err
	}
	if err := p.balancer.UnassignTenant(ctx, tenantID); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.tenants, tenantID)
	p.mu.Unlock()

	return p.refreshWorker(ctx, assignment.WorkerID)
}

// HealthCheck reports whether a worker heartbeated within the check
// interval.
func (p *Pool) HealthCheck(id string) error {
	p.mu.RLock()
	w, exists := p.workers[id]
	p.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if time.Since(w.LastHeartbeat()) > p.cfg.HealthCheckInterval {
		return fmt.Errorf("%w: %s last heartbeat %s", ErrWorkerUnhealthy, id, w.LastHeartbeat().Format(time.RFC3339))
	}
	return nil
}

// Workers returns snapshots of all workers sorted by ID.
func (p *Pool) Workers() []WorkerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]WorkerSnapshot, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerSnapshot{
			ID:            w.ID(),
			State:         w.State(),
			TenantCount:   len(w.TenantIDs()),
			LastHeartbeat: w.LastHeartbeat(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorkerCount returns the number of live workers.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Stop drains every worker and halts the supervision loops. Assignments
// stay persisted for the next start.
func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for id, w := range p.workers {
		workers = append(workers, w)
		delete(p.workers, id)
	}
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	for _, w := range workers {
		if err := w.Drain(ctx); err != nil {
			p.logger.Warn("Failed to drain worker on shutdown",
				zap.String("worker", w.ID()),
				zap.Error(err),
			)
		}
	}
	p.metrics.SetWorkers(0)
	p.logger.Info("Pool stopped")
}

// superviseLoop runs periodic health checks, balancer metric reports, and
// manifest reloads.
func (p *Pool) superviseLoop(ctx context.Context) {
	defer close(p.done)

	health := time.NewTicker(p.cfg.HealthCheckInterval)
	defer health.Stop()
	reload := time.NewTicker(p.cfg.TenantReloadInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			p.checkHealth(ctx)
		case <-reload.C:
			p.reloadTenants(ctx)
		}
	}
}

// checkHealth probes every worker. The registry is snapshotted first and
// released before any drain is attempted, never held across it.
func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	for _, w := range workers {
		if err := p.balancer.ReportMetrics(w.ID(), w.Metrics()); err != nil {
			p.logger.Warn("Failed to report worker metrics",
				zap.String("worker", w.ID()),
				zap.Error(err),
			)
		}

		if time.Since(w.LastHeartbeat()) <= p.cfg.HealthCheckInterval {
			continue
		}
		p.logger.Warn("Worker missed heartbeat window, draining",
			zap.String("worker", w.ID()),
			zap.Time("last_heartbeat", w.LastHeartbeat()),
			zap.Error(ErrWorkerUnhealthy),
		)
		p.metrics.RecordHealthFailure(w.ID())
		if err := p.DrainWorker(ctx, w.ID(), types.ReasonWorkerFailed); err != nil {
			p.logger.Error("Failed to drain unhealthy worker",
				zap.String("worker", w.ID()),
				zap.Error(err),
			)
		}
	}
}

// reloadTenants refreshes the tenant registry from the durable store,
// assigning new tenants and unassigning deleted ones, then re-applies
// manifests. Without a store only manifests are repaired.
func (p *Pool) reloadTenants(ctx context.Context) {
	if p.tenantStore == nil {
		p.reloadManifests(ctx)
		return
	}

	tenants, err := p.tenantStore.ListTenants(ctx)
	if err != nil {
		p.logger.Warn("Failed to list tenants", zap.Error(err))
		return
	}
	current := make(map[string]struct{}, len(tenants))
	for _, tenant := range tenants {
		current[tenant.ID] = struct{}{}
	}

	p.mu.Lock()
	var removed []string
	for id := range p.tenants {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
			delete(p.tenants, id)
		}
	}
	for _, tenant := range tenants {
		p.tenants[tenant.ID] = tenant
	}
	p.mu.Unlock()

	for _, id := range removed {
		if err := p.balancer.UnassignTenant(ctx, id); err != nil && !errors.Is(err, balancer.ErrTenantNotAssigned) {
			p.logger.Warn("Failed to unassign deleted tenant",
				zap.String("tenant", id),
				zap.Error(err),
			)
		}
	}
	p.assignPending(ctx, tenants)
	p.reloadManifests(ctx)
}

// assignPending places registered billable tenants that have no assignment.
func (p *Pool) assignPending(ctx context.Context, tenants []*types.TenantInfo) {
	for _, tenant := range tenants {
		if !tenant.Billable() {
			continue
		}
		if _, err := p.balancer.AssignmentFor(tenant.ID); err == nil {
			continue
		}
		if _, err := p.balancer.AssignTenant(ctx, tenant); err != nil {
			p.logger.Warn("Failed to assign tenant",
				zap.String("tenant", tenant.ID),
				zap.Error(err),
			)
		}
	}
}

// reloadManifests re-applies the balancer's current assignments to every
// worker, repairing any drift between manifests and assignments.
func (p *Pool) reloadManifests(ctx context.Context) {
	desired := p.desiredManifests()

	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()

	for _, w := range workers {
		if err := w.AssignTenants(ctx, desired[w.ID()]); err != nil {
			p.logger.Warn("Failed to reload manifest",
				zap.String("worker", w.ID()),
				zap.Error(err),
			)
		}
	}
}

// applyMoves pushes manifests produced by a topology change. Destination
// workers are updated first, then the rest; a tenant is only dropped from
// its source manifest after the destination carries it.
func (p *Pool) applyMoves(ctx context.Context, moves []*types.TenantAssignment) error {
	if len(moves) == 0 {
		return nil
	}

	desired := p.desiredManifests()
	destinations := make(map[string]bool, len(moves))
	for _, move := range moves {
		destinations[move.WorkerID] = true
	}

	p.mu.RLock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.RUnlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID() < workers[j].ID() })

	var firstErr error
	for _, phase := range []bool{true, false} {
		for _, w := range workers {
			if destinations[w.ID()] != phase {
				continue
			}
			if err := w.AssignTenants(ctx, desired[w.ID()]); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to apply manifest to worker %s: %w", w.ID(), err)
			}
		}
	}
	p.metrics.RecordMoves(len(moves))
	return firstErr
}

// refreshWorker re-applies the desired manifest to one worker.
func (p *Pool) refreshWorker(ctx context.Context, id string) error {
	p.mu.RLock()
	w, exists := p.workers[id]
	p.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	desired := p.desiredManifests()
	return w.AssignTenants(ctx, desired[id])
}

// desiredManifests groups the balancer's assignments into per-worker
// tenant lists using the pool's tenant registry.
func (p *Pool) desiredManifests() map[string][]*types.TenantInfo {
	assignments := p.balancer.Assignments()

	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]*types.TenantInfo)
	for _, a := range assignments {
		tenant, ok := p.tenants[a.TenantID]
		if !ok {
			continue
		}
		out[a.WorkerID] = append(out[a.WorkerID], tenant)
	}
	return out
}

// Restore reloads tenants into the registry and rehydrates the balancer
// from the assignment store, then pushes manifests to live workers.
// Tenants whose persisted assignment referenced a worker that no longer
// exists are placed afresh.
func (p *Pool) Restore(ctx context.Context, tenants []*types.TenantInfo) error {
	p.mu.Lock()
	for _, tenant := range tenants {
		p.tenants[tenant.ID] = tenant
	}
	p.mu.Unlock()

	if err := p.balancer.Restore(ctx, tenants); err != nil {
		return err
	}
	p.assignPending(ctx, tenants)
	p.reloadManifests(ctx)
	return nil
}

// heartbeatInterval is how often workers self-report liveness. Beating at
// half the check interval keeps a healthy worker inside the window.
func (p *Pool) heartbeatInterval() time.Duration {
	interval := p.cfg.HealthCheckInterval / 2
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}
