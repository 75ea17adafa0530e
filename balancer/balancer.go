// Package balancer distributes tenants across monitor workers. Placement
// is pluggable: consistent hashing (default), round-robin, least-loaded,
// or activity-weighted. Every move is versioned and persisted before the
// in-memory state changes, so a crash never loses an accepted assignment.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/store"
	"github.com/0xmhha/orchestrator-go/types"
)

// Common balancer errors
var (
	// ErrCapacityExhausted is returned when no worker has room for a tenant.
	ErrCapacityExhausted = errors.New("balancer: all workers at capacity")

	// ErrWorkerNotFound is returned for operations on an unknown worker.
	ErrWorkerNotFound = errors.New("balancer: worker not found")

	// ErrWorkerExists is returned when adding a duplicate worker.
	ErrWorkerExists = errors.New("balancer: worker already registered")

	// ErrTenantNotAssigned is returned when a tenant has no assignment.
	ErrTenantNotAssigned = errors.New("balancer: tenant not assigned")

	// ErrTenantNotSchedulable is returned for suspended or inactive tenants.
	ErrTenantNotSchedulable = errors.New("balancer: tenant not schedulable")
)

// workerState tracks one registered worker and its assigned tenants.
type workerState struct {
	id          string
	tenants     map[string]*types.TenantInfo
	activitySum float64
	metrics     types.WorkerMetrics
}

// Balancer owns the tenant-to-worker assignment state.
type Balancer struct {
	mu sync.Mutex

	strategy Strategy
	capacity int

	workers     map[string]*workerState
	assignments map[string]*types.TenantAssignment

	rebalanceMin  time.Duration
	rebalanceGate float64
	lastRebalance time.Time

	store   store.AssignmentStore
	logger  *zap.Logger
	metrics *Metrics
}

// New creates a balancer. maxTenantsPerWorker bounds each worker; st may
// be nil for a purely in-memory balancer (tests).
func New(cfg config.BalancerConfig, maxTenantsPerWorker int, st store.AssignmentStore, logger *zap.Logger, metrics *Metrics) (*Balancer, error) {
	strategy, err := NewStrategy(cfg.Strategy, cfg.VirtualNodes)
	if err != nil {
		return nil, err
	}
	if maxTenantsPerWorker <= 0 {
		return nil, fmt.Errorf("max tenants per worker must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Balancer{
		strategy:      strategy,
		capacity:      maxTenantsPerWorker,
		workers:       make(map[string]*workerState),
		assignments:   make(map[string]*types.TenantAssignment),
		rebalanceMin:  cfg.MinRebalanceInterval,
		rebalanceGate: cfg.RebalanceThreshold,
		store:         st,
		logger:        logger,
		metrics:       metrics,
	}, nil
}

// loads builds the strategy's view of all workers. Callers hold b.mu.
func (b *Balancer) loads() map[string]*WorkerLoad {
	out := make(map[string]*WorkerLoad, len(b.workers))
	for id, w := range b.workers {
		out[id] = &WorkerLoad{
			WorkerID:    id,
			TenantCount: len(w.tenants),
			ActivitySum: w.activitySum,
			Metrics:     w.metrics,
		}
	}
	return out
}

// persist writes assignment moves through the store, if one is attached.
func (b *Balancer) persist(ctx context.Context, moves []*types.TenantAssignment) error {
	if b.store == nil || len(moves) == 0 {
		return nil
	}
	return b.store.PutAssignments(ctx, moves)
}

// apply commits a computed move set to in-memory state. Callers hold b.mu
// and must have persisted the moves first.
func (b *Balancer) apply(moves []*types.TenantAssignment, tenants map[string]*types.TenantInfo) {
	for _, move := range moves {
		tenant := tenants[move.TenantID]
		if prev, ok := b.assignments[move.TenantID]; ok {
			if src, ok := b.workers[prev.WorkerID]; ok {
				delete(src.tenants, move.TenantID)
				src.activitySum -= tenant.ActivityScore()
			}
		}
		dst := b.workers[move.WorkerID]
		dst.tenants[move.TenantID] = tenant
		dst.activitySum += tenant.ActivityScore()
		b.assignments[move.TenantID] = move
	}
	b.metrics.SetAssignments(len(b.assignments))
	b.metrics.SetWorkers(len(b.workers))
}

// AddWorker registers a worker. Under consistent hashing the tenants whose
// ring owner became the new worker are moved to it; other strategies leave
// existing placements alone. Returns the assignments that moved.
func (b *Balancer) AddWorker(ctx context.Context, workerID string) ([]*types.TenantAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workers[workerID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerExists, workerID)
	}
	b.workers[workerID] = &workerState{
		id:      workerID,
		tenants: make(map[string]*types.TenantInfo),
	}
	b.strategy.AddWorker(workerID)

	// Only ring ownership changes relocate tenants on scale-out.
	if b.strategy.Name() != "consistent-hash" {
		b.metrics.SetWorkers(len(b.workers))
		return nil, nil
	}

	loads := b.loads()
	var moves []*types.TenantAssignment
	tenants := make(map[string]*types.TenantInfo)
	for _, tenantID := range b.sortedTenantIDs() {
		current := b.assignments[tenantID]
		tenant := b.tenantOf(tenantID)
		candidates := b.strategy.Candidates(tenant, loads)
		if len(candidates) == 0 || candidates[0] != workerID || current.WorkerID == workerID {
			continue
		}
		if len(b.workers[workerID].tenants)+countMoves(moves, workerID) >= b.capacity {
			break
		}
		moved := current.Reassign(workerID, types.ReasonRebalance)
		moves = append(moves, &moved)
		tenants[tenantID] = tenant
	}

	if err := b.persist(ctx, moves); err != nil {
		return nil, fmt.Errorf("failed to persist relocation: %w", err)
	}
	b.apply(moves, tenants)

	b.logger.Info("worker added",
		zap.String("worker_id", workerID),
		zap.Int("tenants_moved", len(moves)))
	return moves, nil
}

// countMoves counts pending moves targeting a worker.
func countMoves(moves []*types.TenantAssignment, workerID string) int {
	n := 0
	for _, m := range moves {
		if m.WorkerID == workerID {
			n++
		}
	}
	return n
}

// RemoveWorker deregisters a worker and reassigns its tenants. The move
// set is all-or-nothing: if any tenant cannot be placed, no tenant moves
// and the worker stays registered.
func (b *Balancer) RemoveWorker(ctx context.Context, workerID string, reason types.AssignmentReason) ([]*types.TenantAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	// Rank candidates without the departing worker.
	b.strategy.RemoveWorker(workerID)
	delete(b.workers, workerID)
	loads := b.loads()

	restore := func() {
		b.workers[workerID] = w
		b.strategy.AddWorker(workerID)
	}

	pending := make(map[string]int, len(loads))
	var moves []*types.TenantAssignment
	tenants := make(map[string]*types.TenantInfo, len(w.tenants))
	for _, tenantID := range sortedKeys(w.tenants) {
		tenant := w.tenants[tenantID]
		target := ""
		for _, candidate := range b.strategy.Candidates(tenant, loads) {
			if loads[candidate].TenantCount+pending[candidate] < b.capacity {
				target = candidate
				break
			}
		}
		if target == "" {
			restore()
			return nil, fmt.Errorf("%w: cannot drain worker %s", ErrCapacityExhausted, workerID)
		}
		pending[target]++
		moved := b.assignments[tenantID].Reassign(target, reason)
		moves = append(moves, &moved)
		tenants[tenantID] = tenant
	}

	if err := b.persist(ctx, moves); err != nil {
		restore()
		return nil, fmt.Errorf("failed to persist drain: %w", err)
	}

	// The source worker is gone; apply only needs the destinations.
	for _, move := range moves {
		tenant := tenants[move.TenantID]
		dst := b.workers[move.WorkerID]
		dst.tenants[move.TenantID] = tenant
		dst.activitySum += tenant.ActivityScore()
		b.assignments[move.TenantID] = move
	}
	b.metrics.SetWorkers(len(b.workers))

	b.logger.Info("worker removed",
		zap.String("worker_id", workerID),
		zap.String("reason", string(reason)),
		zap.Int("tenants_moved", len(moves)))
	return moves, nil
}

// AssignTenant places a tenant on a worker. Assigning an already-assigned
// tenant returns the existing assignment unchanged.
func (b *Balancer) AssignTenant(ctx context.Context, tenant *types.TenantInfo) (*types.TenantAssignment, error) {
	if tenant == nil || tenant.ID == "" {
		return nil, fmt.Errorf("tenant must have an ID")
	}
	if !tenant.Billable() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTenantNotSchedulable, tenant.ID, tenant.Status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.assignments[tenant.ID]; ok {
		return existing, nil
	}

	loads := b.loads()
	target := ""
	for _, candidate := range b.strategy.Candidates(tenant, loads) {
		if loads[candidate].TenantCount < b.capacity {
			target = candidate
			break
		}
	}
	if target == "" {
		b.metrics.RecordAssignmentRejected()
		return nil, ErrCapacityExhausted
	}

	assignment := &types.TenantAssignment{
		TenantID:   tenant.ID,
		WorkerID:   target,
		AssignedAt: time.Now().UTC(),
		Version:    1,
		Reason:     types.ReasonInitial,
	}
	if err := b.persist(ctx, []*types.TenantAssignment{assignment}); err != nil {
		return nil, fmt.Errorf("failed to persist assignment: %w", err)
	}
	b.apply([]*types.TenantAssignment{assignment}, map[string]*types.TenantInfo{tenant.ID: tenant})

	b.logger.Debug("tenant assigned",
		zap.String("tenant_id", tenant.ID),
		zap.String("worker_id", target))
	return assignment, nil
}

// UnassignTenant removes a tenant's assignment entirely.
func (b *Balancer) UnassignTenant(ctx context.Context, tenantID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	assignment, ok := b.assignments[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTenantNotAssigned, tenantID)
	}

	if b.store != nil {
		if err := b.store.DeleteAssignment(ctx, tenantID); err != nil {
			return fmt.Errorf("failed to delete assignment: %w", err)
		}
	}

	if w, ok := b.workers[assignment.WorkerID]; ok {
		if tenant, ok := w.tenants[tenantID]; ok {
			w.activitySum -= tenant.ActivityScore()
			delete(w.tenants, tenantID)
		}
	}
	delete(b.assignments, tenantID)
	b.metrics.SetAssignments(len(b.assignments))
	return nil
}

// ReportMetrics records a worker's load sample for the load-aware
// strategies and rebalance checks.
func (b *Balancer) ReportMetrics(workerID string, m types.WorkerMetrics) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.metrics = m
	return nil
}

// Rebalance moves tenants from the most to the least loaded worker until
// the imbalance drops below the threshold. It is throttled by the minimum
// rebalance interval unless force is set. Under consistent hashing the
// tenants closest to the ring boundary move first, keeping the move set
// minimal and close to what a topology change would have produced.
func (b *Balancer) Rebalance(ctx context.Context, force bool) ([]*types.TenantAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !force && time.Since(b.lastRebalance) < b.rebalanceMin {
		return nil, nil
	}
	if len(b.workers) < 2 {
		return nil, nil
	}
	b.lastRebalance = time.Now()

	counts := make(map[string]int, len(b.workers))
	for id, w := range b.workers {
		counts[id] = len(w.tenants)
	}

	var moves []*types.TenantAssignment
	tenants := make(map[string]*types.TenantInfo)
	for {
		maxID, minID := extremes(counts)
		if !b.imbalanced(counts, counts[maxID], counts[minID]) {
			break
		}
		if counts[minID] >= b.capacity {
			break
		}

		// Move one not-yet-moved tenant from the hottest worker to the
		// coldest. The in-memory maps are only mutated in apply, so track
		// pending moves here.
		tenantID := b.nextRebalanceMove(b.workers[maxID], tenants)
		if tenantID == "" {
			break
		}
		moved := b.assignments[tenantID].Reassign(minID, types.ReasonRebalance)
		moves = append(moves, &moved)
		tenants[tenantID] = b.workers[maxID].tenants[tenantID]
		counts[maxID]--
		counts[minID]++
	}

	if len(moves) == 0 {
		return nil, nil
	}
	if err := b.persist(ctx, moves); err != nil {
		return nil, fmt.Errorf("failed to persist rebalance: %w", err)
	}
	b.apply(moves, tenants)
	b.metrics.RecordRebalance(len(moves))

	b.logger.Info("rebalanced", zap.Int("tenants_moved", len(moves)))
	return moves, nil
}

// boundaryRanker is implemented by strategies that can order tenants by
// their proximity to a placement boundary.
type boundaryRanker interface {
	BoundaryDistance(tenantID string) uint64
}

// nextRebalanceMove picks the tenant to move off the hottest worker,
// skipping tenants already in the pending move set. Ring-based strategies
// move the tenant closest to the ring boundary first; the rest move the
// lexicographically first tenant for determinism. Callers hold b.mu.
func (b *Balancer) nextRebalanceMove(src *workerState, pending map[string]*types.TenantInfo) string {
	ranker, ranked := b.strategy.(boundaryRanker)

	best := ""
	var bestDistance uint64
	for _, id := range sortedKeys(src.tenants) {
		if _, moved := pending[id]; moved {
			continue
		}
		if !ranked {
			return id
		}
		if d := ranker.BoundaryDistance(id); best == "" || d < bestDistance {
			best, bestDistance = id, d
		}
	}
	return best
}

// imbalanced reports whether the spread between the hottest and coldest
// worker exceeds the configured fraction of the average load across all
// workers.
func (b *Balancer) imbalanced(counts map[string]int, max, min int) bool {
	if max <= min+1 {
		return false
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	avg := float64(total) / float64(len(counts))
	if avg == 0 {
		return false
	}
	return float64(max-min)/avg > b.rebalanceGate
}

// extremes returns the worker IDs with the highest and lowest counts,
// breaking ties by ID for determinism.
func extremes(counts map[string]int) (maxID, minID string) {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	maxID, minID = ids[0], ids[0]
	for _, id := range ids[1:] {
		if counts[id] > counts[maxID] {
			maxID = id
		}
		if counts[id] < counts[minID] {
			minID = id
		}
	}
	return maxID, minID
}

// Restore rebuilds in-memory state from the durable assignment table.
// Workers must be registered first; assignments referencing unknown
// workers or tenants are dropped and logged.
func (b *Balancer) Restore(ctx context.Context, tenants []*types.TenantInfo) error {
	if b.store == nil {
		return nil
	}

	persisted, err := b.store.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list assignments: %w", err)
	}

	byID := make(map[string]*types.TenantInfo, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, assignment := range persisted {
		tenant, ok := byID[assignment.TenantID]
		if !ok {
			b.logger.Warn("dropping assignment for unknown tenant",
				zap.String("tenant_id", assignment.TenantID))
			b.discardPersisted(ctx, assignment.TenantID)
			continue
		}
		w, ok := b.workers[assignment.WorkerID]
		if !ok {
			b.logger.Warn("dropping assignment for unknown worker",
				zap.String("tenant_id", assignment.TenantID),
				zap.String("worker_id", assignment.WorkerID))
			b.discardPersisted(ctx, assignment.TenantID)
			continue
		}
		w.tenants[assignment.TenantID] = tenant
		w.activitySum += tenant.ActivityScore()
		b.assignments[assignment.TenantID] = assignment
	}
	b.metrics.SetAssignments(len(b.assignments))
	return nil
}

// discardPersisted deletes a stale persisted assignment so the tenant can
// be placed afresh at version 1. Callers hold b.mu.
func (b *Balancer) discardPersisted(ctx context.Context, tenantID string) {
	if b.store == nil {
		return
	}
	if err := b.store.DeleteAssignment(ctx, tenantID); err != nil {
		b.logger.Warn("failed to delete stale assignment",
			zap.String("tenant_id", tenantID),
			zap.Error(err))
	}
}

// AssignmentFor returns a tenant's current assignment.
func (b *Balancer) AssignmentFor(tenantID string) (*types.TenantAssignment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	assignment, ok := b.assignments[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotAssigned, tenantID)
	}
	return assignment, nil
}

// Assignments returns all assignments ordered by tenant ID.
func (b *Balancer) Assignments() []*types.TenantAssignment {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*types.TenantAssignment, 0, len(b.assignments))
	for _, id := range b.sortedTenantIDs() {
		out = append(out, b.assignments[id])
	}
	return out
}

// Workers returns a snapshot of worker loads ordered by worker ID.
func (b *Balancer) Workers() []WorkerLoad {
	b.mu.Lock()
	defer b.mu.Unlock()

	loads := b.loads()
	out := make([]WorkerLoad, 0, len(loads))
	for _, id := range sortedWorkerIDs(loads) {
		out = append(out, *loads[id])
	}
	return out
}

// sortedTenantIDs returns assignment keys in order. Callers hold b.mu.
func (b *Balancer) sortedTenantIDs() []string {
	ids := make([]string, 0, len(b.assignments))
	for id := range b.assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// tenantOf finds the TenantInfo behind an assignment. Callers hold b.mu.
func (b *Balancer) tenantOf(tenantID string) *types.TenantInfo {
	assignment := b.assignments[tenantID]
	if w, ok := b.workers[assignment.WorkerID]; ok {
		if tenant, ok := w.tenants[tenantID]; ok {
			return tenant
		}
	}
	return &types.TenantInfo{ID: tenantID, Status: types.TenantActive}
}

// sortedKeys returns a tenant map's keys in order.
func sortedKeys(m map[string]*types.TenantInfo) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
