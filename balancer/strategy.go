package balancer

import (
	"fmt"
	"sort"

	"github.com/0xmhha/orchestrator-go/types"
)

// WorkerLoad is the balancer's view of one worker when ranking candidates.
type WorkerLoad struct {
	WorkerID    string
	TenantCount int
	// ActivitySum is the summed activity score of assigned tenants.
	ActivitySum float64
	// Metrics is the last load sample the worker reported, zero until the
	// first report arrives.
	Metrics types.WorkerMetrics
}

// Strategy ranks workers for tenant placement. Implementations are called
// under the balancer's lock and must not retain the loads map.
type Strategy interface {
	// Name returns the configuration name of the strategy.
	Name() string
	// AddWorker tells the strategy about a new worker.
	AddWorker(workerID string)
	// RemoveWorker tells the strategy a worker left.
	RemoveWorker(workerID string)
	// Candidates returns workers in preference order for the tenant. The
	// balancer takes the first candidate with free capacity.
	Candidates(tenant *types.TenantInfo, loads map[string]*WorkerLoad) []string
}

// NewStrategy builds a strategy by its configuration name.
func NewStrategy(name string, virtualNodes int) (Strategy, error) {
	switch name {
	case "consistent-hash":
		return &consistentHashStrategy{ring: NewRing(virtualNodes)}, nil
	case "round-robin":
		return &roundRobinStrategy{}, nil
	case "least-loaded":
		return &leastLoadedStrategy{}, nil
	case "activity-weighted":
		return &activityWeightedStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}

// sortedWorkerIDs returns the load map's keys in lexicographic order.
func sortedWorkerIDs(loads map[string]*WorkerLoad) []string {
	ids := make([]string, 0, len(loads))
	for id := range loads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// consistentHashStrategy places tenants by ring position. Topology changes
// only move the tenants whose ring owner changed.
type consistentHashStrategy struct {
	ring *Ring
}

func (s *consistentHashStrategy) Name() string { return "consistent-hash" }

func (s *consistentHashStrategy) AddWorker(workerID string) { s.ring.AddWorker(workerID) }

func (s *consistentHashStrategy) RemoveWorker(workerID string) { s.ring.RemoveWorker(workerID) }

func (s *consistentHashStrategy) Candidates(tenant *types.TenantInfo, loads map[string]*WorkerLoad) []string {
	return s.ring.Successors(tenant.ID)
}

// BoundaryDistance exposes ring proximity for rebalance move ordering.
func (s *consistentHashStrategy) BoundaryDistance(tenantID string) uint64 {
	return s.ring.BoundaryDistance(tenantID)
}

// roundRobinStrategy cycles through workers in ID order.
type roundRobinStrategy struct {
	next int
}

func (s *roundRobinStrategy) Name() string { return "round-robin" }

func (s *roundRobinStrategy) AddWorker(string) {}

func (s *roundRobinStrategy) RemoveWorker(string) {}

func (s *roundRobinStrategy) Candidates(tenant *types.TenantInfo, loads map[string]*WorkerLoad) []string {
	ids := sortedWorkerIDs(loads)
	if len(ids) == 0 {
		return nil
	}
	offset := s.next % len(ids)
	s.next++
	return append(ids[offset:], ids[:offset]...)
}

// leastLoadedStrategy prefers the worker with the lowest load score, using
// tenant count as the tie-break before worker ID.
type leastLoadedStrategy struct{}

func (s *leastLoadedStrategy) Name() string { return "least-loaded" }

func (s *leastLoadedStrategy) AddWorker(string) {}

func (s *leastLoadedStrategy) RemoveWorker(string) {}

func (s *leastLoadedStrategy) Candidates(tenant *types.TenantInfo, loads map[string]*WorkerLoad) []string {
	ids := sortedWorkerIDs(loads)
	sort.SliceStable(ids, func(a, b int) bool {
		la, lb := loads[ids[a]], loads[ids[b]]
		sa, sb := la.Metrics.LoadScore(), lb.Metrics.LoadScore()
		if sa != sb {
			return sa < sb
		}
		return la.TenantCount < lb.TenantCount
	})
	return ids
}

// activityWeightedStrategy prefers the worker with the lowest summed
// tenant activity score.
type activityWeightedStrategy struct{}

func (s *activityWeightedStrategy) Name() string { return "activity-weighted" }

func (s *activityWeightedStrategy) AddWorker(string) {}

func (s *activityWeightedStrategy) RemoveWorker(string) {}

func (s *activityWeightedStrategy) Candidates(tenant *types.TenantInfo, loads map[string]*WorkerLoad) []string {
	ids := sortedWorkerIDs(loads)
	sort.SliceStable(ids, func(a, b int) bool {
		la, lb := loads[ids[a]], loads[ids[b]]
		if la.ActivitySum != lb.ActivitySum {
			return la.ActivitySum < lb.ActivitySum
		}
		return la.TenantCount < lb.TenantCount
	})
	return ids
}
