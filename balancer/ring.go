package balancer

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// ringEntry is one virtual node on the hash ring.
type ringEntry struct {
	hash     uint64
	workerID string
}

// Ring is a consistent-hash ring with virtual nodes. Each worker owns
// virtualNodes points on the ring; a tenant maps to the first point at or
// clockwise after its own hash. Entries with equal hashes are ordered by
// worker ID so lookups are deterministic.
//
// Ring is not safe for concurrent use; the balancer serializes access.
type Ring struct {
	virtualNodes int
	entries      []ringEntry
	workers      map[string]struct{}
}

// NewRing creates an empty ring with the given virtual node count.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 1
	}
	return &Ring{
		virtualNodes: virtualNodes,
		workers:      make(map[string]struct{}),
	}
}

// hashKey maps an arbitrary string onto the ring.
func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// vnodeKey names the i-th virtual node of a worker.
func vnodeKey(workerID string, i int) string {
	return fmt.Sprintf("%s#%d", workerID, i)
}

// AddWorker inserts a worker's virtual nodes. Adding an existing worker is
// a no-op.
func (r *Ring) AddWorker(workerID string) {
	if _, ok := r.workers[workerID]; ok {
		return
	}
	r.workers[workerID] = struct{}{}

	for i := 0; i < r.virtualNodes; i++ {
		r.entries = append(r.entries, ringEntry{
			hash:     hashKey(vnodeKey(workerID, i)),
			workerID: workerID,
		})
	}
	sort.Slice(r.entries, func(a, b int) bool {
		if r.entries[a].hash != r.entries[b].hash {
			return r.entries[a].hash < r.entries[b].hash
		}
		return r.entries[a].workerID < r.entries[b].workerID
	})
}

// RemoveWorker removes all of a worker's virtual nodes.
func (r *Ring) RemoveWorker(workerID string) {
	if _, ok := r.workers[workerID]; !ok {
		return
	}
	delete(r.workers, workerID)

	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.workerID != workerID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// Size returns the number of workers on the ring.
func (r *Ring) Size() int {
	return len(r.workers)
}

// Locate returns the worker owning the key, or false on an empty ring.
func (r *Ring) Locate(key string) (string, bool) {
	if len(r.entries) == 0 {
		return "", false
	}
	idx := r.search(hashKey(key))
	return r.entries[idx].workerID, true
}

// Successors returns all workers in clockwise order starting at the key's
// owner, each worker listed once. Used to spill to the next distinct
// worker when the owner is at capacity.
func (r *Ring) Successors(key string) []string {
	if len(r.entries) == 0 {
		return nil
	}

	start := r.search(hashKey(key))
	order := make([]string, 0, len(r.workers))
	seen := make(map[string]struct{}, len(r.workers))
	for i := 0; i < len(r.entries) && len(order) < len(r.workers); i++ {
		e := r.entries[(start+i)%len(r.entries)]
		if _, ok := seen[e.workerID]; ok {
			continue
		}
		seen[e.workerID] = struct{}{}
		order = append(order, e.workerID)
	}
	return order
}

// BoundaryDistance returns the clockwise distance from the key's hash to
// the virtual node that owns it. Keys with small distances sit right at
// the edge of their owner's arc, so moving them first keeps rebalance
// moves close to what a topology change would have produced anyway.
func (r *Ring) BoundaryDistance(key string) uint64 {
	if len(r.entries) == 0 {
		return 0
	}
	h := hashKey(key)
	// Unsigned subtraction wraps, which is exactly the modular ring distance.
	return r.entries[r.search(h)].hash - h
}

// search returns the index of the first entry at or clockwise after hash,
// wrapping to the start of the ring.
func (r *Ring) search(hash uint64) int {
	idx := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].hash >= hash
	})
	if idx == len(r.entries) {
		idx = 0
	}
	return idx
}
