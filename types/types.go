// Package types defines the core data model shared by the orchestrator's
// components: monitored networks, fetched blocks, tenants, worker
// assignments, and worker load metrics.
package types

import (
	"time"
)

// NetworkStatus describes the health of a monitored network.
type NetworkStatus string

const (
	// NetworkActive means the fetch loop is running normally.
	NetworkActive NetworkStatus = "active"
	// NetworkDegraded means a block fetch recently exhausted all retry
	// attempts. The watcher keeps retrying on the next tick.
	NetworkDegraded NetworkStatus = "degraded"
	// NetworkStopped means watching has been explicitly removed.
	NetworkStopped NetworkStatus = "stopped"
)

// Network identifies a blockchain network monitored by the shared block
// watcher. Exactly one fetch loop runs per network regardless of how many
// tenants subscribe to it.
type Network struct {
	// ID is the canonical network identifier (e.g. "ethereum-mainnet").
	ID string `json:"id" yaml:"id"`

	// RPCEndpoint is the JSON-RPC URL the fetch loop polls.
	RPCEndpoint string `json:"rpc_endpoint" yaml:"rpc_endpoint"`

	// ChainID disambiguates networks that share an ID prefix.
	ChainID uint64 `json:"chain_id" yaml:"chain_id"`

	// ConfirmationDepth is how many blocks behind the chain head the
	// watcher stays. Zero means fetch up to the head.
	ConfirmationDepth uint64 `json:"confirmation_depth" yaml:"confirmation_depth"`

	// PollInterval overrides the watcher default when non-zero.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Block is a fetched block as published on the broadcast channel. Blocks
// are immutable once published; consumers must not modify Payload.
type Block struct {
	NetworkID string    `json:"network_id"`
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	ParentHash string   `json:"parent_hash"`
	Timestamp uint64    `json:"timestamp"`
	TxCount   int       `json:"tx_count"`
	Payload   []byte    `json:"payload,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// BlockEvent is the unit delivered to watcher subscribers.
type BlockEvent struct {
	Network string `json:"network"`
	Block   *Block `json:"block"`
	// Gap counts events dropped for this subscriber immediately before
	// this one because its queue was full.
	Gap uint64 `json:"gap,omitempty"`
}

// TenantStatus is the lifecycle state of a tenant account.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantTrial     TenantStatus = "trial"
	TenantSuspended TenantStatus = "suspended"
	TenantInactive  TenantStatus = "inactive"
)

// TenantPriority orders tenants when capacity is contended.
type TenantPriority string

const (
	PriorityHigh   TenantPriority = "high"
	PriorityNormal TenantPriority = "normal"
	PriorityLow    TenantPriority = "low"
)

// TenantInfo describes a tenant whose monitors the pool must run.
type TenantInfo struct {
	ID       string         `json:"id"`
	Status   TenantStatus   `json:"status"`
	Priority TenantPriority `json:"priority"`

	// Networks the tenant's monitors subscribe to.
	Networks []string `json:"networks"`

	// MonitorCount is the number of monitor configurations the tenant
	// runs; it feeds the activity score.
	MonitorCount int `json:"monitor_count"`

	// CreatedAt is when the tenant was first registered.
	CreatedAt time.Time `json:"created_at"`
}

// Billable reports whether the tenant should be scheduled at all.
func (t *TenantInfo) Billable() bool {
	return t.Status == TenantActive || t.Status == TenantTrial
}

// ActivityScore estimates the relative load a tenant contributes to its
// worker. It feeds the activity-weighted placement strategy.
func (t *TenantInfo) ActivityScore() float64 {
	score := float64(t.MonitorCount) + float64(len(t.Networks))
	switch t.Priority {
	case PriorityHigh:
		score *= 1.5
	case PriorityLow:
		score *= 0.5
	}
	return score
}

// AssignmentReason records why a tenant landed on its current worker.
type AssignmentReason string

const (
	// ReasonInitial is the first placement of a tenant.
	ReasonInitial AssignmentReason = "initial"
	// ReasonRebalance is a move made by a strategy rebalance pass.
	ReasonRebalance AssignmentReason = "rebalance"
	// ReasonWorkerFailed is a move forced by a worker health failure.
	ReasonWorkerFailed AssignmentReason = "worker_failed"
	// ReasonWorkerDrained is a move forced by a graceful worker removal.
	ReasonWorkerDrained AssignmentReason = "worker_drained"
	// ReasonManual is an operator-initiated move via the ops API.
	ReasonManual AssignmentReason = "manual"
)

// TenantAssignment maps a tenant to the worker responsible for it.
// Version increments on every move so that stale writes are detectable
// when assignments round-trip through the durable store.
type TenantAssignment struct {
	TenantID   string           `json:"tenant_id"`
	WorkerID   string           `json:"worker_id"`
	AssignedAt time.Time        `json:"assigned_at"`
	Version    uint64           `json:"version"`
	Reason     AssignmentReason `json:"reason"`
}

// Reassign returns a copy of the assignment moved to workerID with the
// version bumped. The receiver is not modified.
func (a TenantAssignment) Reassign(workerID string, reason AssignmentReason) TenantAssignment {
	a.WorkerID = workerID
	a.AssignedAt = time.Now().UTC()
	a.Version++
	a.Reason = reason
	return a
}

// WorkerMetrics is a point-in-time load sample reported by a worker.
type WorkerMetrics struct {
	WorkerID          string        `json:"worker_id"`
	TenantCount       int           `json:"tenant_count"`
	RPCRequestsPerSec float64       `json:"rpc_requests_per_sec"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ErrorsLastHour    int           `json:"errors_last_hour"`
	SampledAt         time.Time     `json:"sampled_at"`
}

// LoadScore collapses the sample into a single comparable scalar used by
// the least-loaded strategy. Higher means busier.
func (m WorkerMetrics) LoadScore() float64 {
	score := float64(m.TenantCount)
	score += m.RPCRequestsPerSec / 10
	score += m.AvgProcessingTime.Seconds() * 2
	score += float64(m.ErrorsLastHour) / 4
	return score
}
