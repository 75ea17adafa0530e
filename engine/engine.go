// Package engine defines the facade through which workers hand blocks to
// the external monitoring engine. The orchestrator never evaluates
// monitors itself; it dispatches and moves on.
package engine

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/types"
)

// Match is a monitor that matched a block for a tenant.
type Match struct {
	TenantID    string `json:"tenant_id"`
	MonitorID   string `json:"monitor_id"`
	Network     string `json:"network"`
	BlockNumber uint64 `json:"block_number"`
}

// Engine is the monitoring-engine facade.
type Engine interface {
	// EvaluateFiltersAndDispatch runs a tenant's monitor filters against a
	// block and returns the matches.
	EvaluateFiltersAndDispatch(ctx context.Context, tenantID string, block *types.Block) ([]Match, error)

	// ExecuteTriggers fires the triggers behind a set of matches.
	ExecuteTriggers(ctx context.Context, matches []Match) error
}

// NopEngine discards everything. Used when running in pure watcher mode.
type NopEngine struct{}

func (NopEngine) EvaluateFiltersAndDispatch(context.Context, string, *types.Block) ([]Match, error) {
	return nil, nil
}

func (NopEngine) ExecuteTriggers(context.Context, []Match) error { return nil }

// LogEngine logs every evaluation at debug level. Useful for smoke
// testing the dispatch path without a real monitoring engine attached.
type LogEngine struct {
	logger *zap.Logger

	evaluated atomic.Uint64
	triggered atomic.Uint64
}

// NewLogEngine creates a LogEngine.
func NewLogEngine(logger *zap.Logger) *LogEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEngine{logger: logger}
}

func (e *LogEngine) EvaluateFiltersAndDispatch(_ context.Context, tenantID string, block *types.Block) ([]Match, error) {
	e.evaluated.Add(1)
	e.logger.Debug("Evaluated block for tenant",
		zap.String("tenant", tenantID),
		zap.String("network", block.NetworkID),
		zap.Uint64("height", block.Number),
	)
	return nil, nil
}

func (e *LogEngine) ExecuteTriggers(_ context.Context, matches []Match) error {
	e.triggered.Add(uint64(len(matches)))
	return nil
}

// Evaluated returns the number of evaluations performed.
func (e *LogEngine) Evaluated() uint64 { return e.evaluated.Load() }
