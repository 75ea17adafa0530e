package workerpool

import (
	"github.com/looplab/fsm"
)

// Worker lifecycle states.
const (
	// StateStarting is the initial state before the first manifest lands.
	StateStarting = "starting"
	// StateRunning means the worker is dispatching blocks.
	StateRunning = "running"
	// StateReloading means a manifest swap is in progress. No block is
	// ever evaluated against a partially applied manifest.
	StateReloading = "reloading"
	// StateDraining means the worker accepts no new tenants and is
	// finishing in-flight work before stopping.
	StateDraining = "draining"
	// StateStopped is terminal.
	StateStopped = "stopped"
)

// Lifecycle events.
const (
	eventStart  = "start"
	eventReload = "reload"
	eventResume = "resume"
	eventDrain  = "drain"
	eventStop   = "stop"
)

// newLifecycle creates the per-worker state machine:
//
//	Starting → Running → (Reloading → Running)* → Draining → Stopped
//
// Illegal transitions are programming errors and surface as fsm errors.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		StateStarting,
		fsm.Events{
			{
				Name: eventStart,
				Src:  []string{StateStarting},
				Dst:  StateRunning,
			},
			{
				Name: eventReload,
				Src:  []string{StateRunning},
				Dst:  StateReloading,
			},
			{
				Name: eventResume,
				Src:  []string{StateReloading},
				Dst:  StateRunning,
			},
			{
				Name: eventDrain,
				Src:  []string{StateStarting, StateRunning, StateReloading},
				Dst:  StateDraining,
			},
			{
				Name: eventStop,
				Src:  []string{StateDraining},
				Dst:  StateStopped,
			},
		},
		fsm.Callbacks{},
	)
}
