package engine

import (
	"context"

	"github.com/nixh/nixh/pkg/capability"
)

// Dispatcher is one execution tier. Every call receives the mode and must not
// change system state in DryRun.
//
// Returning an error wrapping nixos.ErrUnsupported hands the request to the
// next tier without counting as a failure.
type Dispatcher interface {
	Method() Method
	Mutate(ctx context.Context, req Request, mode Mode, phase func(Phase)) (Outcome, error)
	Query(ctx context.Context, req Request) (Outcome, error)
}

// Outcome is what a Dispatcher reports back.
type Outcome struct {
	Output       string
	StateChanged bool

	// Previous is the generation current before a mutation, 0 if unknown.
	Previous int
}

// PolicyChecker evaluates operation policy. *policy.Engine implements it.
type PolicyChecker interface {
	Check(ctx context.Context, op Operation, mode Mode) (*PolicyDecision, error)
}

// HistoryRecorder keeps finished results. The stores package implements it.
type HistoryRecorder interface {
	RecordExecution(ctx context.Context, res ExecutionResult) error
}

// Reprober replaces the capability snapshot. *capability.Holder implements
// it.
type Reprober interface {
	Current() capability.Snapshot
	Reprobe(ctx context.Context) capability.Snapshot
}

// Locker serializes privileged operations across processes.
type Locker interface {
	// TryLock never blocks. It returns ErrBusy when the lock is held.
	TryLock() (release func(), err error)
}
