package worker

import "errors"

// Errors returned by Pool
var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	// ErrQueueFull is returned by Submit under PolicyDrop when every slot is taken
	ErrQueueFull    = errors.New("worker: queue full")
	ErrNilProcessor = errors.New("worker: nil processor")
	// ErrStopTimeout means the workers were cancelled after the drain timeout
	ErrStopTimeout = errors.New("worker: stop timed out")
)
