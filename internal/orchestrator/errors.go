package orchestrator

import "errors"

var (
	// ErrAlreadyInFlight rejects a dispatch while a non-terminal job exists
	// for the key. The caller waits or retries after the job resolves; the
	// request is neither queued nor merged.
	ErrAlreadyInFlight = errors.New("job already in flight for key")

	// ErrDispatch wraps a runner enqueue failure. The job is already marked
	// Failed when this is returned.
	ErrDispatch = errors.New("dispatch failed")

	// ErrNoRunner means the service was built without a runner.
	ErrNoRunner = errors.New("no runner configured")
)
