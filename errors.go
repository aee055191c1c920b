package accord

import "errors"

var (
	// Wiring errors.
	ErrNoLog    = errors.New("accord: no log backend configured")
	ErrNoStore  = errors.New("accord: no store configured")
	ErrNoBroker = errors.New("accord: no broadcast broker configured")

	// Not found errors.
	ErrInstanceNotFound = errors.New("accord: instance not found")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("accord: coordinator already started")
	ErrNotStarted     = errors.New("accord: coordinator not started")

	// Leadership errors.
	ErrNotLeader = errors.New("accord: not the active dispatcher")
)
