package shm

import "errors"

var (
	// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
	ErrFutexTimeout = errors.New("futex timeout")

	// ErrUnsupported is returned by every blocking primitive on platforms
	// without shared futexes.
	ErrUnsupported = errors.New("futex operations not supported on this platform")

	// ErrTimeout is returned by the WaitDeadline methods when the deadline
	// passes before the wait is satisfied.
	ErrTimeout = errors.New("shm: deadline exceeded")
)
