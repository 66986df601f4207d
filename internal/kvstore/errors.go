package kvstore

import "fmt"

// InvalidKeyError indicates a key that violates the tuple encoding rules.
type InvalidKeyError struct {
	Key    Key
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key.String(), e.Reason)
}

// ConflictError is returned by AtomicCommit when a guard operation fails.
// Nothing has been mutated when this error is returned.
type ConflictError struct {
	Key    Key
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("atomic commit conflict on %q: %s", e.Key.String(), e.Reason)
}

// StorageUnavailableError wraps I/O and driver failures from the backing
// database. Callers surface it externally as server_error.
type StorageUnavailableError struct {
	Op  string
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error {
	return e.Err
}
