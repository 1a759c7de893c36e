package clientdb

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	errCreateLockFile = errors.New("unable to create lockfile")

	errNotRunning = errors.New("db is not running")
)
