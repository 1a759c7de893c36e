package keystore

import (
	"errors"
	"fmt"
)

var (
	// ErrUninitialized is returned by every accessor called before
	// Initialize.
	ErrUninitialized = errors.New("key store not initialized")

	// ErrAlreadyInitialized is returned by a second call to Initialize.
	ErrAlreadyInitialized = errors.New("key store already initialized")

	// ErrNotFound is returned when a record does not exist or its durable
	// copy is unreadable.
	ErrNotFound = errors.New("record not found")

	// ErrPreKeysExhausted is returned by CheckPreKeys when fewer pre-keys
	// than required remain.
	ErrPreKeysExhausted = errors.New("pre-keys exhausted")

	errCorruptRecord = errors.New("corrupt record")
	errNoPreKeyIDs   = errors.New("no free pre-key ids")
)

// DurableWriteError is returned when a write succeeded in the in-memory cache
// but could not be committed to the durable layer.
type DurableWriteError struct {
	Key string
	Err error
}

func (err DurableWriteError) Error() string {
	return fmt.Sprintf("unable to durably write record %q: %v", err.Key, err.Err)
}

func (err DurableWriteError) Unwrap() error {
	return err.Err
}

func (err DurableWriteError) Is(target error) bool {
	_, ok := target.(DurableWriteError)
	return ok
}
