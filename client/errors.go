package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned by calls that require Run() to have been
	// called.
	ErrNotRunning = errors.New("client not running")

	// ErrConversationNotFound is returned when deleting an unknown
	// conversation.
	ErrConversationNotFound = errors.New("conversation not found")

	errNoEnvelope = errors.New("message without plaintext or enc content")

	errNoUsyncList = errors.New("usync reply without user list")
)

// DecryptError is sent as an error notification when decrypting the content
// of a message fails.
type DecryptError struct {
	ID     string
	Sender string
	Err    error
}

func (err DecryptError) Error() string {
	return fmt.Sprintf("unable to decrypt message %s from %s: %v", err.ID,
		err.Sender, err.Err)
}

func (err DecryptError) Unwrap() error {
	return err.Err
}

func (err DecryptError) Is(target error) bool {
	_, ok := target.(DecryptError)
	return ok
}
