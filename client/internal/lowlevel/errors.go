package lowlevel

import (
	"errors"
	"fmt"

	"github.com/companyzero/mdlink/client/clientintf"
)

var (
	// ErrNotConnected is returned when sending while there is no active
	// session.
	ErrNotConnected = errors.New("not connected")

	// ErrLoggedOut is sent as an error event when the server reports the
	// device was unlinked from the account.
	ErrLoggedOut = errors.New("device logged out")

	errSessionExiting = fmt.Errorf("session: %w", clientintf.ErrSubsysExiting)

	// errSessRequestedClose is a guard error to signal the session was
	// closed on request.
	errSessRequestedClose = errors.New("requested session close")

	// errSessRestart signals the session was closed because the server
	// requested a restart.
	errSessRestart = errors.New("server requested restart")

	// errSessEnded signals the session was closed after a non recoverable
	// stream error or login failure.
	errSessEnded = errors.New("session ended by server")
)

// SecureChannelError is returned when establishing the secure channel with
// the server fails.
type SecureChannelError struct {
	Err error
}

func (err SecureChannelError) Error() string {
	return fmt.Sprintf("unable to establish secure channel: %v", err.Err)
}

func (err SecureChannelError) Unwrap() error {
	return err.Err
}

func (err SecureChannelError) Is(target error) bool {
	_, ok := target.(SecureChannelError)
	return ok
}

// ProtocolError is generated when the server sends malformed or unexpected
// content.
type ProtocolError struct {
	Tag string
	Err error
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in <%s>: %v", err.Tag, err.Err)
}

func (err ProtocolError) Unwrap() error {
	return err.Err
}

func (err ProtocolError) Is(target error) bool {
	_, ok := target.(ProtocolError)
	return ok
}

// StreamError is sent as an error event when the server reports a stream
// error that does not trigger a reconnection.
type StreamError struct {
	Code string
	Text string
}

func (err StreamError) Error() string {
	if err.Text == "" {
		return fmt.Sprintf("stream error %s", err.Code)
	}
	return fmt.Sprintf("stream error %s: %s", err.Code, err.Text)
}

func (err StreamError) Is(target error) bool {
	_, ok := target.(StreamError)
	return ok
}

// LoginFailureError is sent as an error event when the server rejects the
// login.
type LoginFailureError struct {
	Reason string
}

func (err LoginFailureError) Error() string {
	return fmt.Sprintf("login failed: %s", err.Reason)
}

func (err LoginFailureError) Is(target error) bool {
	_, ok := target.(LoginFailureError)
	return ok
}

// PairingError is sent as an error event when completing the pairing with
// the primary device fails.
type PairingError struct {
	Err error
}

func (err PairingError) Error() string {
	return fmt.Sprintf("unable to complete pairing: %v", err.Err)
}

func (err PairingError) Unwrap() error {
	return err.Err
}

func (err PairingError) Is(target error) bool {
	_, ok := target.(PairingError)
	return ok
}

// IQError is returned by SendIQ when the server replies with an error.
type IQError struct {
	Code int
	Text string
}

func (err IQError) Error() string {
	return fmt.Sprintf("server returned iq error %d: %s", err.Code, err.Text)
}

func (err IQError) Is(target error) bool {
	_, ok := target.(IQError)
	return ok
}
