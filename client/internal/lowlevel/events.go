package lowlevel

import (
	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/jid"
)

// State is the connection state of the orchestrator.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSynchronizing
	StateLive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSynchronizing:
		return "synchronizing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Event is an event generated by the orchestrator. It is one of the *Event
// types of this package.
type Event interface {
	event()
}

// SessionReadyEvent is sent when the server accepted the login.
type SessionReadyEvent struct {
	ID jid.JID
}

// QRCodeEvent is sent when the server starts the pairing of a new device.
// Each code is valid for a short time and must be displayed in order.
type QRCodeEvent struct {
	Codes []string
}

// PairSuccessEvent is sent after the pairing with the primary device
// completed and the account was updated.
type PairSuccessEvent struct {
	ID       jid.JID
	LID      jid.JID
	Platform string
}

// ErrorEvent is sent for errors that are not handled by the orchestrator.
type ErrorEvent struct {
	Err error
}

// NodeEvent carries an inbound node not handled by the orchestrator.
type NodeEvent struct {
	Node binnode.Node
}

func (*SessionReadyEvent) event() {}
func (*QRCodeEvent) event()       {}
func (*PairSuccessEvent) event()  {}
func (*ErrorEvent) event()        {}
func (*NodeEvent) event()         {}
