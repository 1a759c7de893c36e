package clientintf

import (
	"context"
	"errors"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/jid"
)

var (
	// ErrSubsysExiting is wrapped by errors returned from subsystems that
	// are shutting down.
	ErrSubsysExiting = errors.New("subsys exiting")
)

// KeyPair is a curve25519 key pair.
type KeyPair struct {
	Pub  [32]byte `json:"pub"`
	Priv [32]byte `json:"priv"`
}

// Transport is a single connection to the protocol server. It is owned by
// the connection orchestrator for the lifetime of one connection.
//
// Receive is only called from a single goroutine. Send may be called
// concurrently with Receive.
type Transport interface {
	// EstablishSecureChannel performs the secure channel handshake using
	// the device's static noise key, sending the given login payload to
	// the server once the channel is up.
	EstablishSecureChannel(ctx context.Context, noiseKey KeyPair, payload []byte) error

	// Send sends a node to the server.
	Send(ctx context.Context, n binnode.Node) error

	// Receive blocks until the next node is decoded.
	Receive(ctx context.Context) (binnode.Node, error)

	// Close tears down the connection.
	Close() error
}

// Dialer opens a new transport to the server.
type Dialer func(context.Context) (Transport, error)

// Cipher decrypts per-peer end-to-end encrypted payloads. Implementations
// keep their ratchet state in the key material store.
type Cipher interface {
	Decrypt(ctx context.Context, sender jid.JID, encType string, ciphertext []byte) ([]byte, error)
}

// DirectoryFacet is a bitmask of the facets requested in a directory query.
type DirectoryFacet uint8

const (
	FacetContact DirectoryFacet = 1 << iota
	FacetAlias
	FacetStatus
	FacetDevices
)

// Has returns true if f includes all facets of other.
func (f DirectoryFacet) Has(other DirectoryFacet) bool {
	return f&other == other
}

// DirectoryResult is the per-identity result of a directory query. Fields of
// facets that were not requested or not returned are empty.
type DirectoryResult struct {
	ID        string
	OnNetwork bool
	Name      string
	Alias     string
	Status    string
	Devices   []uint16
}

// DirectoryQuerier issues directory queries for a list of identities.
type DirectoryQuerier interface {
	QueryDirectory(ctx context.Context, ids []string, facets DirectoryFacet) ([]DirectoryResult, error)
}

// MessageStore is the persistence collaborator for the conversation model.
// Implementations own the retention policy for messages.
type MessageStore interface {
	SaveConversations(ctx context.Context, convs []Conversation) error
	SaveMessages(ctx context.Context, convID string, msgs []Message) error
	LoadConversations(ctx context.Context) ([]Conversation, error)
	LoadMessages(ctx context.Context, convID string) ([]Message, error)
	DeleteConversation(ctx context.Context, convID string) error

	// SaveContactNames saves the names of the given map. If restrictTo is
	// not empty, only names for those ids are saved.
	SaveContactNames(ctx context.Context, names map[string]string, restrictTo []string) error
	LoadContactNames(ctx context.Context) (map[string]string, error)

	SaveAliases(ctx context.Context, aliases map[string]string) error
	LoadAliases(ctx context.Context) (map[string]string, error)
}
