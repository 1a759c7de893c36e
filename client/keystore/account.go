package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/jid"
	"golang.org/x/crypto/curve25519"
)

// Account is the identity material of this linked device.
type Account struct {
	// ID and LID are empty until the device is paired.
	ID       jid.JID `json:"id"`
	LID      jid.JID `json:"lid"`
	PushName string  `json:"pushName"`
	Platform string  `json:"platform"`

	NoiseKey       clientintf.KeyPair `json:"noiseKey"`
	IdentityKey    clientintf.KeyPair `json:"identityKey"`
	SigningKey     ed25519.PrivateKey `json:"signingKey"`
	AdvSecretKey   []byte             `json:"advSecretKey"`
	RegistrationID uint32             `json:"registrationID"`

	// Signed device identity fields, set on pairing completion.
	Details             []byte `json:"details,omitempty"`
	AccountSignatureKey []byte `json:"accountSignatureKey,omitempty"`
	AccountSignature    []byte `json:"accountSignature,omitempty"`
	DeviceSignature     []byte `json:"deviceSignature,omitempty"`
}

// Paired returns true if the account completed pairing with a primary
// device.
func (a *Account) Paired() bool {
	return a != nil && !a.ID.IsEmpty()
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.SigningKey = append(ed25519.PrivateKey(nil), a.SigningKey...)
	c.AdvSecretKey = append([]byte(nil), a.AdvSecretKey...)
	c.Details = append([]byte(nil), a.Details...)
	c.AccountSignatureKey = append([]byte(nil), a.AccountSignatureKey...)
	c.AccountSignature = append([]byte(nil), a.AccountSignature...)
	c.DeviceSignature = append([]byte(nil), a.DeviceSignature...)
	return &c
}

// NewKeyPair generates a new curve25519 key pair.
func NewKeyPair() (clientintf.KeyPair, error) {
	var kp clientintf.KeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Pub[:], pub)
	return kp, nil
}

// NewAccount generates the material of a new, unpaired device.
func NewAccount() (*Account, error) {
	noiseKey, err := NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("unable to generate noise key: %w", err)
	}
	identityKey, err := NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("unable to generate identity key: %w", err)
	}
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("unable to generate signing key: %w", err)
	}
	var rnd [32 + 4]byte
	if _, err := rand.Read(rnd[:]); err != nil {
		return nil, err
	}

	return &Account{
		Platform:       "mdlink",
		NoiseKey:       noiseKey,
		IdentityKey:    identityKey,
		SigningKey:     signingKey,
		AdvSecretKey:   rnd[:32],
		RegistrationID: binary.BigEndian.Uint32(rnd[32:]) & 0x3fff,
	}, nil
}
