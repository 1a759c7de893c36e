package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
	"golang.org/x/sync/singleflight"
)

// initialPreKeys is the number of pre-keys generated along with a new
// identity.
const initialPreKeys = 30

// accountStore gives the connection orchestrator access to the account in the
// key store. The identity material is created on first use.
type accountStore struct {
	ks  *keystore.Store
	log slog.Logger
	sf  singleflight.Group

	// self holds the addresses of the paired account.
	self atomic.Pointer[[2]jid.JID]
}

func (as *accountStore) setSelf(acct *keystore.Account) {
	if acct.Paired() {
		as.self.Store(&[2]jid.JID{acct.ID, acct.LID})
	}
}

// selfID returns the address of the local device or an empty JID if the
// device is not paired yet.
func (as *accountStore) selfID() jid.JID {
	if ids := as.self.Load(); ids != nil {
		return ids[0]
	}
	return jid.JID{}
}

// isSelf returns true if id is an address (of any device) of the local
// account.
func (as *accountStore) isSelf(id jid.JID) bool {
	ids := as.self.Load()
	if ids == nil || id.User == "" {
		return false
	}
	for _, self := range ids {
		if self.User == id.User && self.Server == id.Server {
			return true
		}
	}
	return false
}

func (as *accountStore) initAccount(ctx context.Context) (*keystore.Account, error) {
	acct, err := keystore.NewAccount()
	if err != nil {
		return nil, err
	}
	if err := as.ks.SetAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("unable to store new account: %w", err)
	}
	if _, err := as.ks.GeneratePreKeys(ctx, initialPreKeys); err != nil {
		return nil, fmt.Errorf("unable to generate pre-keys: %w", err)
	}
	as.log.Infof("Created new device identity (registration id %d)",
		acct.RegistrationID)
	return acct, nil
}

// LoadAccount returns the account, creating the identity material if the
// store does not have one yet. Concurrent callers share a single
// initialization.
func (as *accountStore) LoadAccount(ctx context.Context) (*keystore.Account, error) {
	v, err, _ := as.sf.Do("account", func() (interface{}, error) {
		acct, err := as.ks.Account(ctx)
		if errors.Is(err, keystore.ErrNotFound) {
			acct, err = as.initAccount(ctx)
		}
		if err != nil {
			return nil, err
		}
		as.setSelf(acct)
		return acct, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keystore.Account).Clone(), nil
}

func (as *accountStore) SetAccount(ctx context.Context, acct *keystore.Account) error {
	if err := as.ks.SetAccount(ctx, acct); err != nil {
		return err
	}
	as.setSelf(acct)
	return nil
}
