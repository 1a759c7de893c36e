// Package keystore implements the durable store of the cryptographic material
// of a linked device: peer sessions, pre-keys, group sender keys and the
// account identity.
//
// Every record is held in an in-memory cache backed by a LevelDB database.
// Reads are served from the cache and fall back to the database on misses.
// Operations on the same record are serialized by a per-record lock while
// operations on different records proceed concurrently.
package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Config is the configuration of a Store.
type Config struct {
	// Path is the directory of the LevelDB database. When empty, an
	// in-memory database is used.
	Path string

	Log slog.Logger
}

// Store is the key material store.
type Store struct {
	cfg Config
	log slog.Logger

	initMtx     sync.Mutex
	initialized atomic.Bool
	db          *leveldb.DB

	locks *xsync.MapOf[string, *sync.Mutex]

	sessions   *xsync.MapOf[string, []byte]
	senderKeys *xsync.MapOf[string, []byte]
	preKeys    *xsync.MapOf[uint32, PreKey]
	account    atomic.Pointer[Account]

	// preKeyIDs indexes the ids of the cached pre-keys. nextPreKeyID is
	// the next id to assign to a generated pre-key.
	preKeyMtx    sync.Mutex
	preKeyIDs    *roaring.Bitmap
	nextPreKeyID uint32
}

// New creates a new, uninitialized store.
func New(cfg Config) *Store {
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Store{
		cfg:          cfg,
		log:          log,
		locks:        xsync.NewMapOf[string, *sync.Mutex](),
		sessions:     xsync.NewMapOf[string, []byte](),
		senderKeys:   xsync.NewMapOf[string, []byte](),
		preKeys:      xsync.NewMapOf[uint32, PreKey](),
		preKeyIDs:    roaring.New(),
		nextPreKeyID: 1,
	}
}

// Initialize opens the durable database and loads every session, pre-key and
// account record into the cache. Corrupt records are skipped.
//
// Initialize must be called exactly once, before any other method.
func (s *Store) Initialize(ctx context.Context) error {
	s.initMtx.Lock()
	defer s.initMtx.Unlock()
	if s.initialized.Load() {
		return ErrAlreadyInitialized
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var db *leveldb.DB
	var err error
	if s.cfg.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(s.cfg.Path, nil)
	}
	if err != nil {
		return fmt.Errorf("unable to open key store db: %w", err)
	}

	var nbSessions, nbPreKeys, nbCorrupt int
	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		key := string(iter.Key())
		payload, err := decodeRecord(iter.Value())
		if err != nil {
			s.log.Warnf("Skipping corrupt record %q", key)
			nbCorrupt++
			continue
		}

		switch {
		case key == accountKey:
			var acct Account
			if err := json.Unmarshal(payload, &acct); err != nil {
				s.log.Warnf("Skipping undecodable account record: %v", err)
				nbCorrupt++
				continue
			}
			s.account.Store(&acct)

		case key == nextPreKeyKey:
			var next uint32
			if err := json.Unmarshal(payload, &next); err != nil || next == 0 {
				s.log.Warnf("Skipping undecodable next pre-key id record")
				nbCorrupt++
				continue
			}
			s.nextPreKeyID = next

		case len(key) > len(sessionPrefix) && key[:len(sessionPrefix)] == sessionPrefix:
			s.sessions.Store(key[len(sessionPrefix):], bytes.Clone(payload))
			nbSessions++

		case len(key) > len(preKeyPrefix) && key[:len(preKeyPrefix)] == preKeyPrefix:
			id, ok := preKeyIDFromKey(key)
			var pk PreKey
			if !ok || json.Unmarshal(payload, &pk) != nil || pk.ID != id {
				s.log.Warnf("Skipping undecodable pre-key record %q", key)
				nbCorrupt++
				continue
			}
			s.preKeys.Store(id, pk)
			s.preKeyIDs.Add(id)
			if id >= s.nextPreKeyID {
				s.nextPreKeyID = nextID(id)
			}
			nbPreKeys++
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		db.Close()
		return fmt.Errorf("unable to iterate key store db: %w", err)
	}

	s.db = db
	s.initialized.Store(true)
	s.log.Infof("Loaded key store with %d sessions and %d pre-keys "+
		"(%d corrupt records skipped)", nbSessions, nbPreKeys, nbCorrupt)
	return nil
}

// Initialized returns true once Initialize succeeded.
func (s *Store) Initialized() bool {
	return s.initialized.Load()
}

// Close closes the durable database.
func (s *Store) Close() error {
	s.initMtx.Lock()
	defer s.initMtx.Unlock()
	if !s.initialized.Load() {
		return nil
	}
	return s.db.Close()
}

// lockKey locks the mutex of the given record key and returns the function
// to unlock it.
func (s *Store) lockKey(key string) func() {
	mtx, _ := s.locks.LoadOrCompute(key, func() *sync.Mutex {
		return new(sync.Mutex)
	})
	mtx.Lock()
	return mtx.Unlock
}

func (s *Store) checkInit(ctx context.Context) error {
	if !s.initialized.Load() {
		return ErrUninitialized
	}
	return ctx.Err()
}

// readRecord reads and validates a record from the durable layer. Missing and
// corrupt records both return ErrNotFound.
func (s *Store) readRecord(key string) ([]byte, error) {
	rec, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		s.log.Warnf("Unable to read record %q: %v", key, err)
		return nil, ErrNotFound
	}
	payload, err := decodeRecord(rec)
	if err != nil {
		s.log.Warnf("Record %q is corrupt", key)
		return nil, ErrNotFound
	}
	return payload, nil
}

func (s *Store) writeRecord(key string, payload []byte) error {
	if err := s.db.Put([]byte(key), encodeRecord(payload), nil); err != nil {
		s.log.Errorf("Unable to write record %q: %v", key, err)
		return DurableWriteError{Key: key, Err: err}
	}
	return nil
}

func (s *Store) deleteRecord(key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		s.log.Errorf("Unable to delete record %q: %v", key, err)
		return DurableWriteError{Key: key, Err: err}
	}
	return nil
}

// getBytes implements the cache-then-durable read of raw byte records.
func (s *Store) getBytes(ctx context.Context, cache *xsync.MapOf[string, []byte],
	cacheKey, key string) ([]byte, error) {

	if err := s.checkInit(ctx); err != nil {
		return nil, err
	}
	if v, ok := cache.Load(cacheKey); ok {
		return v, nil
	}

	unlock := s.lockKey(key)
	defer unlock()
	if v, ok := cache.Load(cacheKey); ok {
		return v, nil
	}
	payload, err := s.readRecord(key)
	if err != nil {
		return nil, err
	}
	v := bytes.Clone(payload)
	cache.Store(cacheKey, v)
	return v, nil
}

// setBytes stores the value in the cache, then in the durable layer. The
// cache is left updated when the durable write fails.
func (s *Store) setBytes(ctx context.Context, cache *xsync.MapOf[string, []byte],
	cacheKey, key string, v []byte) error {

	if err := s.checkInit(ctx); err != nil {
		return err
	}
	v = bytes.Clone(v)
	unlock := s.lockKey(key)
	defer unlock()
	cache.Store(cacheKey, v)
	return s.writeRecord(key, v)
}

// GetSession returns the session state with the given peer address.
func (s *Store) GetSession(ctx context.Context, addr string) ([]byte, error) {
	return s.getBytes(ctx, s.sessions, addr, sessionKey(addr))
}

// SetSession stores the session state with the given peer address.
func (s *Store) SetSession(ctx context.Context, addr string, session []byte) error {
	return s.setBytes(ctx, s.sessions, addr, sessionKey(addr), session)
}

// HasSession returns true if a session with the peer exists.
func (s *Store) HasSession(ctx context.Context, addr string) (bool, error) {
	_, err := s.GetSession(ctx, addr)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// RemoveSession removes the session with the given peer address.
func (s *Store) RemoveSession(ctx context.Context, addr string) error {
	if err := s.checkInit(ctx); err != nil {
		return err
	}
	key := sessionKey(addr)
	unlock := s.lockKey(key)
	defer unlock()
	s.sessions.Delete(addr)
	return s.deleteRecord(key)
}

// AllSessionIDs returns the addresses of every cached session.
func (s *Store) AllSessionIDs() ([]string, error) {
	if !s.initialized.Load() {
		return nil, ErrUninitialized
	}
	ids := make([]string, 0, s.sessions.Size())
	s.sessions.Range(func(id string, _ []byte) bool {
		ids = append(ids, id)
		return true
	})
	return ids, nil
}

// GetSenderKey returns the sender key state of the sender in the group.
func (s *Store) GetSenderKey(ctx context.Context, group, sender string) ([]byte, error) {
	key := senderKeyKey(group, sender)
	return s.getBytes(ctx, s.senderKeys, key, key)
}

// SetSenderKey stores the sender key state of the sender in the group.
func (s *Store) SetSenderKey(ctx context.Context, group, sender string, v []byte) error {
	key := senderKeyKey(group, sender)
	return s.setBytes(ctx, s.senderKeys, key, key, v)
}

// Account returns the account of the device. The returned value is a copy.
func (s *Store) Account(ctx context.Context) (*Account, error) {
	if err := s.checkInit(ctx); err != nil {
		return nil, err
	}
	if acct := s.account.Load(); acct != nil {
		return acct.Clone(), nil
	}

	unlock := s.lockKey(accountKey)
	defer unlock()
	if acct := s.account.Load(); acct != nil {
		return acct.Clone(), nil
	}
	payload, err := s.readRecord(accountKey)
	if err != nil {
		return nil, err
	}
	acct := new(Account)
	if err := json.Unmarshal(payload, acct); err != nil {
		s.log.Warnf("Unable to decode account record: %v", err)
		return nil, ErrNotFound
	}
	s.account.Store(acct)
	return acct.Clone(), nil
}

// SetAccount replaces the account of the device.
func (s *Store) SetAccount(ctx context.Context, acct *Account) error {
	if err := s.checkInit(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	unlock := s.lockKey(accountKey)
	defer unlock()
	s.account.Store(acct.Clone())
	return s.writeRecord(accountKey, payload)
}
