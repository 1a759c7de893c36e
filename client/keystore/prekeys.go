package keystore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/companyzero/mdlink/client/clientintf"
)

// maxPreKeyID is the largest pre-key id. Ids wrap around to 1 after it.
const maxPreKeyID = 1<<24 - 1

// PreKey is a one-time key consumed by a peer when establishing a session.
type PreKey struct {
	ID uint32 `json:"id"`
	clientintf.KeyPair
}

func nextID(id uint32) uint32 {
	if id >= maxPreKeyID {
		return 1
	}
	return id + 1
}

// allocPreKeyID returns the first id at or after next not held by an
// outstanding pre-key, along with the id that follows it. preKeyMtx must be
// held.
func (s *Store) allocPreKeyID(next uint32) (uint32, uint32, error) {
	if s.preKeyIDs.GetCardinality() >= maxPreKeyID {
		return 0, next, errNoPreKeyIDs
	}
	for s.preKeyIDs.Contains(next) {
		next = nextID(next)
	}
	return next, nextID(next), nil
}

// GetPreKey returns the pre-key with the given id.
func (s *Store) GetPreKey(ctx context.Context, id uint32) (PreKey, error) {
	if err := s.checkInit(ctx); err != nil {
		return PreKey{}, err
	}
	if pk, ok := s.preKeys.Load(id); ok {
		return pk, nil
	}

	key := preKeyKey(id)
	unlock := s.lockKey(key)
	defer unlock()
	return s.loadPreKey(id, key)
}

// loadPreKey loads the pre-key from the durable layer when it's not cached.
// The record key lock must be held.
func (s *Store) loadPreKey(id uint32, key string) (PreKey, error) {
	if pk, ok := s.preKeys.Load(id); ok {
		return pk, nil
	}
	payload, err := s.readRecord(key)
	if err != nil {
		return PreKey{}, err
	}
	var pk PreKey
	if err := json.Unmarshal(payload, &pk); err != nil || pk.ID != id {
		s.log.Warnf("Unable to decode pre-key %d", id)
		return PreKey{}, ErrNotFound
	}
	s.cachePreKey(pk)
	return pk, nil
}

func (s *Store) cachePreKey(pk PreKey) {
	s.preKeys.Store(pk.ID, pk)
	s.preKeyMtx.Lock()
	s.preKeyIDs.Add(pk.ID)
	s.preKeyMtx.Unlock()
}

func (s *Store) uncachePreKey(id uint32) {
	s.preKeys.Delete(id)
	s.preKeyMtx.Lock()
	s.preKeyIDs.Remove(id)
	s.preKeyMtx.Unlock()
}

// SetPreKey stores a pre-key.
func (s *Store) SetPreKey(ctx context.Context, pk PreKey) error {
	if err := s.checkInit(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(pk)
	if err != nil {
		return err
	}
	key := preKeyKey(pk.ID)
	unlock := s.lockKey(key)
	defer unlock()
	s.cachePreKey(pk)
	return s.writeRecord(key, payload)
}

// RemovePreKey removes the pre-key with the given id.
func (s *Store) RemovePreKey(ctx context.Context, id uint32) error {
	if err := s.checkInit(ctx); err != nil {
		return err
	}
	key := preKeyKey(id)
	unlock := s.lockKey(key)
	defer unlock()
	s.uncachePreKey(id)
	return s.deleteRecord(key)
}

// ConsumePreKey returns the pre-key with the given id and removes it from
// the store. Concurrent calls for the same id return the key at most once.
func (s *Store) ConsumePreKey(ctx context.Context, id uint32) (PreKey, error) {
	if err := s.checkInit(ctx); err != nil {
		return PreKey{}, err
	}
	key := preKeyKey(id)
	unlock := s.lockKey(key)
	defer unlock()
	pk, err := s.loadPreKey(id, key)
	if err != nil {
		return PreKey{}, err
	}
	s.uncachePreKey(id)
	return pk, s.deleteRecord(key)
}

// AllPreKeys returns the cached pre-keys ordered by id.
func (s *Store) AllPreKeys() ([]PreKey, error) {
	if !s.initialized.Load() {
		return nil, ErrUninitialized
	}
	s.preKeyMtx.Lock()
	ids := s.preKeyIDs.ToArray()
	s.preKeyMtx.Unlock()

	res := make([]PreKey, 0, len(ids))
	for _, id := range ids {
		if pk, ok := s.preKeys.Load(id); ok {
			res = append(res, pk)
		}
	}
	return res, nil
}

// PreKeyCount returns the number of cached pre-keys.
func (s *Store) PreKeyCount() int {
	s.preKeyMtx.Lock()
	defer s.preKeyMtx.Unlock()
	return int(s.preKeyIDs.GetCardinality())
}

// CheckPreKeys returns ErrPreKeysExhausted when fewer than min pre-keys are
// available.
func (s *Store) CheckPreKeys(min int) error {
	if !s.initialized.Load() {
		return ErrUninitialized
	}
	if n := s.PreKeyCount(); n < min {
		return fmt.Errorf("%w: %d available, %d required",
			ErrPreKeysExhausted, n, min)
	}
	return nil
}

// GeneratePreKeys generates and stores n new pre-keys. Their ids continue
// after the last id ever assigned by this store, skipping ids still held by
// outstanding pre-keys once the id space has wrapped.
func (s *Store) GeneratePreKeys(ctx context.Context, n int) ([]PreKey, error) {
	if err := s.checkInit(ctx); err != nil {
		return nil, err
	}
	unlock := s.lockKey(nextPreKeyKey)
	defer unlock()

	s.preKeyMtx.Lock()
	next := s.nextPreKeyID
	s.preKeyMtx.Unlock()

	res := make([]PreKey, 0, n)
	for i := 0; i < n; i++ {
		kp, err := NewKeyPair()
		if err != nil {
			return res, err
		}
		s.preKeyMtx.Lock()
		id, after, err := s.allocPreKeyID(next)
		s.preKeyMtx.Unlock()
		if err != nil {
			return res, err
		}
		next = after
		pk := PreKey{ID: id, KeyPair: kp}
		if err := s.SetPreKey(ctx, pk); err != nil {
			return res, err
		}
		res = append(res, pk)
	}

	s.preKeyMtx.Lock()
	s.nextPreKeyID = next
	s.preKeyMtx.Unlock()
	payload, _ := json.Marshal(next)
	if err := s.writeRecord(nextPreKeyKey, payload); err != nil {
		return res, err
	}
	s.log.Debugf("Generated %d pre-keys (next id %d)", n, next)
	return res, nil
}
