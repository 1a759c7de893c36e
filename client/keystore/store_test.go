package keystore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
	"github.com/companyzero/mdlink/jid"
	"github.com/syndtr/goleveldb/leveldb"
)

func newTestStore(t testing.TB, path string) *Store {
	t.Helper()
	s := New(Config{Path: path, Log: testutils.TestLoggerSys(t, "KEYS")})
	assert.NilErr(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

// TestUninitialized asserts accessors fail before initialization.
func TestUninitialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(Config{})

	_, err := s.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrUninitialized)
	assert.ErrorIs(t, s.SetSession(ctx, "a", nil), ErrUninitialized)
	_, err = s.GetPreKey(ctx, 1)
	assert.ErrorIs(t, err, ErrUninitialized)
	_, err = s.Account(ctx)
	assert.ErrorIs(t, err, ErrUninitialized)
	_, err = s.AllSessionIDs()
	assert.ErrorIs(t, err, ErrUninitialized)

	assert.NilErr(t, s.Initialize(ctx))
	assert.ErrorIs(t, s.Initialize(ctx), ErrAlreadyInitialized)
	assert.NilErr(t, s.Close())
}

// TestSessionPersistence asserts sessions survive reopening the store.
func TestSessionPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(testutils.TempTestDir(t, "keystore"), "db")

	s := newTestStore(t, dir)
	assert.NilErr(t, s.SetSession(ctx, "123:1@s.whatsapp.net", []byte("sess1")))
	assert.NilErr(t, s.SetSession(ctx, "456@s.whatsapp.net", []byte("sess2")))
	assert.NilErr(t, s.SetSenderKey(ctx, "g@g.us", "123@s.whatsapp.net", []byte("sk")))
	assert.NilErr(t, s.RemoveSession(ctx, "456@s.whatsapp.net"))
	assert.NilErr(t, s.Close())

	s = newTestStore(t, dir)
	got, err := s.GetSession(ctx, "123:1@s.whatsapp.net")
	assert.NilErr(t, err)
	assert.EqualBytes(t, got, []byte("sess1"))
	_, err = s.GetSession(ctx, "456@s.whatsapp.net")
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := s.AllSessionIDs()
	assert.NilErr(t, err)
	assert.DeepEqual(t, ids, []string{"123:1@s.whatsapp.net"})

	// Sender keys are not preloaded but are read from the db on misses.
	sk, err := s.GetSenderKey(ctx, "g@g.us", "123@s.whatsapp.net")
	assert.NilErr(t, err)
	assert.EqualBytes(t, sk, []byte("sk"))

	has, err := s.HasSession(ctx, "999@s.whatsapp.net")
	assert.NilErr(t, err)
	assert.BoolIs(t, has, false)
}

// TestCacheCoherentOnFailedWrite asserts that a value written is readable
// even when the durable write fails.
func TestCacheCoherentOnFailedWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, "")

	// Break the durable layer.
	assert.NilErr(t, s.db.Close())

	err := s.SetSession(ctx, "123@s.whatsapp.net", []byte("fresh"))
	assert.ErrorIs(t, err, DurableWriteError{})
	assert.ErrorIs(t, err, leveldb.ErrClosed)

	got, err := s.GetSession(ctx, "123@s.whatsapp.net")
	assert.NilErr(t, err)
	assert.EqualBytes(t, got, []byte("fresh"))
}

// TestCorruptRecords asserts corrupt records are skipped on load and read as
// absent.
func TestCorruptRecords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(testutils.TempTestDir(t, "keystore"), "db")

	s := newTestStore(t, dir)
	assert.NilErr(t, s.SetSession(ctx, "good", []byte("ok")))
	assert.NilErr(t, s.SetSession(ctx, "bad", []byte("will be corrupted")))
	assert.NilErr(t, s.SetPreKey(ctx, PreKey{ID: 7}))
	assert.NilErr(t, s.Close())

	db, err := leveldb.OpenFile(dir, nil)
	assert.NilErr(t, err)
	rec, err := db.Get([]byte(sessionKey("bad")), nil)
	assert.NilErr(t, err)
	rec[len(rec)-1] ^= 0xff
	assert.NilErr(t, db.Put([]byte(sessionKey("bad")), rec, nil))
	assert.NilErr(t, db.Put([]byte(preKeyKey(7)), []byte{1, 2}, nil))
	assert.NilErr(t, db.Close())

	s = newTestStore(t, dir)
	_, err = s.GetSession(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPreKey(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.GetSession(ctx, "good")
	assert.NilErr(t, err)
	assert.EqualBytes(t, got, []byte("ok"))

	// The session can be re-established.
	assert.NilErr(t, s.SetSession(ctx, "bad", []byte("rekeyed")))
	got, err = s.GetSession(ctx, "bad")
	assert.NilErr(t, err)
	assert.EqualBytes(t, got, []byte("rekeyed"))
}

// TestPreKeys tests pre-key generation, enumeration and consumption.
func TestPreKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(testutils.TempTestDir(t, "keystore"), "db")
	s := newTestStore(t, dir)

	assert.ErrorIs(t, s.CheckPreKeys(1), ErrPreKeysExhausted)

	gen, err := s.GeneratePreKeys(ctx, 5)
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(gen), 5)
	assert.DeepEqual(t, gen[0].ID, uint32(1))
	assert.DeepEqual(t, gen[4].ID, uint32(5))
	assert.NilErr(t, s.CheckPreKeys(5))

	pk, err := s.ConsumePreKey(ctx, 3)
	assert.NilErr(t, err)
	assert.DeepEqual(t, pk, gen[2])
	_, err = s.ConsumePreKey(ctx, 3)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.CheckPreKeys(5), ErrPreKeysExhausted)

	all, err := s.AllPreKeys()
	assert.NilErr(t, err)
	var ids []uint32
	for _, pk := range all {
		ids = append(ids, pk.ID)
	}
	assert.DeepEqual(t, ids, []uint32{1, 2, 4, 5})

	// Ids continue after the highest one ever assigned, even after a
	// restart and after removing the last key.
	assert.NilErr(t, s.RemovePreKey(ctx, 5))
	assert.NilErr(t, s.Close())
	s = newTestStore(t, dir)
	assert.DeepEqual(t, s.PreKeyCount(), 3)
	gen, err = s.GeneratePreKeys(ctx, 1)
	assert.NilErr(t, err)
	assert.DeepEqual(t, gen[0].ID, uint32(6))
}

// TestPreKeyIDWrap asserts generated ids wrap past the maximum id without
// overwriting outstanding pre-keys.
func TestPreKeyIDWrap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(testutils.TempTestDir(t, "keystore"), "db")
	s := newTestStore(t, dir)

	old, err := s.GeneratePreKeys(ctx, 3)
	assert.NilErr(t, err)

	s.preKeyMtx.Lock()
	s.nextPreKeyID = maxPreKeyID - 1
	s.preKeyMtx.Unlock()

	gen, err := s.GeneratePreKeys(ctx, 4)
	assert.NilErr(t, err)
	var ids []uint32
	for _, pk := range gen {
		ids = append(ids, pk.ID)
	}
	assert.DeepEqual(t, ids, []uint32{maxPreKeyID - 1, maxPreKeyID, 4, 5})
	assert.DeepEqual(t, s.nextPreKeyID, uint32(6))
	assert.DeepEqual(t, s.PreKeyCount(), 7)

	for _, want := range old {
		got, err := s.GetPreKey(ctx, want.ID)
		assert.NilErr(t, err)
		assert.DeepEqual(t, got, want)
	}
}

// TestConcurrentConsume asserts a pre-key is handed out at most once.
func TestConcurrentConsume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, "")
	_, err := s.GeneratePreKeys(ctx, 1)
	assert.NilErr(t, err)

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumePreKey(ctx, 1)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotFound):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.DeepEqual(t, ok, 1)
}

// TestConcurrentSessions exercises concurrent writers on distinct keys.
func TestConcurrentSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t, "")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("%d@s.whatsapp.net", i)
			if err := s.SetSession(ctx, addr, []byte(addr)); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	ids, err := s.AllSessionIDs()
	assert.NilErr(t, err)
	assert.DeepEqual(t, len(ids), n)
}

// TestAccount tests account persistence.
func TestAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := filepath.Join(testutils.TempTestDir(t, "keystore"), "db")
	s := newTestStore(t, dir)

	_, err := s.Account(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	acct, err := NewAccount()
	assert.NilErr(t, err)
	assert.BoolIs(t, acct.Paired(), false)
	acct.ID = jid.MustParse("123:4@s.whatsapp.net")
	assert.NilErr(t, s.SetAccount(ctx, acct))

	// Mutating the caller's copy does not affect the store.
	acct.PushName = "changed"
	got, err := s.Account(ctx)
	assert.NilErr(t, err)
	assert.DeepEqual(t, got.PushName, "")
	assert.NilErr(t, s.Close())

	s = newTestStore(t, dir)
	got, err = s.Account(ctx)
	assert.NilErr(t, err)
	assert.BoolIs(t, got.Paired(), true)
	assert.DeepEqual(t, got.ID, jid.MustParse("123:4@s.whatsapp.net"))
	assert.DeepEqual(t, got.NoiseKey, acct.NoiseKey)
	assert.EqualBytes(t, got.SigningKey, acct.SigningKey)
}
