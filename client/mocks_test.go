package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientdb"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
	"github.com/companyzero/mdlink/jid"
)

var testSelfID = jid.MustParse("5511999:3@s.whatsapp.net")

// mockTransport is a transport where the test plays the server.
type mockTransport struct {
	in        chan binnode.Node
	out       chan binnode.Node
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		in:     make(chan binnode.Node),
		out:    make(chan binnode.Node, 20),
		closed: make(chan struct{}),
	}
}

func (tr *mockTransport) EstablishSecureChannel(ctx context.Context, noiseKey clientintf.KeyPair, payload []byte) error {
	return nil
}

func (tr *mockTransport) Send(ctx context.Context, n binnode.Node) error {
	select {
	case tr.out <- n:
		return nil
	case <-tr.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *mockTransport) Receive(ctx context.Context) (binnode.Node, error) {
	select {
	case n := <-tr.in:
		return n, nil
	case <-tr.closed:
		return binnode.Node{}, io.EOF
	case <-ctx.Done():
		return binnode.Node{}, ctx.Err()
	}
}

func (tr *mockTransport) Close() error {
	tr.closeOnce.Do(func() { close(tr.closed) })
	return nil
}

func (tr *mockTransport) deliver(t testing.TB, n binnode.Node) {
	t.Helper()
	select {
	case tr.in <- n:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout delivering node")
	}
}

// nextSent returns the next node sent by the client with the given tag.
// Nodes with other tags are discarded.
func (tr *mockTransport) nextSent(t testing.TB, tag string) binnode.Node {
	t.Helper()
	for {
		n := assert.ChanWritten(t, tr.out)
		if n.Tag == tag {
			return n
		}
	}
}

// mockCipher decrypts "msg" content by returning it unchanged and fails every
// other type.
type mockCipher struct{}

var errMockDecrypt = errors.New("no session")

func (mockCipher) Decrypt(ctx context.Context, sender jid.JID, encType string, ciphertext []byte) ([]byte, error) {
	if encType != "msg" {
		return nil, errMockDecrypt
	}
	return ciphertext, nil
}

// mockDirectory answers directory queries with fixed names.
type mockDirectory struct {
	names   map[string]string
	queries chan []string
}

func (md *mockDirectory) QueryDirectory(ctx context.Context, ids []string,
	facets clientintf.DirectoryFacet) ([]clientintf.DirectoryResult, error) {
	if md.queries != nil {
		md.queries <- ids
	}
	var res []clientintf.DirectoryResult
	for _, id := range ids {
		if name, ok := md.names[jid.Normalize(id)]; ok {
			res = append(res, clientintf.DirectoryResult{ID: id,
				OnNetwork: true, Name: name})
		}
	}
	return res, nil
}

type testClient struct {
	*Client
	trs    chan *mockTransport
	db     *clientdb.DB
	ks     *keystore.Store
	events chan any
	cancel func()
	done   chan error

	stopOnce sync.Once
	runErr   error
}

func newTestKeyStore(t testing.TB, paired bool) *keystore.Store {
	t.Helper()
	ks := keystore.New(keystore.Config{Log: testutils.TestLoggerSys(t, "KEYS")})
	assert.NilErr(t, ks.Initialize(context.Background()))
	t.Cleanup(func() { ks.Close() })
	if paired {
		acct, err := keystore.NewAccount()
		assert.NilErr(t, err)
		acct.ID = testSelfID
		assert.NilErr(t, ks.SetAccount(context.Background(), acct))
		_, err = ks.GeneratePreKeys(context.Background(), initialPreKeys)
		assert.NilErr(t, err)
	}
	return ks
}

// newTestClient creates and runs a client. dbRoot may be shared between
// clients that run one after the other.
func newTestClient(t testing.TB, ks *keystore.Store, dbRoot string, cfg Config) *testClient {
	t.Helper()
	db, err := clientdb.New(clientdb.Config{
		Root:   dbRoot,
		Logger: testutils.TestLoggerSys(t, "MDB "),
	})
	assert.NilErr(t, err)

	tc := &testClient{
		trs:    make(chan *mockTransport, 5),
		db:     db,
		ks:     ks,
		events: make(chan any, 100),
		done:   make(chan error, 1),
	}
	cfg.Dialer = func(context.Context) (clientintf.Transport, error) {
		tr := newMockTransport()
		tc.trs <- tr
		return tr, nil
	}
	cfg.KeyStore = ks
	cfg.MessageStore = db
	cfg.Logger = testutils.TestLoggerBackend(t, "client")
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = 10 * time.Millisecond
	}
	if cfg.NameQuietPeriod == 0 {
		cfg.NameQuietPeriod = 10 * time.Millisecond
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Hour
	}
	ntfns := NewNotificationManager()
	ntfns.RegisterSync(OnSessionReadyNtfn(func(id jid.JID) { tc.events <- id }))
	ntfns.RegisterSync(OnHistorySyncNtfn(func(s HistorySyncSummary) { tc.events <- s }))
	ntfns.RegisterSync(OnErrorNtfn(func(err error) { tc.events <- err }))
	cfg.Notifications = ntfns

	tc.Client, err = New(cfg)
	assert.NilErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	go func() { tc.done <- tc.Run(ctx) }()
	t.Cleanup(tc.stop)
	return tc
}

// stop stops the client and waits for Run to return. It is safe to call
// multiple times.
func (tc *testClient) stop() {
	tc.cancel()
	tc.stopOnce.Do(func() {
		tc.runErr = <-tc.done
	})
}

// runResult waits for Run to return on its own.
func (tc *testClient) runResult(t testing.TB) error {
	t.Helper()
	tc.stopOnce.Do(func() {
		tc.runErr = assert.ChanWritten(t, tc.done)
	})
	return tc.runErr
}

// login connects the client and completes the login.
func (tc *testClient) login(t testing.TB) *mockTransport {
	t.Helper()
	assert.NilErr(t, tc.Connect(context.Background()))
	tr := assert.ChanWritten(t, tc.trs)
	tr.deliver(t, binnode.Node{Tag: "success"})
	nextEvent[jid.JID](t, tc)
	return tr
}

// nextEvent asserts the next notification is of type T.
func nextEvent[T any](t testing.TB, tc *testClient) T {
	t.Helper()
	ev := assert.ChanWritten(t, tc.events)
	res, ok := ev.(T)
	if !ok {
		t.Fatalf("unexpected event %T (%v)", ev, ev)
	}
	return res
}

// messageNode returns a message node carrying env in the clear.
func messageNode(t testing.TB, id, from string, ts int64, env clientintf.Envelope) binnode.Node {
	t.Helper()
	b, err := json.Marshal(env)
	assert.NilErr(t, err)
	return binnode.Node{
		Tag: "message",
		Attrs: binnode.Attrs{
			"id":   id,
			"from": from,
			"t":    ts,
		},
		Content: []binnode.Node{{Tag: "plaintext", Content: b}},
	}
}
