package lowlevel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/internal/assert"
	"github.com/companyzero/mdlink/internal/testutils"
)

// mockTransport is a transport where the test plays the server: nodes
// written to in are received by the client and nodes sent by the client are
// written to out.
type mockTransport struct {
	in     chan binnode.Node
	out    chan binnode.Node
	closed chan struct{}

	handshakeErr error
	payloads     chan []byte
	closeOnce    sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		in:       make(chan binnode.Node),
		out:      make(chan binnode.Node, 10),
		closed:   make(chan struct{}),
		payloads: make(chan []byte, 1),
	}
}

func (tr *mockTransport) EstablishSecureChannel(ctx context.Context, noiseKey clientintf.KeyPair, payload []byte) error {
	tr.payloads <- payload
	return tr.handshakeErr
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

// deliver sends a node from the server to the client.
func (tr *mockTransport) deliver(t testing.TB, n binnode.Node) {
	t.Helper()
	select {
	case tr.in <- n:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout delivering node")
	}
}

// mockDialer returns a new mockTransport on every call.
type mockDialer struct {
	calls atomic.Int32
	trs   chan *mockTransport

	// handshakeErr, if set, returns the handshake error of the nth
	// dial (starting at 1).
	handshakeErr func(n int32) error
}

func newMockDialer() *mockDialer {
	return &mockDialer{trs: make(chan *mockTransport, 10)}
}

func (d *mockDialer) dial(ctx context.Context) (clientintf.Transport, error) {
	n := d.calls.Add(1)
	tr := newMockTransport()
	if d.handshakeErr != nil {
		tr.handshakeErr = d.handshakeErr(n)
	}
	d.trs <- tr
	return tr, nil
}

type mockAccounts struct {
	mtx  sync.Mutex
	acct *keystore.Account
}

func (ma *mockAccounts) LoadAccount(ctx context.Context) (*keystore.Account, error) {
	ma.mtx.Lock()
	defer ma.mtx.Unlock()
	return ma.acct.Clone(), nil
}

func (ma *mockAccounts) SetAccount(ctx context.Context, acct *keystore.Account) error {
	ma.mtx.Lock()
	ma.acct = acct.Clone()
	ma.mtx.Unlock()
	return nil
}

func (ma *mockAccounts) get() *keystore.Account {
	ma.mtx.Lock()
	defer ma.mtx.Unlock()
	return ma.acct.Clone()
}

type testHarness struct {
	o      *Orchestrator
	dialer *mockDialer
	accts  *mockAccounts
}

func newTestHarness(t testing.TB, acct *keystore.Account, cfg Config) *testHarness {
	t.Helper()
	if acct == nil {
		var err error
		acct, err = keystore.NewAccount()
		assert.NilErr(t, err)
	}
	h := &testHarness{
		dialer: newMockDialer(),
		accts:  &mockAccounts{acct: acct},
	}
	if cfg.Dialer == nil {
		cfg.Dialer = h.dialer.dial
	}
	cfg.Accounts = h.accts
	cfg.Log = testutils.TestLoggerSys(t, "LOWL")
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Hour
	}
	if cfg.TeardownDelay == 0 {
		cfg.TeardownDelay = 20 * time.Millisecond
	}
	h.o = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// connect starts a connection and returns the transport of the attempt.
func (h *testHarness) connect(t testing.TB) *mockTransport {
	t.Helper()
	assert.NilErr(t, h.o.Connect(context.Background()))
	return assert.ChanWritten(t, h.dialer.trs)
}

// login connects and completes the login.
func (h *testHarness) login(t testing.TB) *mockTransport {
	t.Helper()
	tr := h.connect(t)
	tr.deliver(t, binnode.Node{Tag: "success"})
	nextEvent[*SessionReadyEvent](t, h.o)
	return tr
}

// nextEvent asserts the next event is of type T.
func nextEvent[T Event](t testing.TB, o *Orchestrator) T {
	t.Helper()
	ev := assert.ChanWritten(t, o.Events())
	res, ok := ev.(T)
	if !ok {
		t.Fatalf("unexpected event %T (%v)", ev, ev)
	}
	return res
}

// nextSent returns the next node sent by the client.
func nextSent(t testing.TB, tr *mockTransport) binnode.Node {
	t.Helper()
	return assert.ChanWritten(t, tr.out)
}

func waitState(t testing.TB, o *Orchestrator, want State) {
	t.Helper()
	assert.Eventually(t, func() bool { return o.State() == want })
}
