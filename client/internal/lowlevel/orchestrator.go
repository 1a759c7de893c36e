package lowlevel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/mdlink/binnode"
	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/internal/logutil"
	"github.com/decred/slog"
)

// AccountStore provides access to the identity material of the device.
type AccountStore interface {
	// LoadAccount returns the account, initializing the identity
	// material if it does not exist yet.
	LoadAccount(ctx context.Context) (*keystore.Account, error)

	// SetAccount persists the updated account.
	SetAccount(ctx context.Context, acct *keystore.Account) error
}

// Config is the configuration of an Orchestrator.
type Config struct {
	Dialer   clientintf.Dialer
	Accounts AccountStore

	// ReconnectDelay is the delay before reconnecting after the
	// connection of a logged in session is lost.
	ReconnectDelay time.Duration

	// TeardownDelay is the delay before retrying after a secure channel
	// failure.
	TeardownDelay time.Duration

	// DialTimeout bounds the time to dial and complete the handshake.
	DialTimeout time.Duration

	// EventsBuffer is the capacity of the events channel.
	EventsBuffer int

	// OnStateChanged is called on every state change. It must not block.
	OnStateChanged func(old, new State)

	Log slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.TeardownDelay <= 0 {
		cfg.TeardownDelay = 500 * time.Millisecond
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.EventsBuffer <= 0 {
		cfg.EventsBuffer = 64
	}
	if cfg.OnStateChanged == nil {
		cfg.OnStateChanged = func(State, State) {}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
)

type command struct {
	kind cmdKind
}

type attemptResult struct {
	id   uint64
	sess *session
	err  error
}

type sessResult struct {
	sess *session
	err  error
}

// Orchestrator maintains the connection to the server. Only a single
// connection attempt or session is active at any one time.
//
// Inbound nodes that are not handled internally are emitted in order through
// Events(). Consumers of Events() must not wait for SendIQ() responses in the
// goroutine that reads events.
type Orchestrator struct {
	cfg Config
	log slog.Logger
	ids *idGenerator

	state      atomic.Int32
	stateMtx   sync.Mutex
	nextConnID atomic.Uint64

	events      chan Event
	cmdSignal   chan struct{}
	dialedChan  chan uint64
	attemptChan chan attemptResult
	sessChan    chan sessResult
	inbound     chan sessNode

	// connMtx is the connect guard. It protects attempting, sess and
	// pendingCmd. Only the latest command is kept: every command resets
	// the connection before it is applied.
	connMtx    sync.Mutex
	attempting bool
	sess       *session
	pendingCmd *command
}

// New creates a new orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{
		cfg:         cfg,
		log:         cfg.Log,
		ids:         newIDGenerator(),
		events:      make(chan Event, cfg.EventsBuffer),
		cmdSignal:   make(chan struct{}, 1),
		dialedChan:  make(chan uint64),
		attemptChan: make(chan attemptResult),
		sessChan:    make(chan sessResult),
		inbound:     make(chan sessNode),
	}
}

// State returns the current connection state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) setState(s State) {
	o.stateMtx.Lock()
	old := State(o.state.Swap(int32(s)))
	if old != s {
		o.log.Debugf("Connection state %s -> %s", old, s)
		o.cfg.OnStateChanged(old, s)
	}
	o.stateMtx.Unlock()
}

// Events returns the channel where events are sent.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}

// beginAttempt marks a connection attempt as started. It returns false if an
// attempt is in progress or a session is active.
func (o *Orchestrator) beginAttempt() bool {
	o.connMtx.Lock()
	defer o.connMtx.Unlock()
	if o.attempting || o.sess != nil {
		return false
	}
	o.attempting = true
	return true
}

// Connect requests a connection to the server. It is a no-op if a connection
// attempt is already in progress or a session is active. It does not wait for
// Run to pick up the request.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.connMtx.Lock()
	if o.attempting || o.sess != nil {
		o.connMtx.Unlock()
		o.log.Debugf("Ignoring connect request: already connecting or connected")
		return nil
	}
	o.attempting = true
	o.queueCmd(command{kind: cmdConnect})
	o.connMtx.Unlock()
	return nil
}

// Disconnect tears down the active session and cancels any connection
// attempt or pending reconnection. Persisted identity and session material
// are not affected.
func (o *Orchestrator) Disconnect() {
	o.connMtx.Lock()
	sess := o.sess
	o.sess = nil
	o.attempting = false
	o.queueCmd(command{kind: cmdDisconnect})
	o.connMtx.Unlock()
	if sess != nil {
		go sess.RequestClose(errSessRequestedClose)
	}
}

// queueCmd replaces the pending command and signals Run. It never blocks.
// connMtx must be held.
func (o *Orchestrator) queueCmd(cmd command) {
	o.pendingCmd = &cmd
	select {
	case o.cmdSignal <- struct{}{}:
	default:
	}
}

// takeCmd returns the pending command, if any. The session published by an
// attempt that completed after the command was queued is cleared, since Run
// drops it when applying the command.
func (o *Orchestrator) takeCmd() *command {
	o.connMtx.Lock()
	defer o.connMtx.Unlock()
	cmd := o.pendingCmd
	if cmd == nil {
		return nil
	}
	o.pendingCmd = nil
	o.sess = nil
	if cmd.kind == cmdDisconnect {
		o.attempting = false
	}
	return cmd
}

func (o *Orchestrator) currentSession() (*session, error) {
	o.connMtx.Lock()
	sess := o.sess
	o.connMtx.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// SendNode sends a node through the active session.
func (o *Orchestrator) SendNode(ctx context.Context, n binnode.Node) error {
	sess, err := o.currentSession()
	if err != nil {
		return err
	}
	return sess.send(ctx, n)
}

// SendIQ sends an iq request through the active session and waits for its
// response. Responses of type error are returned as IQError.
func (o *Orchestrator) SendIQ(ctx context.Context, n binnode.Node) (*binnode.Node, error) {
	sess, err := o.currentSession()
	if err != nil {
		return nil, err
	}
	return sess.sendIQ(ctx, n)
}

// attempt performs a single connection attempt: it loads the identity
// material, dials the server and establishes the secure channel.
func (o *Orchestrator) attempt(ctx context.Context, id uint64) (*session, error) {
	log := logutil.PrefixLogger(o.log, fmt.Sprintf("conn %d:", id))

	acct, err := o.cfg.Accounts.LoadAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load account: %w", err)
	}
	payload, err := makeLoginPayload(acct)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, o.cfg.DialTimeout)
	defer cancel()

	log.Tracef("Attempting to call dialer")
	tr, err := o.cfg.Dialer(dialCtx)
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, errors.New("invalid dialer returned nil transport")
	}

	// Run applies the state change only if this is still the current
	// attempt.
	select {
	case o.dialedChan <- id:
	case <-ctx.Done():
		tr.Close()
		return nil, ctx.Err()
	}
	if err := tr.EstablishSecureChannel(dialCtx, acct.NoiseKey, payload); err != nil {
		tr.Close()
		if !errors.Is(err, SecureChannelError{}) {
			err = SecureChannelError{Err: err}
		}
		return nil, err
	}

	log.Debugf("Secure channel established (paired: %v)", acct.Paired())
	return newSession(id, tr, o.ids, log), nil
}

// launchAttempt starts a connection attempt. beginAttempt() must have
// returned true.
func (o *Orchestrator) launchAttempt(ctx context.Context, wg *sync.WaitGroup) (uint64, context.CancelFunc) {
	o.setState(StateConnecting)
	actx, cancel := context.WithCancel(ctx)
	id := o.nextConnID.Add(1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess, err := o.attempt(actx, id)
		select {
		case o.attemptChan <- attemptResult{id: id, sess: sess, err: err}:
		case <-ctx.Done():
			if sess != nil {
				sess.tr.Close()
			}
		}
	}()
	return id, cancel
}

func (o *Orchestrator) runSession(ctx context.Context, sess *session, wg *sync.WaitGroup) {
	defer wg.Done()
	err := sess.Run(ctx, o.inbound)
	select {
	case o.sessChan <- sessResult{sess: sess, err: err}:
	case <-ctx.Done():
	}
}

// Run runs the orchestrator until the context is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var cur *session
	var curAttempt uint64
	var reconnectChan <-chan time.Time
	cancelAttempt := func() {}

	// securityRetried tracks whether the automatic reconnection after a
	// secure channel failure was already used in the current failure
	// streak.
	var securityRetried bool

	startAttempt := func() {
		curAttempt, cancelAttempt = o.launchAttempt(ctx, &wg)
	}
	reconnect := func(delay time.Duration) {
		o.setState(StateReconnecting)
		reconnectChan = time.After(delay)
		o.log.Infof("Reconnecting in %s", delay)
	}
	dropSession := func() {
		if cur != nil {
			go cur.RequestClose(errSessRequestedClose)
			cur = nil
		}
	}

	o.log.Trace("Starting connection orchestrator")
nextAction:
	for {
		select {
		case <-o.cmdSignal:
			cmd := o.takeCmd()
			if cmd == nil {
				continue nextAction
			}
			reconnectChan = nil
			cancelAttempt()
			curAttempt = 0
			dropSession()

			switch cmd.kind {
			case cmdConnect:
				startAttempt()

			case cmdDisconnect:
				o.setState(StateDisconnected)
			}

		case id := <-o.dialedChan:
			if id == curAttempt {
				o.setState(StateHandshaking)
			}

		case res := <-o.attemptChan:
			if res.id != curAttempt {
				// Superseded attempt.
				if res.sess != nil {
					res.sess.tr.Close()
				}
				continue nextAction
			}
			curAttempt = 0

			o.connMtx.Lock()
			o.attempting = false
			if res.err == nil {
				o.sess = res.sess
			}
			o.connMtx.Unlock()

			switch {
			case res.err == nil:
				cur = res.sess
				wg.Add(1)
				go o.runSession(ctx, cur, &wg)

			case ctx.Err() != nil:
				o.log.Debugf("Canceled connection attempt: %v", res.err)

			case errors.Is(res.err, SecureChannelError{}) && !securityRetried:
				o.log.Warnf("Secure channel failure: %v", res.err)
				securityRetried = true
				reconnect(o.cfg.TeardownDelay)

			default:
				o.log.Errorf("Unable to connect: %v", res.err)
				o.setState(StateDisconnected)
				o.emit(ctx, &ErrorEvent{Err: res.err})
			}

		case sn := <-o.inbound:
			if sn.sess != cur {
				continue nextAction
			}
			if o.handleNode(ctx, sn.sess, &sn.node, &wg) {
				securityRetried = false
			}

		case res := <-o.sessChan:
			if res.sess != cur {
				continue nextAction
			}
			cur = nil
			o.connMtx.Lock()
			if o.sess == res.sess {
				o.sess = nil
			}
			o.connMtx.Unlock()

			sess := res.sess
			switch {
			case sess.restart.Load():
				o.log.Infof("Restarting connection as requested by server")
				if o.beginAttempt() {
					startAttempt()
				}

			case errors.Is(res.err, errSessRequestedClose), ctx.Err() != nil:
				o.log.Infof("Disconnected from server as requested")

			case sess.ended.Load():
				o.setState(StateDisconnected)

			case sess.registered.Load():
				o.log.Warnf("Connection to server lost: %v", res.err)
				reconnect(o.cfg.ReconnectDelay)

			default:
				o.log.Errorf("Connection closed before login: %v", res.err)
				o.setState(StateDisconnected)
				o.emit(ctx, &ErrorEvent{Err: res.err})
			}

		case <-reconnectChan:
			reconnectChan = nil
			if o.beginAttempt() {
				startAttempt()
			}

		case <-ctx.Done():
			break nextAction
		}
	}

	o.log.Debug("Shutting down connection to server")
	cancelAttempt()
	wg.Wait()
	o.setState(StateDisconnected)
	return ctx.Err()
}
