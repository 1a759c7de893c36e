// Package client is the linked-device messaging client. It keeps a connection
// to the server, merges history sync and live messages into a conversation
// model, resolves contact names in the background and persists the model
// through a MessageStore.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/aliasgraph"
	"github.com/companyzero/mdlink/client/internal/debouncer"
	"github.com/companyzero/mdlink/client/internal/lowlevel"
	"github.com/companyzero/mdlink/client/internal/nameresolver"
	"github.com/companyzero/mdlink/client/internal/reconcile"
	"github.com/companyzero/mdlink/client/keystore"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// ConnState is the state of the connection to the server.
type ConnState = lowlevel.State

const (
	ConnStateDisconnected  = lowlevel.StateDisconnected
	ConnStateConnecting    = lowlevel.StateConnecting
	ConnStateHandshaking   = lowlevel.StateHandshaking
	ConnStateSynchronizing = lowlevel.StateSynchronizing
	ConnStateLive          = lowlevel.StateLive
	ConnStateReconnecting  = lowlevel.StateReconnecting
)

// Errors generated by the connection and reported through OnErrorNtfn.
type (
	ProtocolError      = lowlevel.ProtocolError
	SecureChannelError = lowlevel.SecureChannelError
	StreamError        = lowlevel.StreamError
	LoginFailureError  = lowlevel.LoginFailureError
	PairingError       = lowlevel.PairingError
	IQError            = lowlevel.IQError
)

var (
	// ErrLoggedOut is reported when the device was unlinked from the
	// account.
	ErrLoggedOut = lowlevel.ErrLoggedOut

	// ErrNotConnected is returned by calls that need the live session.
	ErrNotConnected = lowlevel.ErrNotConnected
)

// HistorySyncSummary describes a merged history sync batch.
type HistorySyncSummary struct {
	SyncType      string
	ChunkOrder    uint32
	Progress      uint32
	Conversations int
	Added         int
	Duplicates    int
	Skipped       int
}

// Config holds the necessary config for instantiating a client.
type Config struct {
	// Dialer connects to the server.
	Dialer clientintf.Dialer

	// KeyStore is the initialized store of key material. The identity of
	// the device is created in it on the first connection.
	KeyStore *keystore.Store

	// MessageStore persists the conversation model. When it has a
	// Run(context.Context) error method (such as *clientdb.DB), the
	// client runs it. A nil store disables persistence.
	MessageStore clientintf.MessageStore

	// Cipher decrypts the content of encrypted messages. Encrypted
	// messages are reported as errors when nil.
	Cipher clientintf.Cipher

	// Directory overrides the directory queries sent through the live
	// session.
	Directory clientintf.DirectoryQuerier

	Notifications *NotificationManager

	// Logger is a function that generates loggers for each of the client's
	// subsystems.
	Logger func(subsys string) slog.Logger

	// ReconnectDelay is how long to wait to reconnect after the
	// connection of a logged in session is lost.
	ReconnectDelay time.Duration

	// TeardownDelay is how long to wait before retrying after a secure
	// channel failure.
	TeardownDelay time.Duration

	// DialTimeout bounds dialing and the secure channel handshake.
	DialTimeout time.Duration

	// FlushDelay is the debounce window of persistence flushes.
	FlushDelay time.Duration

	// NameQuietPeriod is how long to wait after sync activity before
	// resolving the names of conversations.
	NameQuietPeriod time.Duration

	// NameBatchSize is the number of ids per directory query. It is capped
	// to 20.
	NameBatchSize int

	// MinPreKeys is the number of pre-keys below which an error
	// notification is generated after login.
	MinPreKeys int

	// Metrics, if set, registers the client metrics.
	Metrics prometheus.Registerer
}

// logger creates a logger for the given subsystem in the configured backend.
func (cfg *Config) logger(subsys string) slog.Logger {
	if cfg.Logger == nil {
		return slog.Disabled
	}

	return cfg.Logger(subsys)
}

// setDefaults sets default options for unset/empty config fields.
func (cfg *Config) setDefaults() {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.TeardownDelay == 0 {
		cfg.TeardownDelay = 500 * time.Millisecond
	}
	if cfg.FlushDelay == 0 {
		cfg.FlushDelay = 3 * time.Second
	}
	if cfg.NameQuietPeriod == 0 {
		cfg.NameQuietPeriod = 2 * time.Second
	}
	if cfg.MinPreKeys == 0 {
		cfg.MinPreKeys = 5
	}
}

// runnable is a store that must be run by the client.
type runnable interface {
	Run(context.Context) error
}

// Client is the main state manager of the linked device. It maintains the
// connection to the server and the conversation model.
type Client struct {
	cfg   *Config
	log   slog.Logger
	ntfns *NotificationManager
	stats *metrics

	accts    *accountStore
	o        *lowlevel.Orchestrator
	names    *aliasgraph.Graph
	engine   *reconcile.Engine
	flusher  *debouncer.Debouncer
	resolver *nameresolver.Resolver
	dir      clientintf.DirectoryQuerier

	running atomic.Bool

	// loaded is closed once the persisted model was loaded.
	loaded chan struct{}
}

// New creates a new client with the given config.
func New(cfg Config) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("dialer not specified")
	}
	if cfg.KeyStore == nil {
		return nil, errors.New("key store not specified")
	}
	cfg.setDefaults()

	ntfns := cfg.Notifications
	if ntfns == nil {
		ntfns = NewNotificationManager()
	}

	c := &Client{
		cfg:    &cfg,
		log:    cfg.logger("CLNT"),
		ntfns:  ntfns,
		stats:  newMetrics(cfg.Metrics),
		names:  aliasgraph.New(cfg.logger("ALIA")),
		loaded: make(chan struct{}),
	}
	c.accts = &accountStore{ks: cfg.KeyStore, log: cfg.logger("KEYS")}

	c.o = lowlevel.New(lowlevel.Config{
		Dialer:         cfg.Dialer,
		Accounts:       c.accts,
		ReconnectDelay: cfg.ReconnectDelay,
		TeardownDelay:  cfg.TeardownDelay,
		DialTimeout:    cfg.DialTimeout,
		OnStateChanged: c.connStateChanged,
		Log:            cfg.logger("CONN"),
	})

	c.dir = cfg.Directory
	if c.dir == nil {
		c.dir = &usyncDirectory{iq: c.o, log: c.log}
	}

	c.flusher = debouncer.New(cfg.FlushDelay, c.flush, cfg.logger("FLSH"))
	c.engine = reconcile.New(reconcile.Config{
		Aliases:       c.names,
		SelfID:        c.accts.selfID,
		Log:           cfg.logger("RECN"),
		OnChanged:     ntfns.notifyConversationsChanged,
		ScheduleFlush: c.flusher.Schedule,
		TriggerNameResolution: func() {
			c.resolver.Trigger()
		},
	})
	c.resolver = nameresolver.New(nameresolver.Config{
		Querier:     c.dir,
		Names:       c.names,
		Target:      c.engine,
		QuietPeriod: cfg.NameQuietPeriod,
		BatchSize:   cfg.NameBatchSize,
		OnStatus:    ntfns.notifySyncStatus,
		OnResolved: func([]string) {
			c.flusher.Schedule()
		},
		Log: cfg.logger("NAME"),
	})

	return c, nil
}

func (c *Client) connStateChanged(old, new lowlevel.State) {
	c.stats.connState.Set(float64(new))
	if new == lowlevel.StateConnecting {
		c.stats.connAttempts.Inc()
	}
	c.ntfns.notifyConnStatus(old, new)
}

// loadStore seeds the model with the persisted state.
func (c *Client) loadStore(ctx context.Context) error {
	store := c.cfg.MessageStore
	if store == nil {
		return nil
	}

	names, err := store.LoadContactNames(ctx)
	if err != nil {
		return fmt.Errorf("unable to load contact names: %w", err)
	}
	c.names.LoadNames(names)
	aliases, err := store.LoadAliases(ctx)
	if err != nil {
		return fmt.Errorf("unable to load aliases: %w", err)
	}
	c.names.LoadAliases(aliases)

	convs, err := store.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("unable to load conversations: %w", err)
	}
	msgs := make(map[string][]clientintf.Message, len(convs))
	for _, conv := range convs {
		convMsgs, err := store.LoadMessages(ctx, conv.ID)
		if err != nil {
			return fmt.Errorf("unable to load messages of %s: %w",
				conv.ID, err)
		}
		msgs[conv.ID] = convMsgs
	}
	c.engine.Load(convs, msgs)
	c.log.Infof("Loaded %d conversations, %d contact names and %d aliases",
		len(convs), len(names), len(aliases))
	return nil
}

// flush persists a snapshot of the model.
func (c *Client) flush(ctx context.Context) error {
	store := c.cfg.MessageStore
	if store == nil {
		return nil
	}
	c.stats.flushes.Inc()
	err := c.flushTo(ctx, store)
	if err != nil {
		c.stats.flushErrors.Inc()
	}
	return err
}

func (c *Client) flushTo(ctx context.Context, store clientintf.MessageStore) error {
	convs, msgs := c.engine.Snapshot()
	c.stats.conversations.Set(float64(len(convs)))
	if err := store.SaveConversations(ctx, convs); err != nil {
		return err
	}
	for id, convMsgs := range msgs {
		if err := store.SaveMessages(ctx, id, convMsgs); err != nil {
			return err
		}
	}
	if err := store.SaveContactNames(ctx, c.names.Names(), nil); err != nil {
		return err
	}
	return store.SaveAliases(ctx, c.names.Aliases())
}

// Run runs the client until ctx is canceled or a non recoverable error
// happens. It must be called only once.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("client already running")
	}

	g, gctx := errgroup.WithContext(ctx)

	// The store is run with its own context so that pending changes can be
	// flushed after every other subsystem stopped.
	dbCtx, dbCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer dbCancel()
	var dbDone chan struct{}
	var dbErr error
	if r, ok := c.cfg.MessageStore.(runnable); ok {
		dbDone = make(chan struct{})
		go func() {
			dbErr = r.Run(dbCtx)
			close(dbDone)
		}()
		g.Go(func() error {
			select {
			case <-dbDone:
				return fmt.Errorf("message store stopped: %w", dbErr)
			case <-gctx.Done():
				return nil
			}
		})
	}

	g.Go(func() error { return c.o.Run(gctx) })
	g.Go(func() error {
		if err := c.loadStore(gctx); err != nil {
			return err
		}
		close(c.loaded)

		g.Go(func() error { return c.flusher.Run(gctx) })
		g.Go(func() error { return c.resolver.Run(gctx) })
		g.Go(func() error { return c.runEvents(gctx) })
		return nil
	})

	err := g.Wait()

	// Changes applied while the flusher was stopping.
	if c.flusher.Pending() {
		if ferr := c.flush(dbCtx); ferr != nil {
			c.log.Errorf("Unable to flush on shutdown: %v", ferr)
		}
	}
	dbCancel()
	if dbDone != nil {
		<-dbDone
	}
	c.log.Debugf("Client stopped: %v", err)
	return err
}

// Connect starts connecting to the server. It returns immediately; progress
// is reported through OnConnStatusNtfn. It is a no-op if the client is
// already connecting or connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.o.Connect(ctx)
}

// Disconnect closes the connection to the server and stops automatic
// reconnections.
func (c *Client) Disconnect() {
	c.o.Disconnect()
}

// ConnState returns the current state of the connection.
func (c *Client) ConnState() ConnState {
	return c.o.State()
}

// SelfID returns the address of the device. It is empty until the device is
// paired.
func (c *Client) SelfID() jid.JID {
	return c.accts.selfID()
}

// Conversations returns the conversations, most recently active first.
func (c *Client) Conversations() []clientintf.Conversation {
	return c.engine.Conversations()
}

// Conversation returns the conversation with the given id.
func (c *Client) Conversation(id string) (clientintf.Conversation, bool) {
	return c.engine.Conversation(id)
}

// Messages returns the messages of the conversation, oldest first.
func (c *Client) Messages(id string) []clientintf.Message {
	return c.engine.Messages(id)
}

// ResolveDisplayName returns the best known name for id. It never fails:
// unknown ids are labeled with the local part of their address.
func (c *Client) ResolveDisplayName(id string) string {
	return c.names.ResolveDisplayName(id)
}

// SearchContacts queries the directory for the given ids. Names and aliases
// in the results update the contact-name cache and the names of the
// affected conversations.
func (c *Client) SearchContacts(ctx context.Context, ids []string) ([]clientintf.DirectoryResult, error) {
	facets := clientintf.FacetContact | clientintf.FacetAlias |
		clientintf.FacetStatus | clientintf.FacetDevices
	res, err := c.dir.QueryDirectory(ctx, ids, facets)
	if err != nil {
		return nil, err
	}

	var updated bool
	for _, dr := range res {
		if dr.Alias != "" && c.names.SetAlias(dr.ID, dr.Alias) {
			updated = true
		}
		if dr.Name != "" && c.names.SetName(dr.ID, dr.Name) {
			updated = true
		}
	}
	if updated {
		c.engine.RefreshDisplayNames(ids)
		c.flusher.Schedule()
	}
	return res, nil
}

// DeleteConversation removes the conversation and its messages from the model
// and the message store.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	select {
	case <-c.loaded:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !c.engine.DeleteConversation(id) {
		return fmt.Errorf("conversation %s: %w", id, ErrConversationNotFound)
	}
	if store := c.cfg.MessageStore; store != nil {
		if err := store.DeleteConversation(ctx, jid.Normalize(id)); err != nil {
			return err
		}
	}
	c.flusher.Schedule()
	return nil
}
