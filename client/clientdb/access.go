// Package clientdb is the filesystem persistence of the conversation model:
// conversation summaries, per-conversation message lists, the contact-name
// cache and the alias graph, stored as json files under a root dir.
package clientdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/companyzero/mdlink/lockfile"
	"github.com/decred/slog"
)

const (
	lockFileName      = "db.lock"
	conversationsFile = "conversations.json"
	messagesDir       = "messages"
	contactNamesFile  = "contactnames.json"
	aliasesFile       = "aliases.json"

	// DefaultMaxMessages is the default number of messages retained per
	// conversation.
	DefaultMaxMessages = 1000
)

type Config struct {
	// Root is where the db data is stored.
	Root string

	// MaxMessages is the maximum number of messages retained per
	// conversation. The oldest messages (by timestamp) are dropped first.
	MaxMessages int

	Logger slog.Logger
}

// DB is the filesystem database. Operations block until Run() is called.
type DB struct {
	cfg  Config
	log  slog.Logger
	root string

	mtx     sync.Mutex
	running chan struct{}
	runCtx  context.Context
}

// New creates a new DB, creating the root dir if needed.
func New(cfg Config) (*DB, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("unable to determine DB root: %v", err)
	}

	finfo, err := os.Stat(root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(root, 0o700); err != nil {
			return nil, err
		}

	case err == nil:
		if !finfo.IsDir() {
			return nil, fmt.Errorf("root %q is not a dir", root)
		}

	default:
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(root, messagesDir), 0o700); err != nil {
		return nil, err
	}

	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	log := slog.Disabled
	if cfg.Logger != nil {
		log = cfg.Logger
	}

	return &DB{
		cfg:     cfg,
		log:     log,
		root:    root,
		running: make(chan struct{}),
	}, nil
}

// Run runs the DB. This should not be called twice for the same db.
func (db *DB) Run(ctx context.Context) error {
	// Attempt to get the lockfile with a small timeout so that we error
	// out immediately instead of waiting until the outer context is
	// canceled.
	lfCtx, cancel := context.WithTimeout(ctx, time.Second)
	lockFilePath := filepath.Join(db.root, lockFileName)
	lockFile, err := lockfile.Create(lfCtx, lockFilePath)
	cancel()
	if err != nil {
		return fmt.Errorf("%w %q: %v", errCreateLockFile, lockFilePath, err)
	}

	db.mtx.Lock()
	db.runCtx = ctx
	close(db.running)
	db.mtx.Unlock()
	db.log.Debugf("Running db at %s", db.root)

	<-ctx.Done()

	if err := lockFile.Close(); err != nil {
		db.log.Errorf("Unable to close lock file: %v", err)
	}
	return ctx.Err()
}

// RunStarted is closed once Run() acquired the lock file.
func (db *DB) RunStarted() <-chan struct{} {
	return db.running
}

// access runs f with exclusive access to the db files. The context passed to
// f is canceled when either ctx or the run context is done.
func (db *DB) access(ctx context.Context, f func(ctx context.Context) error) error {
	select {
	case <-db.running:
	case <-ctx.Done():
		return ctx.Err()
	}

	db.mtx.Lock()
	defer db.mtx.Unlock()
	if db.runCtx.Err() != nil {
		return errNotRunning
	}
	ctx, cancel := multiCtx(ctx, db.runCtx)
	defer cancel()
	return f(ctx)
}
