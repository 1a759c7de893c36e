// Package nameresolver resolves the names of conversations that do not have
// one yet by querying the contact directory in the background.
package nameresolver

import (
	"context"
	"sync"
	"time"

	"github.com/companyzero/mdlink/client/clientintf"
	"github.com/companyzero/mdlink/client/internal/aliasgraph"
	"github.com/companyzero/mdlink/jid"
	"github.com/decred/slog"
)

// MaxBatchSize is the maximum number of identities queried in a single
// directory request.
const MaxBatchSize = 20

// StatusFetching is the sync status reported while names are being fetched.
const StatusFetching = "Fetching names…"

// Target is the conversation model whose names are resolved.
type Target interface {
	// NakedConversationIDs returns the conversations without a real name.
	NakedConversationIDs() []string

	// RefreshDisplayNames re-derives the names of the given conversations
	// and returns the ones that changed.
	RefreshDisplayNames(ids []string) []string
}

// Config is the configuration of a Resolver.
type Config struct {
	Querier clientintf.DirectoryQuerier
	Names   *aliasgraph.Graph
	Target  Target

	// QuietPeriod is how long to wait after the last trigger before
	// starting a resolution pass.
	QuietPeriod time.Duration

	// BatchSize is capped to MaxBatchSize.
	BatchSize int

	// OnStatus is called with StatusFetching when a pass starts and with
	// an empty status when it ends.
	OnStatus func(status string)

	// OnResolved is called with the ids that had their cached names or
	// aliases updated by a pass.
	OnResolved func(ids []string)

	Log slog.Logger
}

// Resolver runs the background name resolution passes.
type Resolver struct {
	cfg         Config
	log         slog.Logger
	triggerChan chan struct{}
}

// New creates a new resolver.
func New(cfg Config) *Resolver {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(string) {}
	}
	if cfg.OnResolved == nil {
		cfg.OnResolved = func([]string) {}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Resolver{
		cfg:         cfg,
		log:         log,
		triggerChan: make(chan struct{}, 1),
	}
}

// Trigger requests a resolution pass after the quiet period. A running pass
// is canceled. It does not block.
func (r *Resolver) Trigger() {
	select {
	case r.triggerChan <- struct{}{}:
	default:
	}
}

// resolve runs a single resolution pass. Cancellation is checked before every
// directory query.
func (r *Resolver) resolve(ctx context.Context) {
	ids := r.cfg.Target.NakedConversationIDs()
	if len(ids) == 0 {
		return
	}

	r.log.Debugf("Resolving names of %d conversations", len(ids))
	r.cfg.OnStatus(StatusFetching)
	defer r.cfg.OnStatus("")

	var updated, renamed []string
	facets := clientintf.FacetContact | clientintf.FacetAlias
	for start := 0; start < len(ids); start += r.cfg.BatchSize {
		if ctx.Err() != nil {
			r.log.Debugf("Name resolution superseded after %d of %d "+
				"conversations", start, len(ids))
			break
		}

		batch := ids[start:min(start+r.cfg.BatchSize, len(ids))]
		res, err := r.cfg.Querier.QueryDirectory(ctx, batch, facets)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.log.Warnf("Unable to query directory for %d ids: %v",
				len(batch), err)
			continue
		}

		for _, dr := range res {
			var changed bool
			if dr.Alias != "" {
				changed = r.cfg.Names.SetAlias(dr.ID, dr.Alias)
			}
			if dr.Name != "" && r.cfg.Names.SetName(dr.ID, dr.Name) {
				changed = true
			}
			if changed {
				updated = append(updated, jid.Normalize(dr.ID))
			}
		}
		renamed = append(renamed, r.cfg.Target.RefreshDisplayNames(batch)...)
	}

	if len(updated) > 0 {
		r.cfg.OnResolved(updated)
	}
	r.log.Infof("Resolved names of %d conversations (%d directory "+
		"entries updated)", len(renamed), len(updated))
}

// Run runs the resolver until ctx is canceled.
func (r *Resolver) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var timerChan <-chan time.Time
	cancelTask := func() {}

loop:
	for {
		select {
		case <-r.triggerChan:
			cancelTask()
			timerChan = time.After(r.cfg.QuietPeriod)

		case <-timerChan:
			timerChan = nil
			var taskCtx context.Context
			taskCtx, cancelTask = context.WithCancel(ctx)
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.resolve(taskCtx)
			}()

		case <-ctx.Done():
			break loop
		}
	}

	cancelTask()
	wg.Wait()
	return ctx.Err()
}
