// Package debouncer collapses bursts of persistence requests into a single
// flush.
package debouncer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

// Debouncer calls its flush function once the configured delay elapses
// without new calls to Schedule.
type Debouncer struct {
	delay time.Duration
	flush func(context.Context) error
	log   slog.Logger

	pending      atomic.Bool
	scheduleChan chan struct{}
}

// New creates a new debouncer. Errors returned by flush are logged.
func New(delay time.Duration, flush func(context.Context) error, log slog.Logger) *Debouncer {
	if log == nil {
		log = slog.Disabled
	}
	return &Debouncer{
		delay:        delay,
		flush:        flush,
		log:          log,
		scheduleChan: make(chan struct{}, 1),
	}
}

// Schedule requests a flush. The flush timer is restarted on every call. It
// does not block.
func (d *Debouncer) Schedule() {
	d.pending.Store(true)
	select {
	case d.scheduleChan <- struct{}{}:
	default:
	}
}

// Pending returns true if a flush has been scheduled but has not started yet.
func (d *Debouncer) Pending() bool {
	return d.pending.Load()
}

func (d *Debouncer) doFlush(ctx context.Context) {
	d.pending.Store(false)
	start := time.Now()
	if err := d.flush(ctx); err != nil {
		d.log.Errorf("Unable to flush: %v", err)
		return
	}
	d.log.Debugf("Flushed in %s", time.Since(start).Truncate(time.Millisecond))
}

// Run runs the debouncer until ctx is canceled. A pending flush is executed
// before returning.
func (d *Debouncer) Run(ctx context.Context) error {
	var timerChan <-chan time.Time

loop:
	for {
		select {
		case <-d.scheduleChan:
			d.log.Tracef("Flush scheduled in %s", d.delay)
			timerChan = time.After(d.delay)

		case <-timerChan:
			timerChan = nil
			d.doFlush(ctx)

		case <-ctx.Done():
			break loop
		}
	}

	if d.pending.Load() {
		d.log.Debugf("Flushing pending changes before shutdown")
		d.doFlush(context.WithoutCancel(ctx))
	}
	return ctx.Err()
}
