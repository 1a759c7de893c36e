package clientdb

import (
	"context"
	"errors"
	"sync"

	"github.com/companyzero/mdlink/internal/jsonfile"
)

// multiCtx returns a context that gets canceled when any one of the passed
// contexts are canceled.
func multiCtx(ctxs ...context.Context) (context.Context, func()) {
	gctx, gcancel := context.WithCancel(context.Background())
	var once sync.Once
	cancel := func() {
		once.Do(gcancel)
	}
	for _, ctx := range ctxs {
		ctx := ctx
		go func() {
			select {
			case <-gctx.Done():
			case <-ctx.Done():
				cancel()
			}
		}()
	}
	return gctx, cancel
}

func (db *DB) saveJsonFile(fname string, data interface{}) error {
	return jsonfile.Write(fname, data, db.log)
}

func (db *DB) readJsonFile(fname string, data interface{}) error {
	err := jsonfile.Read(fname, data)
	if errors.Is(err, jsonfile.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
