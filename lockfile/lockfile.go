// Package lockfile provides an exclusive, process-wide lock over a data dir.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rogpeppe/go-internal/lockedfile"
)

var errNilLockFile = errors.New("nil internal locked file")

// LockFile holds the lockfile.
type LockFile struct {
	f    *lockedfile.File
	path string
}

// Path returns the path of the lock file.
func (lf *LockFile) Path() string {
	return lf.path
}

// Close releases the lock.
func (lf *LockFile) Close() error {
	if lf == nil || lf.f == nil {
		return errNilLockFile
	}
	return lf.f.Close()
}

// writeOwner writes out the identification of the process holding the lock
// to ease debugging.
func writeOwner(w io.Writer) {
	host, _ := os.Hostname()
	procName := ""
	if len(os.Args) > 0 {
		procName = os.Args[0]
	}
	fmt.Fprintf(w, "PID=%d\nHost=%q\nProcess=%q\nSince=%s\n", os.Getpid(),
		host, procName, time.Now().Format(time.RFC3339))
}

// Create acquires the lock file at filePath, creating it (and its dir) if
// needed. It blocks until the lock is acquired or ctx is done.
func Create(ctx context.Context, filePath string) (*LockFile, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
		return nil, err
	}

	type result struct {
		f   *lockedfile.File
		err error
	}
	c := make(chan result, 1)
	go func() {
		f, err := lockedfile.Create(filePath)
		c <- result{f, err}
	}()

	select {
	case res := <-c:
		if res.err != nil {
			return nil, res.err
		}
		// Errors writing the owner are not fatal.
		writeOwner(res.f)
		return &LockFile{f: res.f, path: filePath}, nil

	case <-ctx.Done():
		// The file may still (eventually) be locked, so make sure it
		// is released if it ever is.
		go func() {
			if res := <-c; res.f != nil {
				res.f.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
