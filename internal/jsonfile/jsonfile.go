// Package jsonfile reads and atomically writes json encoded files.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// writeTemp encodes data into the temp file fname and syncs it to disk.
func writeTemp(fname string, data interface{}) error {
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(data); err != nil {
		f.Close()
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}
	return nil
}

// Write data to a temp file, then renames the temp file to the passed
// filename in json format. Readers never observe a partially written file.
//
// log is used to log warnings that are not fatal to the Write() operation.
func Write(fname string, data interface{}, log slog.Logger) error {
	dir := filepath.Dir(fname)
	tempFname := filepath.Join(dir, "."+filepath.Base(fname)+".new")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	err := writeTemp(tempFname, data)
	if err == nil {
		err = os.Rename(tempFname, fname)
		if err != nil {
			err = fmt.Errorf("unable to rename temp file to final file: %w", err)
		}
	}
	if err != nil {
		if remErr := RemoveIfExists(tempFname); log != nil && remErr != nil {
			log.Warnf("Unable to remove temp file %s: %v", tempFname, remErr)
		}
	}
	return err
}

// Read the first json message from the given filename and decodes it into
// data. It returns ErrNotFound if the file does not exist.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(data); err != nil {
		return fmt.Errorf("unable to decode %s: %w", filepath.Base(fname), err)
	}
	return nil
}

// RemoveIfExists removes the filename if it exists. If it does not exist, this
// doesn't return an error.
func RemoveIfExists(fname string) error {
	err := os.Remove(fname)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
