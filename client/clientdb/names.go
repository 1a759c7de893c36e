package clientdb

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/companyzero/mdlink/jid"
)

func (db *DB) loadStringMap(fname string) (map[string]string, error) {
	res := make(map[string]string)
	err := db.readJsonFile(fname, &res)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	return res, err
}

// SaveContactNames merges the names into the saved contact names. If
// restrictTo is not empty, only the names of those ids are saved.
func (db *DB) SaveContactNames(ctx context.Context, names map[string]string, restrictTo []string) error {
	return db.access(ctx, func(ctx context.Context) error {
		fname := filepath.Join(db.root, contactNamesFile)
		saved, err := db.loadStringMap(fname)
		if err != nil {
			return err
		}

		var changed int
		set := func(id, name string) {
			id = jid.Normalize(id)
			if id == "" || name == "" || saved[id] == name {
				return
			}
			saved[id] = name
			changed++
		}
		if len(restrictTo) > 0 {
			for _, id := range restrictTo {
				if name, ok := names[id]; ok {
					set(id, name)
				} else if name, ok := names[jid.Normalize(id)]; ok {
					set(id, name)
				}
			}
		} else {
			for id, name := range names {
				set(id, name)
			}
		}
		if changed == 0 {
			return nil
		}
		db.log.Debugf("Saving %d updated contact names", changed)
		return db.saveJsonFile(fname, saved)
	})
}

// LoadContactNames returns the saved contact names.
func (db *DB) LoadContactNames(ctx context.Context) (map[string]string, error) {
	var res map[string]string
	err := db.access(ctx, func(ctx context.Context) error {
		var err error
		res, err = db.loadStringMap(filepath.Join(db.root, contactNamesFile))
		return err
	})
	return res, err
}

// SaveAliases replaces the saved alias edges.
func (db *DB) SaveAliases(ctx context.Context, aliases map[string]string) error {
	return db.access(ctx, func(ctx context.Context) error {
		if aliases == nil {
			aliases = map[string]string{}
		}
		return db.saveJsonFile(filepath.Join(db.root, aliasesFile), aliases)
	})
}

// LoadAliases returns the saved alias edges.
func (db *DB) LoadAliases(ctx context.Context) (map[string]string, error) {
	var res map[string]string
	err := db.access(ctx, func(ctx context.Context) error {
		var err error
		res, err = db.loadStringMap(filepath.Join(db.root, aliasesFile))
		return err
	})
	return res, err
}
