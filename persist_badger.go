package main

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// Key holding the JSON snapshot. The "snapshot:" prefix leaves room for other
// keys in the same database.
const badgerSnapshotKey = "snapshot:events"

// BadgerPersister keeps the snapshot as a single value in a BadgerDB.
type BadgerPersister struct {
	db *badger.DB
}

// OpenBadgerPersister opens the database at dir. An empty dir or ":memory:"
// gives an in-memory database that is lost on restart.
func OpenBadgerPersister(dir string) (*BadgerPersister, error) {
	var opts badger.Options
	if dir == "" || dir == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}

	// Badger logs every compaction at INFO.
	opts = opts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerPersister{db: db}, nil
}

func (p *BadgerPersister) Load(ctx context.Context) ([]Event, error) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerSnapshotKey))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return decodeSnapshot(badgerSnapshotKey, data)
}

func (p *BadgerPersister) Save(ctx context.Context, events []Event) error {
	data, err := encodeSnapshot(events)
	if err != nil {
		return err
	}
	err = p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerSnapshotKey), data)
	})
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Quarantine copies a corrupt snapshot to "snapshot:events:corrupt" and
// removes the original key.
func (p *BadgerPersister) Quarantine(ctx context.Context) (string, error) {
	dest := badgerSnapshotKey + ":corrupt"
	err := p.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerSnapshotKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(dest), val); err != nil {
			return err
		}
		return txn.Delete([]byte(badgerSnapshotKey))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (p *BadgerPersister) Close() error {
	return p.db.Close()
}
