package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrSnapshotNotFound is returned by Persister.Load when nothing has been
// persisted yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// CorruptSnapshotError is returned by Persister.Load when a snapshot exists
// but cannot be decoded.
type CorruptSnapshotError struct {
	Source string
	Err    error
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("corrupt snapshot %s: %v", e.Source, e.Err)
}

func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// Persister stores the whole event log as one snapshot.
type Persister interface {
	Load(ctx context.Context) ([]Event, error)
	Save(ctx context.Context, events []Event) error
	Close() error
}

// Quarantiner is implemented by persisters that can move a corrupt snapshot
// aside instead of overwriting it. It returns where the snapshot went, or ""
// if there was nothing to move.
type Quarantiner interface {
	Quarantine(ctx context.Context) (string, error)
}

// openPersister builds the backend selected by cfg.Store.
func openPersister(cfg *Config) (Persister, error) {
	switch cfg.Store {
	case StoreFile:
		return NewFilePersister(cfg.StorePath), nil
	case StoreBadger:
		p, err := OpenBadgerPersister(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return p, nil
	case StoreSQLite, StorePostgres:
		dsn := cfg.StorePath
		if cfg.Store == StoreSQLite && !strings.HasPrefix(dsn, "sqlite://") {
			dsn = "sqlite://" + dsn
		}
		p, err := OpenSQLPersister(dsn)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// encodeSnapshot renders events as the JSON array written to disk, one event
// per line. Payloads are written byte for byte; a nil slice encodes as [].
func encodeSnapshot(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, e := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
		line, err := marshalEvent(e)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot: %w", err)
		}
		buf.Write(line)
	}
	if len(events) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

// decodeSnapshot parses a snapshot. Payloads are compacted so hand-edited or
// indented files load the same bytes intake would have stored.
func decodeSnapshot(source string, data []byte) ([]Event, error) {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, &CorruptSnapshotError{Source: source, Err: err}
	}
	for i, e := range events {
		if len(e.Data) == 0 {
			events[i].Data = json.RawMessage("null")
			continue
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.Data); err != nil {
			return nil, &CorruptSnapshotError{Source: source, Err: err}
		}
		events[i].Data = json.RawMessage(buf.Bytes())
	}
	return events, nil
}

// =============================================================================
// JSON file
// =============================================================================

// FilePersister keeps the snapshot as a single JSON file. Saves go through a
// temp file in the same directory followed by a rename, so a crash leaves
// either the old snapshot or the new one on disk.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Path() string { return p.path }

func (p *FilePersister) Load(ctx context.Context) ([]Event, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p.path, err)
	}
	return decodeSnapshot(p.path, data)
}

func (p *FilePersister) Save(ctx context.Context, events []Event) error {
	data, err := encodeSnapshot(events)
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(p.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	committed = true
	return nil
}

// Quarantine renames the current snapshot to <path>.corrupt-<unix seconds>.
func (p *FilePersister) Quarantine(ctx context.Context) (string, error) {
	dest := fmt.Sprintf("%s.corrupt-%d", p.path, time.Now().Unix())
	err := os.Rename(p.path, dest)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return dest, nil
}

func (p *FilePersister) Close() error { return nil }
