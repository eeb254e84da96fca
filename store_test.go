package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, p Persister) *EventStore {
	t.Helper()
	s, err := OpenEventStore(context.Background(), p, discardLogger())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	return s
}

// failingPersister loads an empty log and fails every save.
type failingPersister struct {
	mu    sync.Mutex
	saves int
}

func (p *failingPersister) Load(ctx context.Context) ([]Event, error) { return []Event{}, nil }

func (p *failingPersister) Save(ctx context.Context, events []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	return errors.New("disk full")
}

func (p *failingPersister) Close() error { return nil }

func TestStore_AppendOrderAndSeq(t *testing.T) {
	s := openTestStore(t, NewFilePersister(filepath.Join(t.TempDir(), "events.json")))

	for i := 0; i < 3; i++ {
		e := s.Append(fmt.Sprintf("/p%d", i), json.RawMessage(`{}`))
		if e.Seq != uint64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, e.Seq)
		}
	}

	events := s.All()
	for i, e := range events {
		if e.Path != fmt.Sprintf("/p%d", i) {
			t.Errorf("event %d: expected /p%d, got %s", i, i, e.Path)
		}
	}
}

func TestStore_ConcurrentAppendsAllRecorded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	s := openTestStore(t, NewFilePersister(path))

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Append(fmt.Sprintf("/w%d", w), json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
			}
		}(w)
	}
	wg.Wait()

	if s.Len() != workers*perWorker {
		t.Fatalf("expected %d events, got %d", workers*perWorker, s.Len())
	}

	// Each worker's events keep their relative order.
	last := map[string]int{}
	for i, e := range s.All() {
		if e.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, e.Seq)
		}
		var body struct{ I int }
		json.Unmarshal(e.Data, &body)
		if prev, ok := last[e.Path]; ok && body.I <= prev {
			t.Fatalf("%s: event %d recorded after %d", e.Path, body.I, prev)
		}
		last[e.Path] = body.I
	}

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	persisted, err := NewFilePersister(path).Load(context.Background())
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if len(persisted) != workers*perWorker {
		t.Errorf("expected %d persisted events, got %d", workers*perWorker, len(persisted))
	}
}

func TestStore_AllReturnsCopy(t *testing.T) {
	s := openTestStore(t, NewFilePersister(filepath.Join(t.TempDir(), "events.json")))
	s.Append("/a", json.RawMessage(`{}`))

	events := s.All()
	events[0].Path = "/mutated"

	if got := s.All()[0].Path; got != "/a" {
		t.Errorf("expected store to be unaffected, got %s", got)
	}
}

func TestStore_MissingSnapshotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "events.json")

	s := openTestStore(t, NewFilePersister(path))

	if s.Len() != 0 {
		t.Errorf("expected empty log, got %d", s.Len())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected snapshot to be created: %v", err)
	}
	if strings.TrimSpace(string(data)) != "[]" {
		t.Errorf("expected [], got %s", data)
	}
}

func TestStore_ReloadsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	if err := os.WriteFile(path, []byte(`[{"path":"/a","data":{"x":1}}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, NewFilePersister(path))

	events := s.All()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Path != "/a" || string(events[0].Data) != `{"x":1}` || events[0].Seq != 1 {
		t.Errorf("unexpected event: %+v", events[0])
	}

	e := s.Append("/b", json.RawMessage(`true`))
	if e.Seq != 2 {
		t.Errorf("expected appended seq 2, got %d", e.Seq)
	}
}

func TestStore_CorruptSnapshotKeptUntilFirstWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	corrupt := []byte(`[{"path":"/a", "data":`)
	if err := os.WriteFile(path, corrupt, 0o644); err != nil {
		t.Fatal(err)
	}

	s := openTestStore(t, NewFilePersister(path))

	if s.Len() != 0 {
		t.Fatalf("expected empty log, got %d", s.Len())
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(corrupt) {
		t.Fatalf("expected corrupt snapshot untouched at startup, got %s", data)
	}

	s.Append("/b", json.RawMessage(`{}`))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("expected one quarantined snapshot, found %v", matches)
	}
	moved, _ := os.ReadFile(matches[0])
	if string(moved) != string(corrupt) {
		t.Errorf("quarantined snapshot differs from original: %s", moved)
	}

	events, err := NewFilePersister(path).Load(context.Background())
	if err != nil {
		t.Fatalf("expected fresh snapshot to load: %v", err)
	}
	if len(events) != 1 || events[0].Path != "/b" {
		t.Errorf("unexpected fresh snapshot: %+v", events)
	}
}

func TestStore_PersistFailureDoesNotAffectAppend(t *testing.T) {
	p := &failingPersister{}
	s := openTestStore(t, p)

	s.Append("/a", json.RawMessage(`{}`))
	if err := s.Flush(context.Background()); err == nil {
		t.Error("expected flush to report the save failure")
	}

	// Intake keeps working and the log keeps growing.
	s.Append("/b", json.RawMessage(`{}`))
	if s.Len() != 2 {
		t.Errorf("expected 2 events in memory, got %d", s.Len())
	}
}

func (p *failingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}

func TestStore_FlushAfterBackgroundFailureStillFails(t *testing.T) {
	p := &failingPersister{}
	s := openTestStore(t, p)

	s.Append("/a", json.RawMessage(`{}`))
	deadline := time.Now().Add(5 * time.Second)
	for p.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the background write")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The failed background write must not mark the log as persisted.
	for i := 0; i < 2; i++ {
		if err := s.Flush(context.Background()); err == nil {
			t.Fatalf("flush %d: expected the unsaved event to be reported", i+1)
		}
	}
	if got := p.count(); got < 3 {
		t.Errorf("expected each flush to retry the save, got %d saves", got)
	}
}

func TestStore_AppendFuncRunsInLogOrder(t *testing.T) {
	s := openTestStore(t, NewFilePersister(filepath.Join(t.TempDir(), "events.json")))

	var (
		mu   sync.Mutex
		seen []uint64
	)
	record := func(e Event) {
		mu.Lock()
		seen = append(seen, e.Seq)
		mu.Unlock()
	}

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.AppendFunc("/p", json.RawMessage(`{}`), record)
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("expected %d callbacks, got %d", workers*perWorker, len(seen))
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("callback %d saw seq %d", i, seq)
		}
	}
}

func TestStore_UnreadableSnapshotFailsOpen(t *testing.T) {
	dir := t.TempDir()
	// A directory where the file should be cannot be read as a snapshot.
	path := filepath.Join(dir, "events.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	_, err := OpenEventStore(context.Background(), NewFilePersister(path), discardLogger())
	if err == nil {
		t.Fatal("expected open to fail")
	}
}

func TestStore_CloseFlushesAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	s, err := OpenEventStore(context.Background(), NewFilePersister(path), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	s.Append("/a", json.RawMessage(`{}`))

	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := s.Flush(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed after close, got %v", err)
	}

	events, err := NewFilePersister(path).Load(context.Background())
	if err != nil || len(events) != 1 {
		t.Errorf("expected 1 persisted event, got %d (err %v)", len(events), err)
	}
}
