package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

var sampleEvents = []Event{
	{Path: "/a", Data: json.RawMessage(`{"x":1}`)},
	{Path: "/b/c", Data: json.RawMessage(`[1,"two",null]`)},
	{Path: "/d", Data: json.RawMessage(`{"html":"<b>&</b>","s":"a\u00e9"}`)},
}

// exercisePersister runs the round trip every backend must support.
func exercisePersister(t *testing.T, p Persister) {
	t.Helper()
	ctx := context.Background()

	if err := p.Save(ctx, sampleEvents); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != len(sampleEvents) {
		t.Fatalf("expected %d events, got %d", len(sampleEvents), len(got))
	}
	for i := range sampleEvents {
		if got[i].Path != sampleEvents[i].Path || string(got[i].Data) != string(sampleEvents[i].Data) {
			t.Errorf("event %d: expected %s %s, got %s %s", i,
				sampleEvents[i].Path, sampleEvents[i].Data, got[i].Path, got[i].Data)
		}
	}

	// A shorter save replaces the whole snapshot.
	if err := p.Save(ctx, sampleEvents[:1]); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	got, err = p.Load(ctx)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 event after replace, got %d", len(got))
	}
}

// =============================================================================
// File
// =============================================================================

func TestFilePersister_RoundTrip(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "events.json"))
	exercisePersister(t, p)
}

func TestFilePersister_NotFound(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "missing.json"))

	_, err := p.Load(context.Background())
	if !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

func TestFilePersister_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644)

	_, err := NewFilePersister(path).Load(context.Background())

	var corrupt *CorruptSnapshotError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CorruptSnapshotError, got %v", err)
	}
	if corrupt.Source != path {
		t.Errorf("expected source %s, got %s", path, corrupt.Source)
	}
}

func TestFilePersister_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePersister(filepath.Join(dir, "events.json"))

	if err := p.Save(context.Background(), sampleEvents); err != nil {
		t.Fatal(err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != "events.json" {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only events.json, found %v", names)
	}
}

func TestFilePersister_EmptySavesArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	p := NewFilePersister(path)

	if err := p.Save(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	got, err := p.Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty log, got %d", len(got))
	}
}

func TestFilePersister_SnapshotLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	p := NewFilePersister(path)

	if err := p.Save(context.Background(), sampleEvents[:1]); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "[\n{\"path\":\"/a\",\"data\":{\"x\":1}}\n]\n"; string(data) != want {
		t.Errorf("expected %q, got %q", want, data)
	}

	if err := p.Save(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "[]\n" {
		t.Errorf("expected empty array, got %q", data)
	}
}

func TestFilePersister_IndentedSnapshotLoadsCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	indented := `[
  {
    "path": "/a",
    "data": {
      "x": 1,
      "y": [ true, null ]
    }
  }
]`
	if err := os.WriteFile(path, []byte(indented), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := NewFilePersister(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != `{"x":1,"y":[true,null]}` {
		t.Errorf("expected compacted payload, got %+v", got)
	}
}

func TestFilePersister_QuarantineMissingIsNoop(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "events.json"))

	moved, err := p.Quarantine(context.Background())
	if err != nil || moved != "" {
		t.Errorf("expected no-op, got %q, %v", moved, err)
	}
}

// =============================================================================
// Badger
// =============================================================================

func TestBadgerPersister_RoundTrip(t *testing.T) {
	p, err := OpenBadgerPersister(":memory:")
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	defer p.Close()

	if _, err := p.Load(context.Background()); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound on empty db, got %v", err)
	}
	exercisePersister(t, p)
}

func TestBadgerPersister_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenBadgerPersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Save(context.Background(), sampleEvents); err != nil {
		t.Fatal(err)
	}
	p.Close()

	p, err = OpenBadgerPersister(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	got, err := p.Load(context.Background())
	if err != nil || len(got) != len(sampleEvents) {
		t.Errorf("expected %d events after reopen, got %d (err %v)", len(sampleEvents), len(got), err)
	}
}

func TestBadgerPersister_Quarantine(t *testing.T) {
	p, err := OpenBadgerPersister(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	ctx := context.Background()

	p.Save(ctx, sampleEvents)
	moved, err := p.Quarantine(ctx)
	if err != nil {
		t.Fatalf("quarantine failed: %v", err)
	}
	if moved != badgerSnapshotKey+":corrupt" {
		t.Errorf("unexpected quarantine key %q", moved)
	}
	if _, err := p.Load(ctx); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected snapshot key removed, got %v", err)
	}
}

// =============================================================================
// SQL
// =============================================================================

func TestSQLPersister_SQLite(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "db", "events.db")
	p, err := OpenSQLPersister(dsn)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer p.Close()

	got, err := p.Load(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty log on fresh database, got %d (err %v)", len(got), err)
	}
	exercisePersister(t, p)
}

func TestSQLPersister_MigrationsIdempotent(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "events.db")
	p, err := OpenSQLPersister(dsn)
	if err != nil {
		t.Fatal(err)
	}
	p.Save(context.Background(), sampleEvents)
	p.Close()

	p, err = OpenSQLPersister(dsn)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer p.Close()

	got, err := p.Load(context.Background())
	if err != nil || len(got) != len(sampleEvents) {
		t.Errorf("expected %d events after reopen, got %d (err %v)", len(sampleEvents), len(got), err)
	}
}

func TestSQLPersister_UnsupportedURL(t *testing.T) {
	if _, err := OpenSQLPersister("mysql://localhost/db"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestSQLPersister_SaveWithMock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p := newSQLPersister(db, dialectPostgres)

	insert := regexp.QuoteMeta("INSERT INTO events (seq, path, data) VALUES ($1, $2, $3)")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(insert).WithArgs(int64(1), "/a", `{"x":1}`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(insert).WithArgs(int64(2), "/b/c", `[1,"two",null]`).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := p.Save(context.Background(), sampleEvents[:2]); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLPersister_SaveRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p := newSQLPersister(db, dialectSQLite)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM events").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events (seq, path, data) VALUES (?, ?, ?)")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	if err := p.Save(context.Background(), sampleEvents); err == nil {
		t.Fatal("expected save to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLPersister_LoadCorruptRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	p := newSQLPersister(db, dialectPostgres)

	rows := sqlmock.NewRows([]string{"path", "data"}).
		AddRow("/a", `{"x":1}`).
		AddRow("/b", `{"x":`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT path, data FROM events ORDER BY seq")).WillReturnRows(rows)

	_, err = p.Load(context.Background())

	var corrupt *CorruptSnapshotError
	if !errors.As(err, &corrupt) {
		t.Errorf("expected CorruptSnapshotError, got %v", err)
	}
}

func TestOpenPersister_SelectsBackend(t *testing.T) {
	dir := t.TempDir()

	cfg := defaultConfig()
	cfg.StorePath = filepath.Join(dir, "events.json")
	p, err := openPersister(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.(*FilePersister); !ok {
		t.Errorf("expected FilePersister, got %T", p)
	}

	cfg.Store = StoreSQLite
	cfg.StorePath = filepath.Join(dir, "events.db")
	p, err = openPersister(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if _, ok := p.(*SQLPersister); !ok {
		t.Errorf("expected SQLPersister, got %T", p)
	}

	cfg.Store = "redis"
	if p, err := openPersister(cfg); err == nil || p != nil {
		t.Errorf("expected error and nil persister, got %v, %v", p, err)
	}
}
