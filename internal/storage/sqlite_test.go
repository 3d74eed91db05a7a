package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "counters.db"), "office")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_LoadMissing(t *testing.T) {
	s := newTestSQLite(t)

	counters, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if counters != nil {
		t.Errorf("Load() of empty record = %v, want nil", counters)
	}
}

func TestSQLiteStore_SaveAndLoad(t *testing.T) {
	s := newTestSQLite(t)

	want := map[string]int{"cappuccino": 2, "tea": 7}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	for category, n := range want {
		if got[category] != n {
			t.Errorf("counters[%q] = %d, want %d", category, got[category], n)
		}
	}
}

func TestSQLiteStore_UpsertGrowth(t *testing.T) {
	s := newTestSQLite(t)

	for i := 1; i <= 3; i++ {
		if err := s.Save(map[string]int{"espresso": i}); err != nil {
			t.Fatalf("Save() #%d error: %v", i, err)
		}
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got["espresso"] != 3 {
		t.Errorf("counters[espresso] = %d, want 3", got["espresso"])
	}
}

func TestSQLiteStore_GroupIsolation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.db")

	a, err := NewSQLiteStore(path, "office")
	if err != nil {
		t.Fatalf("NewSQLiteStore(office) error: %v", err)
	}
	defer a.Close()

	b, err := NewSQLiteStore(path, "kitchen")
	if err != nil {
		t.Fatalf("NewSQLiteStore(kitchen) error: %v", err)
	}
	defer b.Close()

	if err := a.Save(map[string]int{"latte": 4}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := b.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got != nil {
		t.Errorf("kitchen record = %v, want nil", got)
	}
}

func TestSQLiteStore_ReopenSeesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.db")

	s, err := NewSQLiteStore(path, "office")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := s.Save(map[string]int{"iced": 1}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reopened, err := NewSQLiteStore(path, "office")
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got["iced"] != 1 {
		t.Errorf("counters[iced] = %d, want 1", got["iced"])
	}
}

func TestNewSQLiteStore_EmptyPathStaysDurable(t *testing.T) {
	stateHome := t.TempDir()
	t.Setenv("XDG_STATE_HOME", stateHome)

	s, err := NewSQLiteStore("", "office")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if err := s.Save(map[string]int{"latte": 2}); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// The record must land on disk, not in a connection-private database.
	dbPath := filepath.Join(stateHome, appDirName, dbFileName)
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected database file at %s: %v", dbPath, err)
	}

	reopened, err := NewSQLiteStore("", "office")
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got["latte"] != 2 {
		t.Errorf("counters[latte] = %d after reopen, want 2", got["latte"])
	}
}

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database is busy (5)"), true},
		{"locked text", errors.New("database is locked"), true},
		{"short read", errors.New("IOERR_SHORT_READ (522)"), true},
		{"plain failure", errors.New("no such table: counters"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
