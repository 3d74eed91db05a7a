package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// recordVersion is bumped when the on-disk schema changes so Load can
	// apply migrations in the future.
	recordVersion = 1

	recordFileName = "counters.json"
	appDirName     = "coffeebreak"
)

// record is the on-disk document.
type record struct {
	Version   int            `json:"version"`
	Counters  map[string]int `json:"counters"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// FileStore keeps the record in a single JSON file, written with an atomic
// temp-file-then-rename so a crash mid-write never leaves a torn record.
type FileStore struct {
	dir string
}

// NewFileStore creates a store rooted at dir. The directory is created on
// the first Save if it does not exist. Pass an empty string to use the
// default XDG state path.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &FileStore{dir: dir}
}

// Path returns the full path of the record file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, recordFileName)
}

func (s *FileStore) Load() (map[string]int, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading counters: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing counters: %w", err)
	}
	return rec.Counters, nil
}

func (s *FileStore) Save(counters map[string]int) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	rec := record{
		Version:   recordVersion,
		Counters:  counters,
		UpdatedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling counters: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".counters-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming counters file: %w", err)
	}
	committed = true

	return nil
}

func (s *FileStore) Close() error { return nil }

// defaultStateDir returns ~/.local/state/coffeebreak, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
