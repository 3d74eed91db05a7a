// Package storage persists the counter record: one named, flat mapping of
// category name to count. The derived peer count is never part of the
// record. Two backends exist, a JSON file written atomically and a SQLite
// database; config selects between them.
package storage

// Store reads and writes the counter record.
type Store interface {
	// Load returns the persisted counters, or a nil map when no record has
	// been written yet. A non-nil error means a record exists but cannot be
	// used; callers are expected to start from zero.
	Load() (map[string]int, error)

	// Save replaces the whole record.
	Save(counters map[string]int) error

	// Close releases underlying resources.
	Close() error
}
