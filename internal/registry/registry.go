// Package registry persists discovered root devices so a control point
// can pre-seed its cache and report device history across restarts.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one persisted root device.
type Entry struct {
	UDN          string
	Location     string
	FriendlyName string
	DeviceType   string
	Server       string
	Online       bool
	LastSeenAt   time.Time
	ExpiresAt    time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS devices (
	udn           TEXT PRIMARY KEY,
	location      TEXT NOT NULL,
	friendly_name TEXT NOT NULL DEFAULT '',
	device_type   TEXT NOT NULL DEFAULT '',
	server        TEXT NOT NULL DEFAULT '',
	online        INTEGER NOT NULL DEFAULT 1,
	last_seen_at  TEXT NOT NULL,
	expires_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_online ON devices(online);
`

// Registry wraps separate reader and writer connections. With WAL mode
// readers don't block the writer; a single writer connection serializes
// writes the way SQLite wants.
type Registry struct {
	reader *sql.DB
	writer *sql.DB
}

// Open opens (and creates) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	if dbPath == "" {
		return nil, errors.New("registry: db path is required")
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	writerConnStr := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&cache=shared&mode=rwc", dbPath)
	writer, err := sql.Open("sqlite3", writerConnStr)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(time.Hour)

	if _, err := writer.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		writer.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := writer.Exec(schemaSQL); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	readerConnStr := fmt.Sprintf("%s?_journal=WAL&_busy_timeout=5000&cache=shared&mode=ro", dbPath)
	reader, err := sql.Open("sqlite3", readerConnStr)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(2)
	reader.SetConnMaxLifetime(time.Hour)

	return &Registry{reader: reader, writer: writer}, nil
}

// OpenInMemory opens an ephemeral registry backed by a single shared
// in-memory connection.
func OpenInMemory() (*Registry, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, err
	}
	return &Registry{reader: db, writer: db}, nil
}

// Close closes both connections.
func (r *Registry) Close() error {
	var errs []error
	if r.reader != r.writer {
		if err := r.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if err := r.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Upsert records a device sighting, refreshing expiry and marking it
// online.
func (r *Registry) Upsert(e Entry) error {
	_, err := r.writer.Exec(`
		INSERT INTO devices (udn, location, friendly_name, device_type, server, online, last_seen_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(udn) DO UPDATE SET
			location = excluded.location,
			friendly_name = excluded.friendly_name,
			device_type = excluded.device_type,
			server = excluded.server,
			online = 1,
			last_seen_at = excluded.last_seen_at,
			expires_at = excluded.expires_at
	`, e.UDN, e.Location, e.FriendlyName, e.DeviceType, e.Server,
		e.LastSeenAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// MarkOffline flags a device as gone without forgetting it.
func (r *Registry) MarkOffline(udn string) error {
	_, err := r.writer.Exec(`UPDATE devices SET online = 0 WHERE udn = ?`, udn)
	return err
}

// Get returns one entry, or nil when unknown.
func (r *Registry) Get(udn string) (*Entry, error) {
	row := r.reader.QueryRow(`
		SELECT udn, location, friendly_name, device_type, server, online, last_seen_at, expires_at
		FROM devices WHERE udn = ?
	`, udn)
	return scanEntry(row)
}

// List returns every known device, most recently seen first.
func (r *Registry) List() ([]Entry, error) {
	rows, err := r.reader.Query(`
		SELECT udn, location, friendly_name, device_type, server, online, last_seen_at, expires_at
		FROM devices ORDER BY last_seen_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Prune deletes offline devices unseen since the cutoff. Returns the
// number of rows removed.
func (r *Registry) Prune(cutoff time.Time) (int64, error) {
	res, err := r.writer.Exec(`
		DELETE FROM devices WHERE online = 0 AND last_seen_at < ?
	`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*Entry, error) {
	e, err := scanEntryRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func scanEntryRows(row rowScanner) (*Entry, error) {
	var e Entry
	var online int
	var lastSeen, expires string
	if err := row.Scan(&e.UDN, &e.Location, &e.FriendlyName, &e.DeviceType, &e.Server, &online, &lastSeen, &expires); err != nil {
		return nil, err
	}
	e.Online = online == 1
	if t, err := time.Parse(time.RFC3339, lastSeen); err == nil {
		e.LastSeenAt = t
	}
	if t, err := time.Parse(time.RFC3339, expires); err == nil {
		e.ExpiresAt = t
	}
	return &e, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
