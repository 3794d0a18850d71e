package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// schemaVersion is the current state store schema.
const schemaVersion = 1

// openPingTimeout bounds the connectivity check during Open.
const openPingTimeout = 5 * time.Second

// Logger defines the logging interface used by the Store.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config configures the state store and the SQLite file behind it.
type Config struct {
	// Path is the filesystem path to the state database. The parent
	// directory is created if missing.
	Path string

	// WALMode enables write-ahead logging so web-path reads proceed
	// while the flush timer writes.
	WALMode bool

	// BusyTimeout is how long a statement waits on a locked database
	// before failing.
	BusyTimeout time.Duration

	// Compression gzips device blobs before writing.
	Compression bool

	// PersistentTimeout is the stored-row age limit applied by
	// ClearOldDevices. Zero keeps rows forever.
	PersistentTimeout time.Duration

	// WithRRD controls whether rehydrated devices carry rate records.
	WithRRD bool

	Logger Logger
}

// deferredRow is a stored device whose PHY was not registered at load
// time. It is retained until that PHY appears.
type deferredRow struct {
	key  string
	mac  string
	blob []byte
}

// Store is the durable device state store: device blobs, user-assigned
// names, and tags, all in one SQLite file the store owns exclusively.
// It implements tracker.Persistence.
//
// Thread Safety:
//   - All methods are safe for concurrent use; the connection pool is
//     pinned to one connection because SQLite allows a single writer.
type Store struct {
	db     *sql.DB
	path   string
	logger Logger

	compression bool
	timeout     time.Duration
	withRRD     bool

	// deferred retains rows for PHYs not registered yet, keyed by
	// phy name.
	deferredMu sync.Mutex
	deferred   map[string][]deferredRow
}

// Open opens (creating if necessary) the state database and prepares
// its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		db:          db,
		path:        cfg.Path,
		logger:      cfg.Logger,
		compression: cfg.Compression,
		timeout:     cfg.PersistentTimeout,
		withRRD:     cfg.WithRRD,
		deferred:    make(map[string][]deferredRow),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}

	if err := s.upgradeDB(ctx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("preparing state store schema: %w", err)
	}

	return s, nil
}

// openDatabase builds the SQLite DSN from the config and verifies the
// connection. The pool is pinned to a single connection: SQLite allows
// one writer, and the flush path must never contend with itself.
func openDatabase(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating state store directory: %w", err)
	}

	params := []string{"_foreign_keys=on"}
	if cfg.BusyTimeout > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout.Milliseconds()))
	}
	if cfg.WALMode {
		params = append(params, "_journal_mode=WAL", "_synchronous=NORMAL")
	}

	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, openPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("verifying state database: %w", err)
	}

	// Device blobs and user annotations are not world-readable data.
	// The file may not exist until the first write, so ignore failure.
	_ = os.Chmod(cfg.Path, 0o600) //nolint:errcheck // First run creates the file later

	return db, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing state store: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck verifies the database answers queries.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("state store health check: %w", err)
	}
	return nil
}

// upgradeDB creates the schema and records the version in the
// RADIOWATCH metadata table. Future schema revisions hook their
// upgrade steps off the stored version here.
func (s *Store) upgradeDB(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS RADIOWATCH (
			kv TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS devices (
			key TEXT PRIMARY KEY,
			phy_name TEXT NOT NULL,
			mac TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			blob BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_phy_mac ON devices(phy_name, mac)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen)`,
		`CREATE TABLE IF NOT EXISTS user_names (
			phy_name TEXT NOT NULL,
			mac TEXT NOT NULL,
			name TEXT NOT NULL,
			PRIMARY KEY (phy_name, mac)
		)`,
		`CREATE TABLE IF NOT EXISTS tags (
			phy_name TEXT NOT NULL,
			mac TEXT NOT NULL,
			tag TEXT NOT NULL,
			content TEXT NOT NULL,
			PRIMARY KEY (phy_name, mac, tag)
		)`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}

	var stored int
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM RADIOWATCH WHERE kv = 'db_version'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO RADIOWATCH (kv, value) VALUES ('db_version', ?)`, schemaVersion); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("reading schema version: %w", err)
	case stored > schemaVersion:
		return fmt.Errorf("state store schema version %d is newer than supported %d", stored, schemaVersion)
	}

	return nil
}

// StoreDevices writes the given devices in one transaction, one row per
// device, and marks each device stored on success.
func (s *Store) StoreDevices(ctx context.Context, devices []*tracker.Device) error {
	if len(devices) == 0 {
		return nil
	}

	serialized := make([]tracker.StoredDevice, 0, len(devices))
	for _, d := range devices {
		rec, err := d.MarshalStored()
		if err != nil {
			s.logger.Warn("device serialization failed, skipping", "key", d.Key.String(), "error", err)
			continue
		}
		serialized = append(serialized, rec)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting device store transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO devices (key, phy_name, mac, first_seen, last_seen, blob)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			blob = excluded.blob`)
	if err != nil {
		return fmt.Errorf("preparing device upsert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Statement dies with the tx

	for i := range serialized {
		rec := &serialized[i]

		blob := rec.Blob
		if s.compression {
			if blob, err = compressBlob(blob); err != nil {
				return fmt.Errorf("compressing device %s: %w", rec.Key.String(), err)
			}
		}

		if _, err := stmt.ExecContext(ctx,
			rec.Key.String(), rec.PhyName, rec.Mac.String(),
			rec.FirstSeen, rec.LastSeen, blob); err != nil {
			return fmt.Errorf("writing device %s: %w", rec.Key.String(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing device store: %w", err)
	}

	for i, d := range devicesForCommit(devices, serialized) {
		if d != nil {
			d.CommitStored(serialized[i].Mod)
		}
	}

	return nil
}

// devicesForCommit pairs serialized records back with their devices,
// tolerating records dropped by serialization failures.
func devicesForCommit(devices []*tracker.Device, serialized []tracker.StoredDevice) []*tracker.Device {
	if len(devices) == len(serialized) {
		return devices
	}

	byKey := make(map[string]*tracker.Device, len(devices))
	for _, d := range devices {
		byKey[d.Key.String()] = d
	}
	out := make([]*tracker.Device, len(serialized))
	for i := range serialized {
		out[i] = byKey[serialized[i].Key.String()]
	}
	return out
}

// LoadDevices iterates all stored rows, resolving each row's PHY and
// handing decoded devices to apply. Rows whose PHY is unregistered are
// retained for RetryDeferred; undecodable rows are skipped with a
// warning. Cancellation is honoured at row granularity.
func (s *Store) LoadDevices(ctx context.Context, resolve tracker.PhyResolver, apply func(*tracker.Device) error) (loaded, deferred, skipped int, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, phy_name, mac, blob FROM devices`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("querying stored devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	for rows.Next() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return loaded, deferred, skipped, ctxErr
		}

		var key, phyName, mac string
		var blob []byte
		if scanErr := rows.Scan(&key, &phyName, &mac, &blob); scanErr != nil {
			s.logger.Warn("unreadable device row skipped", "error", scanErr)
			skipped++
			continue
		}

		phyID, ok := resolve(phyName)
		if !ok {
			s.deferRow(phyName, deferredRow{key: key, mac: mac, blob: blob})
			deferred++
			continue
		}

		d, decErr := s.decodeRow(blob, phyID)
		if decErr != nil {
			s.logger.Warn("stored device skipped", "key", key, "error", decErr)
			skipped++
			continue
		}

		if applyErr := apply(d); applyErr != nil {
			s.logger.Warn("stored device rejected by tracker", "key", key, "error", applyErr)
			skipped++
			continue
		}
		loaded++
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return loaded, deferred, skipped, fmt.Errorf("iterating stored devices: %w", rowsErr)
	}

	return loaded, deferred, skipped, nil
}

// RetryDeferred replays rows retained for a PHY that has now
// registered.
func (s *Store) RetryDeferred(ctx context.Context, phyName string, phyID int, apply func(*tracker.Device) error) (int, error) {
	s.deferredMu.Lock()
	rows := s.deferred[phyName]
	delete(s.deferred, phyName)
	s.deferredMu.Unlock()

	applied := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return applied, err
		}

		d, err := s.decodeRow(row.blob, phyID)
		if err != nil {
			s.logger.Warn("deferred device skipped", "key", row.key, "error", err)
			continue
		}
		if err := apply(d); err != nil {
			s.logger.Warn("deferred device rejected by tracker", "key", row.key, "error", err)
			continue
		}
		applied++
	}

	return applied, nil
}

func (s *Store) deferRow(phyName string, row deferredRow) {
	s.deferredMu.Lock()
	defer s.deferredMu.Unlock()
	s.deferred[phyName] = append(s.deferred[phyName], row)
}

// LoadDevice fetches and decodes a single stored device for on-demand
// rehydration. Returns tracker.ErrNotFound when no row matches.
func (s *Store) LoadDevice(ctx context.Context, phyName string, phyID int, mac tracker.MAC) (*tracker.Device, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM devices WHERE phy_name = ? AND mac = ?`,
		phyName, mac.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tracker.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying stored device: %w", err)
	}

	return s.decodeRow(blob, phyID)
}

// decodeRow decompresses (when needed) and deserializes a device blob.
func (s *Store) decodeRow(blob []byte, phyID int) (*tracker.Device, error) {
	raw, err := maybeDecompress(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracker.ErrDeserialize, err)
	}
	return tracker.UnmarshalStoredDevice(raw, phyID, s.withRRD)
}

// StoredUserName returns the persisted user-assigned name for a device.
func (s *Store) StoredUserName(ctx context.Context, phyName string, mac tracker.MAC) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM user_names WHERE phy_name = ? AND mac = ?`,
		phyName, mac.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying stored username: %w", err)
	}
	return name, true, nil
}

// StoredTags returns the persisted tags for a device.
func (s *Store) StoredTags(ctx context.Context, phyName string, mac tracker.MAC) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag, content FROM tags WHERE phy_name = ? AND mac = ?`,
		phyName, mac.String())
	if err != nil {
		return nil, fmt.Errorf("querying stored tags: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	tags := make(map[string]string)
	for rows.Next() {
		var tag, content string
		if err := rows.Scan(&tag, &content); err != nil {
			return nil, fmt.Errorf("scanning stored tag: %w", err)
		}
		tags[tag] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stored tags: %w", err)
	}
	return tags, nil
}

// SetUserName persists a user-assigned device name. An empty name
// removes the row.
func (s *Store) SetUserName(ctx context.Context, phyName string, mac tracker.MAC, name string) error {
	if name == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM user_names WHERE phy_name = ? AND mac = ?`,
			phyName, mac.String())
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_names (phy_name, mac, name) VALUES (?, ?, ?)
		ON CONFLICT(phy_name, mac) DO UPDATE SET name = excluded.name`,
		phyName, mac.String(), name)
	return err
}

// SetTag persists a device tag. Empty content removes the row.
func (s *Store) SetTag(ctx context.Context, phyName string, mac tracker.MAC, tag, content string) error {
	if content == "" {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM tags WHERE phy_name = ? AND mac = ? AND tag = ?`,
			phyName, mac.String(), tag)
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (phy_name, mac, tag, content) VALUES (?, ?, ?, ?)
		ON CONFLICT(phy_name, mac, tag) DO UPDATE SET content = excluded.content`,
		phyName, mac.String(), tag, content)
	return err
}

// ClearOldDevices deletes rows whose last_seen fell outside the
// persistence window. Returns the number of purged rows.
func (s *Store) ClearOldDevices(ctx context.Context) (int64, error) {
	if s.timeout <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-s.timeout).Unix()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM devices WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old devices: %w", err)
	}
	return res.RowsAffected()
}

// ClearAllDevices truncates the devices table.
func (s *Store) ClearAllDevices(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("clearing devices: %w", err)
	}
	return nil
}

// DeviceCount returns the number of stored device rows.
func (s *Store) DeviceCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting stored devices: %w", err)
	}
	return count, nil
}

// gzipMagic prefixes every gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

func compressBlob(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// maybeDecompress sniffs the gzip magic so stores written with and
// without compression coexist in one database.
func maybeDecompress(blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, gzipMagic) {
		return blob, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close() //nolint:errcheck // Read-only stream

	return io.ReadAll(zr)
}
