package main

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alimk/edge-agent/pkg/models"
)

// store wraps the SQLite database behind the server's HTTP handlers. All
// methods are safe for concurrent use; a single connection serialises writes.
type store struct {
	db *sql.DB
}

// openStore opens (or creates) the SQLite database at path and runs the
// schema migration.
func openStore(path string) (*store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: avoids SQLITE_BUSY and keeps :memory: databases whole.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS devices (
    device_id        TEXT PRIMARY KEY,
    api_key_hash     TEXT    NOT NULL,
    approved         INTEGER NOT NULL DEFAULT 0,
    reading_interval INTEGER,
    firmware_version TEXT    NOT NULL DEFAULT '',
    created_at_unix  INTEGER NOT NULL,
    last_seen_unix   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS readings (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id        TEXT    NOT NULL REFERENCES devices(device_id),
    sensor           TEXT    NOT NULL,
    value            REAL    NOT NULL,
    unit             TEXT    NOT NULL,
    ts_unix          INTEGER NOT NULL,
    received_at_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_ts
    ON readings (device_id, ts_unix DESC);
CREATE TABLE IF NOT EXISTS firmware (
    version         TEXT PRIMARY KEY,
    size            INTEGER NOT NULL,
    md5             TEXT    NOT NULL,
    data            BLOB    NOT NULL,
    created_at_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS device_updates (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id        TEXT    NOT NULL,
    version          TEXT    NOT NULL,
    status           TEXT    NOT NULL,
    error_message    TEXT    NOT NULL DEFAULT '',
    reported_at_unix INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS device_events (
    event_id         TEXT PRIMARY KEY,
    device_id        TEXT    NOT NULL,
    type             TEXT    NOT NULL,
    ts_unix          INTEGER NOT NULL,
    attributes       TEXT    NOT NULL,
    received_at_unix INTEGER NOT NULL
);
`)
	return err
}

// device is one row of the devices table. ReadingInterval is zero when the
// server has no opinion about the device's cadence.
type device struct {
	DeviceID        string `json:"device_id"`
	APIKeyHash      string `json:"-"` // bcrypt
	Approved        bool   `json:"approved"`
	ReadingInterval int    `json:"reading_interval,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	CreatedAt       int64  `json:"created_at_unix"`
	LastSeen        int64  `json:"last_seen_unix"`
}

// getDevice returns (nil, nil) for an unknown device.
func (s *store) getDevice(ctx context.Context, id string) (*device, error) {
	d := &device{}
	var interval sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, api_key_hash, approved, reading_interval, firmware_version,
		        created_at_unix, last_seen_unix
		   FROM devices WHERE device_id = ?`, id,
	).Scan(&d.DeviceID, &d.APIKeyHash, &d.Approved, &interval, &d.FirmwareVersion, &d.CreatedAt, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.ReadingInterval = int(interval.Int64)
	return d, nil
}

func (s *store) registerDevice(ctx context.Context, d device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, api_key_hash, approved, firmware_version, created_at_unix, last_seen_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.APIKeyHash, d.Approved, d.FirmwareVersion, d.CreatedAt, d.LastSeen,
	)
	return err
}

// touchDevice records that the device was seen, and its firmware version if
// it sent one.
func (s *store) touchDevice(ctx context.Context, id, firmware string, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices
		    SET last_seen_unix = ?,
		        firmware_version = CASE WHEN ? = '' THEN firmware_version ELSE ? END
		  WHERE device_id = ?`,
		at, firmware, firmware, id,
	)
	return err
}

// approveDevice reports false when the device does not exist.
func (s *store) approveDevice(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET approved = 1 WHERE device_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// setInterval reports false when the device does not exist.
func (s *store) setInterval(ctx context.Context, id string, seconds int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET reading_interval = ? WHERE device_id = ?`, seconds, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// insertReadings stores one submission atomically.
func (s *store) insertReadings(ctx context.Context, deviceID string, rs []models.Reading, receivedAt int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (device_id, sensor, value, unit, ts_unix, received_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rs {
		ts := r.Timestamp
		if ts == 0 {
			ts = receivedAt
		}
		if _, err := stmt.ExecContext(ctx, deviceID, r.Sensor, r.Value, r.Unit, ts, receivedAt); err != nil {
			return fmt.Errorf("insert %s: %w", r.Sensor, err)
		}
	}
	return tx.Commit()
}

// readingRow is what GET /api/readings returns.
type readingRow struct {
	ID         int64   `json:"id"`
	DeviceID   string  `json:"device_id"`
	Sensor     string  `json:"sensor"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Timestamp  int64   `json:"timestamp"`
	ReceivedAt int64   `json:"received_at_unix"`
}

type readingFilter struct {
	DeviceID string
	Sensor   string
	Limit    int
	Offset   int
}

// queryReadings returns matching readings, newest first. Empty filter
// fields match everything.
func (s *store) queryReadings(ctx context.Context, f readingFilter) ([]readingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, sensor, value, unit, ts_unix, received_at_unix
		   FROM readings
		  WHERE (? = '' OR device_id = ?)
		    AND (? = '' OR sensor = ?)
		  ORDER BY ts_unix DESC, id DESC
		  LIMIT ? OFFSET ?`,
		f.DeviceID, f.DeviceID, f.Sensor, f.Sensor, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []readingRow
	for rows.Next() {
		var r readingRow
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Sensor, &r.Value, &r.Unit, &r.Timestamp, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// firmwareMeta describes a stored image without its bytes.
type firmwareMeta struct {
	Version   string `json:"version"`
	Size      int64  `json:"size"`
	MD5       string `json:"checksum"`
	CreatedAt int64  `json:"created_at_unix"`
}

// putFirmware stores (or replaces) an image and returns its metadata.
func (s *store) putFirmware(ctx context.Context, version string, data []byte, at int64) (firmwareMeta, error) {
	sum := md5.Sum(data)
	meta := firmwareMeta{
		Version:   version,
		Size:      int64(len(data)),
		MD5:       hex.EncodeToString(sum[:]),
		CreatedAt: at,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO firmware (version, size, md5, data, created_at_unix) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET
		     size = excluded.size, md5 = excluded.md5, data = excluded.data,
		     created_at_unix = excluded.created_at_unix`,
		meta.Version, meta.Size, meta.MD5, data, meta.CreatedAt,
	)
	if err != nil {
		return firmwareMeta{}, err
	}
	return meta, nil
}

// latestFirmware returns the most recently uploaded image, or nil.
func (s *store) latestFirmware(ctx context.Context) (*firmwareMeta, error) {
	m := &firmwareMeta{}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, size, md5, created_at_unix FROM firmware
		  ORDER BY created_at_unix DESC, rowid DESC LIMIT 1`,
	).Scan(&m.Version, &m.Size, &m.MD5, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// firmwareData returns the image bytes and metadata, or nil for an unknown
// version.
func (s *store) firmwareData(ctx context.Context, version string) ([]byte, *firmwareMeta, error) {
	m := &firmwareMeta{}
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, size, md5, created_at_unix, data FROM firmware WHERE version = ?`, version,
	).Scan(&m.Version, &m.Size, &m.MD5, &m.CreatedAt, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return data, m, nil
}

func (s *store) recordUpdate(ctx context.Context, r models.UpdateStatusReport, at int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_updates (device_id, version, status, error_message, reported_at_unix)
		 VALUES (?, ?, ?, ?, ?)`,
		r.DeviceID, r.Version, r.Status, r.ErrorMessage, at,
	)
	return err
}

// updateRow is one OTA status report.
type updateRow struct {
	DeviceID     string `json:"device_id"`
	Version      string `json:"version"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	ReportedAt   int64  `json:"reported_at_unix"`
}

func (s *store) queryUpdates(ctx context.Context, deviceID string) ([]updateRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, version, status, error_message, reported_at_unix
		   FROM device_updates WHERE device_id = ?
		  ORDER BY id DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []updateRow
	for rows.Next() {
		var u updateRow
		if err := rows.Scan(&u.DeviceID, &u.Version, &u.Status, &u.ErrorMessage, &u.ReportedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// insertEvent stores ev once; a redelivered event_id reports false.
func (s *store) insertEvent(ctx context.Context, ev models.DeviceEvent, at int64) (bool, error) {
	attrs, err := json.Marshal(ev.Attributes)
	if err != nil {
		return false, fmt.Errorf("marshal attributes: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_events (event_id, device_id, type, ts_unix, attributes, received_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.DeviceID, ev.Type, ev.Timestamp, string(attrs), at,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *store) countEvents(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_events WHERE device_id = ?`, deviceID).Scan(&n)
	return n, err
}

func (s *store) ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *store) close() error {
	return s.db.Close()
}

func nowUnix() int64 { return time.Now().Unix() }
