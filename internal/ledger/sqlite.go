package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// SQLite is the single-node ledger. Transactions begin IMMEDIATE, so device
// registration takes the write lock before it counts. Rows are read back
// with SELECT rather than RETURNING so timestamp columns keep their
// declared type.
type SQLite struct {
	db    *sql.DB
	limit int
	now   func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path and
// applies migrations.
func OpenSQLite(ctx context.Context, path string, limit int) (*SQLite, error) {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "5000")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := Migrate(ctx, goose.DialectSQLite3, db); err != nil {
		db.Close()
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultDeviceLimit
	}
	return &SQLite{db: db, limit: limit, now: time.Now}, nil
}

// DB exposes the handle for migration status.
func (s *SQLite) DB() *sql.DB { return s.db }

func (s *SQLite) DeviceCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, countDevices, userID).Scan(&n)
	return n, err
}

func (s *SQLite) RegisterOrTouch(ctx context.Context, userID, deviceUUID string, info DeviceInfo) (d Device, err error) {
	if err := validateRegistration(userID, deviceUUID); err != nil {
		return Device{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Device{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			d = Device{}
			return
		}
		if e := tx.Commit(); e != nil {
			err = e
			d = Device{}
		}
	}()

	now := s.now().UTC()
	d = Device{UserID: userID, DeviceUUID: deviceUUID, DeviceInfo: info, LastSeenAt: now}
	res, err := tx.ExecContext(ctx, touchDeviceExec,
		info.Platform, info.Model, info.AppVersion, now, userID, deviceUUID)
	if err != nil {
		return Device{}, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err = tx.QueryRowContext(ctx, selectDeviceCreated, userID, deviceUUID).Scan(&d.ID, &d.CreatedAt); err != nil {
			return Device{}, err
		}
		return d, nil
	}

	var n int
	if err = tx.QueryRowContext(ctx, countDevices, userID).Scan(&n); err != nil {
		return Device{}, err
	}
	if n >= s.limit {
		return Device{}, ErrLimitExceeded
	}

	d.ID = newID()
	d.CreatedAt = now
	if _, err = tx.ExecContext(ctx, insertDevice,
		d.ID, userID, deviceUUID, info.Platform, info.Model, info.AppVersion, now, now); err != nil {
		return Device{}, err
	}
	return d, nil
}

func (s *SQLite) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	q, args, err := question.listDevices(userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.DeviceUUID, &d.Platform, &d.Model, &d.AppVersion, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) RemoveDevice(ctx context.Context, userID, deviceUUID string) error {
	res, err := s.db.ExecContext(ctx, deleteDevice, userID, deviceUUID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Grant(ctx context.Context, e Entitlement) (Entitlement, error) {
	if err := validateGrant(e); err != nil {
		return Entitlement{}, err
	}
	e.ID = newID()
	e.CreatedAt = s.now().UTC()
	var expires any
	if e.ExpiresAt != nil {
		utc := e.ExpiresAt.UTC()
		e.ExpiresAt = &utc
		expires = utc
	}
	_, err := s.db.ExecContext(ctx, insertEntitlement,
		e.ID, e.UserID, string(e.Kind), e.AssetPrefix, expires, e.CreatedAt)
	if err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

func (s *SQLite) HasAccess(ctx context.Context, userID, asset string) (bool, error) {
	q, args, err := question.hasAccess(userID, asset, s.now().UTC())
	if err != nil {
		return false, err
	}
	var one int
	err = s.db.QueryRowContext(ctx, q, args...).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

func (s *SQLite) RecordDownloadRequest(ctx context.Context, req DownloadRequest) (Download, error) {
	req, err := validateDownload(req)
	if err != nil {
		return Download{}, err
	}
	if _, err := s.db.ExecContext(ctx, upsertDownloadExec,
		newID(), req.UserID, req.AssetID, req.DeviceUUID, req.BytesExpected, req.SHA256, s.now().UTC()); err != nil {
		return Download{}, err
	}
	var d Download
	err = scanDownload(s.db.QueryRowContext(ctx, selectDownload, req.UserID, req.AssetID), &d)
	return d, err
}

func (s *SQLite) CompleteDownload(ctx context.Context, userID, assetID string, bytes int64, sha256 string) (Download, error) {
	var d Download
	err := scanDownload(s.db.QueryRowContext(ctx, selectDownload, userID, assetID), &d)
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, ErrNotFound
	}
	if err != nil {
		return Download{}, err
	}
	if d.BytesExpected != bytes || d.SHA256 != strings.ToLower(sha256) {
		return Download{}, ErrMismatch
	}
	if d.Completed {
		return d, nil
	}
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx, completeDownload, now, d.ID); err != nil {
		return Download{}, fmt.Errorf("complete download: %w", err)
	}
	d.Completed = true
	d.CompletedAt = &now
	return d, nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLite) Close() error                   { return s.db.Close() }

var _ Ledger = (*SQLite)(nil)
