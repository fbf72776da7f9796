package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PgxPool is the part of a pgx pool the ledger uses. It is implemented by
// *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres is the ledger for multi-node deployments. Device registration
// for one user is serialized with a transaction-scoped advisory lock.
type Postgres struct {
	pool  PgxPool
	limit int
	now   func() time.Time
}

// OpenPostgres connects to dsn.
func OpenPostgres(ctx context.Context, dsn string, limit int) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgres(pool, limit), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool PgxPool, limit int) *Postgres {
	if limit <= 0 {
		limit = DefaultDeviceLimit
	}
	return &Postgres{pool: pool, limit: limit, now: time.Now}
}

// MigratePostgres applies the embedded migrations to dsn.
func MigratePostgres(ctx context.Context, dsn string) (int, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	return Migrate(ctx, goose.DialectPostgres, db)
}

// StatusPostgres reports migration state for dsn.
func StatusPostgres(ctx context.Context, dsn string) ([]MigrationState, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return Status(ctx, goose.DialectPostgres, db)
}

const advisoryLock = `SELECT pg_advisory_xact_lock(hashtext($1))`

func (p *Postgres) DeviceCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, dollar.q(countDevices), userID).Scan(&n)
	return n, err
}

func (p *Postgres) RegisterOrTouch(ctx context.Context, userID, deviceUUID string, info DeviceInfo) (d Device, err error) {
	if err := validateRegistration(userID, deviceUUID); err != nil {
		return Device{}, err
	}
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Device{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			d = Device{}
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			d = Device{}
		}
	}()

	if _, err = tx.Exec(ctx, advisoryLock, userID); err != nil {
		return Device{}, err
	}

	now := p.now().UTC()
	d = Device{UserID: userID, DeviceUUID: deviceUUID, DeviceInfo: info, LastSeenAt: now}
	err = tx.QueryRow(ctx, dollar.q(touchDevice),
		info.Platform, info.Model, info.AppVersion, now, userID, deviceUUID).Scan(&d.ID, &d.CreatedAt)
	switch {
	case err == nil:
		return d, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return Device{}, err
	}

	var n int
	if err = tx.QueryRow(ctx, dollar.q(countDevices), userID).Scan(&n); err != nil {
		return Device{}, err
	}
	if n >= p.limit {
		return Device{}, ErrLimitExceeded
	}

	d.ID = newID()
	d.CreatedAt = now
	if _, err = tx.Exec(ctx, dollar.q(insertDevice),
		d.ID, userID, deviceUUID, info.Platform, info.Model, info.AppVersion, now, now); err != nil {
		return Device{}, err
	}
	return d, nil
}

func (p *Postgres) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	q, args, err := dollar.listDevices(userID)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, q, args...)
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

func (p *Postgres) RemoveDevice(ctx context.Context, userID, deviceUUID string) error {
	tag, err := p.pool.Exec(ctx, dollar.q(deleteDevice), userID, deviceUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Grant(ctx context.Context, e Entitlement) (Entitlement, error) {
	if err := validateGrant(e); err != nil {
		return Entitlement{}, err
	}
	e.ID = newID()
	e.CreatedAt = p.now().UTC()
	_, err := p.pool.Exec(ctx, dollar.q(insertEntitlement),
		e.ID, e.UserID, string(e.Kind), e.AssetPrefix, e.ExpiresAt, e.CreatedAt)
	if err != nil {
		return Entitlement{}, err
	}
	return e, nil
}

func (p *Postgres) HasAccess(ctx context.Context, userID, asset string) (bool, error) {
	q, args, err := dollar.hasAccess(userID, asset, p.now().UTC())
	if err != nil {
		return false, err
	}
	var one int
	err = p.pool.QueryRow(ctx, q, args...).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

func (p *Postgres) RecordDownloadRequest(ctx context.Context, req DownloadRequest) (Download, error) {
	req, err := validateDownload(req)
	if err != nil {
		return Download{}, err
	}
	var d Download
	err = scanDownload(p.pool.QueryRow(ctx, dollar.q(upsertDownload),
		newID(), req.UserID, req.AssetID, req.DeviceUUID, req.BytesExpected, req.SHA256, p.now().UTC()), &d)
	if errors.Is(err, pgx.ErrNoRows) {
		err = scanDownload(p.pool.QueryRow(ctx, dollar.q(selectDownload), req.UserID, req.AssetID), &d)
	}
	return d, err
}

func (p *Postgres) CompleteDownload(ctx context.Context, userID, assetID string, bytes int64, sha256 string) (Download, error) {
	var d Download
	err := scanDownload(p.pool.QueryRow(ctx, dollar.q(selectDownload), userID, assetID), &d)
	if errors.Is(err, pgx.ErrNoRows) {
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
	now := p.now().UTC()
	if _, err := p.pool.Exec(ctx, dollar.q(completeDownload), now, d.ID); err != nil {
		return Download{}, fmt.Errorf("complete download: %w", err)
	}
	d.Completed = true
	d.CompletedAt = &now
	return d, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// rowScanner is satisfied by pgx.Row and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner, d *Download) error {
	return row.Scan(&d.ID, &d.UserID, &d.AssetID, &d.DeviceUUID, &d.BytesExpected, &d.SHA256, &d.Completed, &d.CreatedAt, &d.CompletedAt)
}

var _ Ledger = (*Postgres)(nil)
