package ledger

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T, limit int) (*Postgres, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPostgres(mock, limit)
	p.now = func() time.Time { return now }
	return p, mock, now
}

func exact(q string) string { return regexp.QuoteMeta(dollar.q(q)) }

func TestPostgres_RegisterOrTouch_Known(t *testing.T) {
	p, mock, now := newMockPostgres(t, 2)
	created := now.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(advisoryLock)).WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(exact(touchDevice)).
		WithArgs("ios", "", "", now, "u1", "dev-0").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("id-0", created))
	mock.ExpectCommit()

	d, err := p.RegisterOrTouch(context.Background(), "u1", "dev-0", DeviceInfo{Platform: "ios"})
	require.NoError(t, err)
	require.Equal(t, "id-0", d.ID)
	require.Equal(t, created, d.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RegisterOrTouch_New(t *testing.T) {
	p, mock, now := newMockPostgres(t, 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(advisoryLock)).WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(exact(touchDevice)).
		WithArgs("", "", "", now, "u1", "dev-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(exact(countDevices)).WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectExec(exact(insertDevice)).
		WithArgs(pgxmock.AnyArg(), "u1", "dev-1", "", "", "", now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	d, err := p.RegisterOrTouch(context.Background(), "u1", "dev-1", DeviceInfo{})
	require.NoError(t, err)
	require.NotEmpty(t, d.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RegisterOrTouch_LimitRollsBack(t *testing.T) {
	p, mock, now := newMockPostgres(t, 2)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(advisoryLock)).WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(exact(touchDevice)).
		WithArgs("", "", "", now, "u1", "dev-9").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(exact(countDevices)).WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := p.RegisterOrTouch(context.Background(), "u1", "dev-9", DeviceInfo{})
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_HasAccess(t *testing.T) {
	p, mock, _ := newMockPostgres(t, 2)

	mock.ExpectQuery(`SELECT 1 FROM entitlements WHERE user_id = \$1`).
		WithArgs("u1", pgxmock.AnyArg(), "en/a.mp3").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	has, err := p.HasAccess(context.Background(), "u1", "en/a.mp3")
	require.NoError(t, err)
	require.True(t, has)

	mock.ExpectQuery(`SELECT 1 FROM entitlements WHERE user_id = \$1`).
		WithArgs("u1", pgxmock.AnyArg(), "en/b.mp3").
		WillReturnError(pgx.ErrNoRows)
	has, err = p.HasAccess(context.Background(), "u1", "en/b.mp3")
	require.NoError(t, err)
	require.False(t, has)
	require.NoError(t, mock.ExpectationsWereMet())
}

func downloadRows(completed bool, completedAt *time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "user_id", "asset_id", "device_uuid", "bytes_expected", "sha256", "completed", "created_at", "completed_at"}).
		AddRow("d1", "u1", "a.mp3", "dev-0", int64(1024), digestA, completed, time.Unix(0, 0).UTC(), completedAt)
}

func TestPostgres_Downloads(t *testing.T) {
	p, mock, now := newMockPostgres(t, 2)
	ctx := context.Background()

	mock.ExpectQuery(exact(upsertDownload)).
		WithArgs(pgxmock.AnyArg(), "u1", "a.mp3", "dev-0", int64(1024), digestA, now).
		WillReturnRows(downloadRows(false, nil))
	d, err := p.RecordDownloadRequest(ctx, DownloadRequest{UserID: "u1", AssetID: "a.mp3", DeviceUUID: "dev-0", BytesExpected: 1024, SHA256: digestA})
	require.NoError(t, err)
	require.Equal(t, "d1", d.ID)

	mock.ExpectQuery(exact(selectDownload)).WithArgs("u1", "a.mp3").
		WillReturnRows(downloadRows(false, nil))
	_, err = p.CompleteDownload(ctx, "u1", "a.mp3", 1024, digestB)
	require.ErrorIs(t, err, ErrMismatch)

	mock.ExpectQuery(exact(selectDownload)).WithArgs("u1", "a.mp3").
		WillReturnRows(downloadRows(false, nil))
	mock.ExpectExec(exact(completeDownload)).WithArgs(now, "d1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	d, err = p.CompleteDownload(ctx, "u1", "a.mp3", 1024, digestA)
	require.NoError(t, err)
	require.True(t, d.Completed)

	mock.ExpectQuery(exact(selectDownload)).WithArgs("u1", "nope").
		WillReturnError(pgx.ErrNoRows)
	_, err = p.CompleteDownload(ctx, "u1", "nope", 1, digestA)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RemoveDevice(t *testing.T) {
	p, mock, _ := newMockPostgres(t, 2)

	mock.ExpectExec(exact(deleteDevice)).WithArgs("u1", "dev-0").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, p.RemoveDevice(context.Background(), "u1", "dev-0"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrations_Embedded(t *testing.T) {
	for _, d := range []string{"migrations/postgres", "migrations/sqlite"} {
		entries, err := migrations.ReadDir(d)
		require.NoError(t, err)
		require.NotEmpty(t, entries, d)
	}
}
