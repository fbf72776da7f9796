package ledger

import (
	sq "github.com/Masterminds/squirrel"
)

// Statements shared by the SQL stores, written with ? placeholders.
const (
	touchDeviceExec = `
UPDATE devices SET platform = ?, model = ?, app_version = ?, last_seen_at = ?
WHERE user_id = ? AND device_uuid = ?`

	touchDevice = touchDeviceExec + `
RETURNING id, created_at`

	selectDeviceCreated = `SELECT id, created_at FROM devices WHERE user_id = ? AND device_uuid = ?`

	countDevices = `SELECT count(*) FROM devices WHERE user_id = ?`

	insertDevice = `
INSERT INTO devices (id, user_id, device_uuid, platform, model, app_version, created_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	deleteDevice = `DELETE FROM devices WHERE user_id = ? AND device_uuid = ?`

	insertEntitlement = `
INSERT INTO entitlements (id, user_id, kind, asset_prefix, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?)`

	// The conflict branch skips completed records for the same content,
	// in which case nothing is returned and the caller reads the row.
	upsertDownloadExec = `
INSERT INTO downloads (id, user_id, asset_id, device_uuid, bytes_expected, sha256, completed, created_at)
VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)
ON CONFLICT (user_id, asset_id) DO UPDATE SET
    device_uuid = EXCLUDED.device_uuid,
    bytes_expected = EXCLUDED.bytes_expected,
    sha256 = EXCLUDED.sha256,
    completed = FALSE,
    completed_at = NULL
WHERE NOT (downloads.completed
    AND downloads.bytes_expected = EXCLUDED.bytes_expected
    AND downloads.sha256 = EXCLUDED.sha256)`

	upsertDownload = upsertDownloadExec + `
RETURNING ` + downloadColumns

	selectDownload = `SELECT ` + downloadColumns + ` FROM downloads WHERE user_id = ? AND asset_id = ?`

	completeDownload = `
UPDATE downloads SET completed = TRUE, completed_at = ?
WHERE id = ? AND completed = FALSE`

	downloadColumns = `id, user_id, asset_id, device_uuid, bytes_expected, sha256, completed, created_at, completed_at`
)

var deviceColumns = []string{"id", "user_id", "device_uuid", "platform", "model", "app_version", "created_at", "last_seen_at"}

// dialect adapts the shared statements to a driver's placeholder style.
type dialect struct {
	ph sq.PlaceholderFormat
}

var (
	dollar   = dialect{ph: sq.Dollar}
	question = dialect{ph: sq.Question}
)

func (d dialect) q(query string) string {
	out, err := d.ph.ReplacePlaceholders(query)
	if err != nil {
		panic(err)
	}
	return out
}

func (d dialect) builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.ph)
}

func (d dialect) listDevices(userID string) (string, []any, error) {
	return d.builder().
		Select(deviceColumns...).
		From("devices").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("last_seen_at DESC").
		ToSql()
}

// hasAccess selects one live entitlement whose prefix covers asset.
func (d dialect) hasAccess(userID, asset string, now any) (string, []any, error) {
	return d.builder().
		Select("1").
		From("entitlements").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": now}}).
		Where(sq.Expr("substr(?, 1, length(asset_prefix)) = asset_prefix", asset)).
		Limit(1).
		ToSql()
}
