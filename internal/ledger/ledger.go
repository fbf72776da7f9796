// Package ledger records who may listen to what: registered devices under a
// per-user cap, access grants, and download completion records.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Ledger errors. The transport maps these to 409 and 403 responses.
var (
	// ErrLimitExceeded means registering a new device would pass the cap
	ErrLimitExceeded = errors.New("device limit reached")

	// ErrMismatch means a completed download does not match its request
	ErrMismatch = errors.New("download mismatch")

	// ErrNoEntitlement means the user holds no grant covering the asset
	ErrNoEntitlement = errors.New("no entitlement")

	// ErrNotFound means the device or download record does not exist
	ErrNotFound = errors.New("not found")
)

// DefaultDeviceLimit applies when a store is built with a zero limit.
const DefaultDeviceLimit = 3

// DeviceInfo is what a client reports about itself.
type DeviceInfo struct {
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// Device is a registered device.
type Device struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	DeviceUUID string    `json:"device_uuid"`
	DeviceInfo           // flattened into the JSON object
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// GrantKind says where an entitlement came from.
type GrantKind string

const (
	GrantSubscription GrantKind = "subscription"
	GrantPurchase     GrantKind = "purchase"
	GrantTrial        GrantKind = "trial"
)

// Valid reports whether k is a known kind.
func (k GrantKind) Valid() bool {
	switch k {
	case GrantSubscription, GrantPurchase, GrantTrial:
		return true
	}
	return false
}

// Entitlement authorizes a user for every asset under AssetPrefix. An empty
// prefix covers the whole catalog.
type Entitlement struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Kind        GrantKind  `json:"kind"`
	AssetPrefix string     `json:"asset_prefix"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Covers reports whether e authorizes asset at now.
func (e Entitlement) Covers(asset string, now time.Time) bool {
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return strings.HasPrefix(asset, e.AssetPrefix)
}

// DownloadRequest opens a provisional download record.
type DownloadRequest struct {
	UserID        string `json:"user_id"`
	AssetID       string `json:"asset_id"`
	DeviceUUID    string `json:"device_uuid"`
	BytesExpected int64  `json:"bytes_expected"`
	SHA256        string `json:"sha256"`
}

// Download is a download record. One exists per (user, asset).
type Download struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	AssetID       string     `json:"asset_id"`
	DeviceUUID    string     `json:"device_uuid"`
	BytesExpected int64      `json:"bytes_expected"`
	SHA256        string     `json:"sha256"`
	Completed     bool       `json:"completed"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Ledger is implemented by Memory, Postgres and SQLite.
type Ledger interface {
	DeviceCount(ctx context.Context, userID string) (int, error)

	// RegisterOrTouch registers deviceUUID for userID, or refreshes it when
	// already known. A new device past the cap fails with ErrLimitExceeded.
	RegisterOrTouch(ctx context.Context, userID, deviceUUID string, info DeviceInfo) (Device, error)

	ListDevices(ctx context.Context, userID string) ([]Device, error)
	RemoveDevice(ctx context.Context, userID, deviceUUID string) error

	Grant(ctx context.Context, e Entitlement) (Entitlement, error)
	HasAccess(ctx context.Context, userID, asset string) (bool, error)

	// RecordDownloadRequest opens or resets the record for (user, asset).
	// Repeating a completed download of the same content leaves it as is.
	RecordDownloadRequest(ctx context.Context, req DownloadRequest) (Download, error)

	// CompleteDownload marks the record complete when bytes and digest
	// match what was requested, and fails with ErrMismatch otherwise.
	CompleteDownload(ctx context.Context, userID, assetID string, bytes int64, sha256 string) (Download, error)

	Ping(ctx context.Context) error
	Close() error
}

func validateRegistration(userID, deviceUUID string) error {
	if userID == "" || deviceUUID == "" {
		return errors.New("user id and device uuid are required")
	}
	return nil
}

func validateGrant(e Entitlement) error {
	if e.UserID == "" {
		return errors.New("user id is required")
	}
	if !e.Kind.Valid() {
		return errors.New("unknown grant kind " + string(e.Kind))
	}
	return nil
}

func validateDownload(req DownloadRequest) (DownloadRequest, error) {
	if req.UserID == "" || req.AssetID == "" {
		return req, errors.New("user id and asset id are required")
	}
	if req.BytesExpected <= 0 {
		return req, errors.New("expected size must be positive")
	}
	req.SHA256 = strings.ToLower(req.SHA256)
	if len(req.SHA256) != 64 || strings.Trim(req.SHA256, "0123456789abcdef") != "" {
		return req, errors.New("sha256 must be 64 hex characters")
	}
	return req, nil
}

// sameContent reports whether a record already describes req's bytes.
func sameContent(d Download, req DownloadRequest) bool {
	return d.BytesExpected == req.BytesExpected && d.SHA256 == req.SHA256
}
