package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Memory is an in-process ledger for tests and single-node development.
type Memory struct {
	mu        sync.Mutex
	limit     int
	now       func() time.Time
	devices   map[string]map[string]*Device
	grants    map[string][]Entitlement
	downloads map[[2]string]*Download
}

func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = DefaultDeviceLimit
	}
	return &Memory{
		limit:     limit,
		now:       time.Now,
		devices:   make(map[string]map[string]*Device),
		grants:    make(map[string][]Entitlement),
		downloads: make(map[[2]string]*Download),
	}
}

func newID() string { return uuid.Must(uuid.NewV4()).String() }

func (m *Memory) DeviceCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices[userID]), nil
}

func (m *Memory) RegisterOrTouch(_ context.Context, userID, deviceUUID string, info DeviceInfo) (Device, error) {
	if err := validateRegistration(userID, deviceUUID); err != nil {
		return Device{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	user := m.devices[userID]
	if d, ok := user[deviceUUID]; ok {
		d.DeviceInfo = info
		d.LastSeenAt = now
		return *d, nil
	}
	if len(user) >= m.limit {
		return Device{}, ErrLimitExceeded
	}
	if user == nil {
		user = make(map[string]*Device)
		m.devices[userID] = user
	}
	d := &Device{
		ID:         newID(),
		UserID:     userID,
		DeviceUUID: deviceUUID,
		DeviceInfo: info,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	user[deviceUUID] = d
	return *d, nil
}

func (m *Memory) ListDevices(_ context.Context, userID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices[userID]))
	for _, d := range m.devices[userID] {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (m *Memory) RemoveDevice(_ context.Context, userID, deviceUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[userID][deviceUUID]; !ok {
		return ErrNotFound
	}
	delete(m.devices[userID], deviceUUID)
	return nil
}

func (m *Memory) Grant(_ context.Context, e Entitlement) (Entitlement, error) {
	if err := validateGrant(e); err != nil {
		return Entitlement{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = newID()
	e.CreatedAt = m.now().UTC()
	m.grants[e.UserID] = append(m.grants[e.UserID], e)
	return e, nil
}

func (m *Memory) HasAccess(_ context.Context, userID, asset string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, e := range m.grants[userID] {
		if e.Covers(asset, now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RecordDownloadRequest(_ context.Context, req DownloadRequest) (Download, error) {
	req, err := validateDownload(req)
	if err != nil {
		return Download{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := [2]string{req.UserID, req.AssetID}
	if d, ok := m.downloads[k]; ok {
		if d.Completed && sameContent(*d, req) {
			return *d, nil
		}
		d.DeviceUUID = req.DeviceUUID
		d.BytesExpected = req.BytesExpected
		d.SHA256 = req.SHA256
		d.Completed = false
		d.CompletedAt = nil
		return *d, nil
	}
	d := &Download{
		ID:            newID(),
		UserID:        req.UserID,
		AssetID:       req.AssetID,
		DeviceUUID:    req.DeviceUUID,
		BytesExpected: req.BytesExpected,
		SHA256:        req.SHA256,
		CreatedAt:     m.now().UTC(),
	}
	m.downloads[k] = d
	return *d, nil
}

func (m *Memory) CompleteDownload(_ context.Context, userID, assetID string, bytes int64, sha256 string) (Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.downloads[[2]string{userID, assetID}]
	if !ok {
		return Download{}, ErrNotFound
	}
	if d.BytesExpected != bytes || d.SHA256 != strings.ToLower(sha256) {
		return Download{}, ErrMismatch
	}
	if !d.Completed {
		now := m.now().UTC()
		d.Completed = true
		d.CompletedAt = &now
	}
	return *d, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

var _ Ledger = (*Memory)(nil)
