package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	digestA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digestB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type factory func(t *testing.T, limit int, c *clock) Ledger

func memoryFactory(_ *testing.T, limit int, c *clock) Ledger {
	m := NewMemory(limit)
	m.now = c.Now
	return m
}

func sqliteFactory(t *testing.T, limit int, c *clock) Ledger {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), limit)
	if err != nil && strings.Contains(err.Error(), "CGO_ENABLED") {
		t.Skip("sqlite3 driver needs cgo")
	}
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.now = c.Now
	return s
}

var factories = map[string]factory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLedger_DeviceLimit(t *testing.T) {
	for name, newLedger := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, 3, newClock())

			for i := range 3 {
				_, err := l.RegisterOrTouch(ctx, "u1", fmt.Sprintf("dev-%d", i), DeviceInfo{Platform: "ios"})
				require.NoError(t, err)
			}
			_, err := l.RegisterOrTouch(ctx, "u1", "dev-3", DeviceInfo{})
			require.ErrorIs(t, err, ErrLimitExceeded)

			// known devices always succeed and act as a heartbeat
			d, err := l.RegisterOrTouch(ctx, "u1", "dev-0", DeviceInfo{Platform: "android", AppVersion: "2.0"})
			require.NoError(t, err)
			require.Equal(t, "android", d.Platform)
			require.NotEmpty(t, d.ID)

			// other users are unaffected
			_, err = l.RegisterOrTouch(ctx, "u2", "dev-3", DeviceInfo{})
			require.NoError(t, err)

			n, err := l.DeviceCount(ctx, "u1")
			require.NoError(t, err)
			require.Equal(t, 3, n)

			require.NoError(t, l.RemoveDevice(ctx, "u1", "dev-1"))
			require.ErrorIs(t, l.RemoveDevice(ctx, "u1", "dev-1"), ErrNotFound)
			_, err = l.RegisterOrTouch(ctx, "u1", "dev-3", DeviceInfo{})
			require.NoError(t, err)

			devices, err := l.ListDevices(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, devices, 3)
		})
	}
}

func TestLedger_ConcurrentRegistration(t *testing.T) {
	for name, newLedger := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, 2, newClock())

			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				ok       int
				rejected int
			)
			for i := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.RegisterOrTouch(ctx, "u1", fmt.Sprintf("dev-%d", i), DeviceInfo{})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						ok++
					case err == ErrLimitExceeded:
						rejected++
					default:
						t.Errorf("RegisterOrTouch() error = %v", err)
					}
				}()
			}
			wg.Wait()

			require.Equal(t, 2, ok)
			require.Equal(t, 6, rejected)
			n, err := l.DeviceCount(ctx, "u1")
			require.NoError(t, err)
			require.Equal(t, 2, n)
		})
	}
}

func TestLedger_Entitlements(t *testing.T) {
	for name, newLedger := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := newClock()
			l := newLedger(t, 3, c)

			has, err := l.HasAccess(ctx, "u1", "en/stories/a.mp3")
			require.NoError(t, err)
			require.False(t, has)

			expires := c.Now().Add(time.Hour)
			_, err = l.Grant(ctx, Entitlement{UserID: "u1", Kind: GrantTrial, AssetPrefix: "en/stories/", ExpiresAt: &expires})
			require.NoError(t, err)

			has, err = l.HasAccess(ctx, "u1", "en/stories/a.mp3")
			require.NoError(t, err)
			require.True(t, has)

			has, err = l.HasAccess(ctx, "u1", "en/music/a.mp3")
			require.NoError(t, err)
			require.False(t, has, "prefix does not cover other categories")

			c.Add(2 * time.Hour)
			has, err = l.HasAccess(ctx, "u1", "en/stories/a.mp3")
			require.NoError(t, err)
			require.False(t, has, "expired grant")

			_, err = l.Grant(ctx, Entitlement{UserID: "u1", Kind: GrantSubscription})
			require.NoError(t, err)
			has, err = l.HasAccess(ctx, "u1", "fr/anything.mp3")
			require.NoError(t, err)
			require.True(t, has, "empty prefix covers everything")

			_, err = l.Grant(ctx, Entitlement{UserID: "u1", Kind: "gift"})
			require.Error(t, err)
		})
	}
}

func TestLedger_Downloads(t *testing.T) {
	for name, newLedger := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := newLedger(t, 3, newClock())

			_, err := l.CompleteDownload(ctx, "u1", "a.mp3", 10, digestA)
			require.ErrorIs(t, err, ErrNotFound)

			req := DownloadRequest{UserID: "u1", AssetID: "a.mp3", DeviceUUID: "dev-0", BytesExpected: 1024, SHA256: strings.ToUpper(digestA)}
			d, err := l.RecordDownloadRequest(ctx, req)
			require.NoError(t, err)
			require.False(t, d.Completed)
			require.Equal(t, digestA, d.SHA256)

			_, err = l.CompleteDownload(ctx, "u1", "a.mp3", 1000, digestA)
			require.ErrorIs(t, err, ErrMismatch)
			_, err = l.CompleteDownload(ctx, "u1", "a.mp3", 1024, digestB)
			require.ErrorIs(t, err, ErrMismatch)

			d, err = l.CompleteDownload(ctx, "u1", "a.mp3", 1024, digestA)
			require.NoError(t, err)
			require.True(t, d.Completed)
			require.NotNil(t, d.CompletedAt)

			// completing again is idempotent
			d2, err := l.CompleteDownload(ctx, "u1", "a.mp3", 1024, digestA)
			require.NoError(t, err)
			require.Equal(t, d.ID, d2.ID)
			require.True(t, d2.Completed)

			// a re-download of identical content keeps the completed record
			d3, err := l.RecordDownloadRequest(ctx, req)
			require.NoError(t, err)
			require.Equal(t, d.ID, d3.ID)
			require.True(t, d3.Completed)

			// new content reopens it
			req.SHA256 = digestB
			d4, err := l.RecordDownloadRequest(ctx, req)
			require.NoError(t, err)
			require.Equal(t, d.ID, d4.ID)
			require.False(t, d4.Completed)
			require.Nil(t, d4.CompletedAt)
		})
	}
}

func TestValidateDownload(t *testing.T) {
	tests := []struct {
		name    string
		req     DownloadRequest
		wantErr bool
	}{
		{"ok", DownloadRequest{UserID: "u", AssetID: "a", BytesExpected: 1, SHA256: digestA}, false},
		{"no user", DownloadRequest{AssetID: "a", BytesExpected: 1, SHA256: digestA}, true},
		{"zero bytes", DownloadRequest{UserID: "u", AssetID: "a", SHA256: digestA}, true},
		{"short digest", DownloadRequest{UserID: "u", AssetID: "a", BytesExpected: 1, SHA256: "abc"}, true},
		{"not hex", DownloadRequest{UserID: "u", AssetID: "a", BytesExpected: 1, SHA256: strings.Repeat("z", 64)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateDownload(tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateDownload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
