package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = bytes.Repeat([]byte("s"), 32)

type fakeSynth struct {
	calls atomic.Int32
}

func (f *fakeSynth) GetOrSynthesize(_ context.Context, req ttypes.SynthesisRequest) (ttypes.CachedAsset, error) {
	f.calls.Add(1)
	if strings.TrimSpace(req.Text) == "" {
		return ttypes.CachedAsset{}, tts.Validationf("text must not be empty")
	}
	if req.Text == "boom" {
		return ttypes.CachedAsset{}, tts.Upstream(ttypes.EngineRemote, req.VoiceID, "engine rejected request", fmt.Errorf("status 500"))
	}
	key := fmt.Sprintf("%064x", len(req.Text))
	return ttypes.CachedAsset{Key: key, RelativePath: key + ".mp3", Codec: ttypes.CodecMP3, SizeBytes: 10}, nil
}

func (f *fakeSynth) Preview(_ context.Context, asset ttypes.CachedAsset, _ float64, dir string) (string, error) {
	p := filepath.Join(dir, "preview-"+asset.Key+".mp3")
	return p, os.WriteFile(p, []byte("ID3"), 0o644)
}

type harness struct {
	srv      *Server
	synth    *fakeSynth
	ledger   *ledger.Memory
	sessions *access.SessionManager
	assets   string
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	tokens, err := access.NewService(access.Config{Secret: secret}, nil)
	require.NoError(t, err)
	sessions, err := access.NewSessionManager(secret, "audiovault", time.Hour, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "books"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "books", "ch1.mp3"), bytes.Repeat([]byte{0xAB}, 4096), 0o644))
	store := gateway.NewFileStore(dir)

	led := ledger.NewMemory(limit)
	synth := &fakeSynth{}
	srv, err := New(Config{PreviewDir: t.TempDir(), PublicURL: "https://cdn.example"}, Deps{
		Synth:    synth,
		Tokens:   tokens,
		Sessions: sessions,
		Ledger:   led,
		Gateway:  gateway.New(tokens, store, nil),
		Assets:   store,
	}, nil)
	require.NoError(t, err)
	return &harness{srv: srv, synth: synth, ledger: led, sessions: sessions, assets: dir}
}

func (h *harness) token(t *testing.T, user, role string) string {
	t.Helper()
	raw, _, err := h.sessions.Issue(user, role)
	require.NoError(t, err)
	return raw
}

func (h *harness) do(t *testing.T, method, target, session, device string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if session != "" {
		req.Header.Set("Authorization", "Bearer "+session)
	}
	if device != "" {
		req.Header.Set(gateway.DeviceHeader, device)
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

func parse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var r response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r), rec.Body.String())
	return r
}

func TestHealth(t *testing.T) {
	h := newHarness(t, 3)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/readyz", "", "", nil).Code)
}

func TestRequestID(t *testing.T) {
	h := newHarness(t, 3)
	rec := h.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSessionRequired(t *testing.T) {
	h := newHarness(t, 3)

	rec := h.do(t, http.MethodGet, "/v1/devices", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", parse(t, rec).Error.Code)

	rec = h.do(t, http.MethodGet, "/v1/devices", "not-a-jwt", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	listener := h.token(t, "u1", access.RoleListener)
	rec = h.do(t, http.MethodPost, "/v1/synthesize", listener, "", ttypes.SynthesisRequest{Text: "hi"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", parse(t, rec).Error.Code)
	assert.Zero(t, h.synth.calls.Load())
}

func TestDevices_LimitAndRemove(t *testing.T) {
	h := newHarness(t, 2)
	sess := h.token(t, "u1", access.RoleListener)

	for _, id := range []string{"dev-a", "dev-b", "dev-a"} {
		rec := h.do(t, http.MethodPost, "/v1/devices", sess, id, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec := h.do(t, http.MethodPost, "/v1/devices", sess, "dev-c", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "device_limit_reached", parse(t, rec).Error.Code)

	rec = h.do(t, http.MethodGet, "/v1/devices", sess, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(parse(t, rec).Data, &list))
	assert.Equal(t, 2, list.Count)

	rec = h.do(t, http.MethodDelete, "/v1/devices/dev-a", sess, "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, http.MethodDelete, "/v1/devices/dev-a", sess, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/devices", sess, "dev-c", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevices_BodyAndMissingID(t *testing.T) {
	h := newHarness(t, 3)
	sess := h.token(t, "u1", access.RoleListener)

	rec := h.do(t, http.MethodPost, "/v1/devices", sess, "", map[string]string{"device_uuid": "dev-x", "platform": "ios"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	devices, err := h.ledger.ListDevices(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "ios", devices[0].Platform)

	rec = h.do(t, http.MethodPost, "/v1/devices", sess, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccess_PreviewWithoutEntitlement(t *testing.T) {
	h := newHarness(t, 3)
	sess := h.token(t, "u1", access.RoleListener)

	rec := h.do(t, http.MethodPost, "/v1/access", sess, "dev-a", map[string]any{"path": "books/ch1.mp3"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "entitlement_required", parse(t, rec).Error.Code)

	rec = h.do(t, http.MethodPost, "/v1/access", sess, "dev-a", map[string]any{"path": "books/ch1.mp3", "preview": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out accessResponse
	require.NoError(t, json.Unmarshal(parse(t, rec).Data, &out))
	require.NotNil(t, out.PreviewSeconds)
	assert.Equal(t, 30, *out.PreviewSeconds)
	assert.True(t, strings.HasPrefix(out.URL, "https://cdn.example/v1/stream?"), out.URL)
}

func TestAccess_StreamRoundTrip(t *testing.T) {
	h := newHarness(t, 3)
	sess := h.token(t, "u1", access.RoleListener)
	_, err := h.ledger.Grant(context.Background(), ledger.Entitlement{UserID: "u1", Kind: ledger.GrantPurchase, AssetPrefix: "books/"})
	require.NoError(t, err)

	for _, opaque := range []bool{false, true} {
		rec := h.do(t, http.MethodPost, "/v1/access", sess, "dev-a", map[string]any{"path": "books/ch1.mp3", "opaque": opaque})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out accessResponse
		require.NoError(t, json.Unmarshal(parse(t, rec).Data, &out))
		assert.Nil(t, out.PreviewSeconds)

		target := strings.TrimPrefix(out.URL, "https://cdn.example")
		rec = h.do(t, http.MethodGet, target, "", "dev-a", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 4096, rec.Body.Len())

		rec = h.do(t, http.MethodGet, target, "", "dev-b", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	}
}

func TestAccess_DeviceLimitBlocksGrant(t *testing.T) {
	h := newHarness(t, 1)
	sess := h.token(t, "u1", access.RoleListener)

	rec := h.do(t, http.MethodPost, "/v1/access", sess, "dev-a", map[string]any{"path": "books/ch1.mp3", "preview": true})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/access", sess, "dev-b", map[string]any{"path": "books/ch1.mp3", "preview": true})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAccess_BadBody(t *testing.T) {
	h := newHarness(t, 3)
	sess := h.token(t, "u1", access.RoleListener)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"unknown field", `{"path":"a","extra":1}`},
		{"trailing data", `{"path":"a"}{}`},
		{"missing path", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, http.MethodPost, "/v1/access", sess, "dev-a", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestDownloads(t *testing.T) {
	h := newHarness(t, 3)
	sess := h.token(t, "u1", access.RoleListener)

	rec := h.do(t, http.MethodPost, "/v1/downloads", sess, "dev-a", map[string]string{"path": "books/ch1.mp3"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := h.ledger.Grant(context.Background(), ledger.Entitlement{UserID: "u1", Kind: ledger.GrantSubscription, AssetPrefix: "books/"})
	require.NoError(t, err)

	rec = h.do(t, http.MethodPost, "/v1/downloads", sess, "dev-a", map[string]string{"path": "books/ch1.mp3"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out struct {
		Download ledger.Download `json:"download"`
		URL      string          `json:"url"`
	}
	require.NoError(t, json.Unmarshal(parse(t, rec).Data, &out))
	assert.EqualValues(t, 4096, out.Download.BytesExpected)
	assert.Len(t, out.Download.SHA256, 64)
	assert.False(t, out.Download.Completed)

	rec = h.do(t, http.MethodPost, "/v1/downloads/complete", sess, "", map[string]any{
		"asset_id": "books/ch1.mp3", "bytes": 4095, "sha256": out.Download.SHA256,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "download_mismatch", parse(t, rec).Error.Code)

	rec = h.do(t, http.MethodPost, "/v1/downloads/complete", sess, "", map[string]any{
		"asset_id": "books/ch1.mp3", "bytes": 4096, "sha256": out.Download.SHA256,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/v1/downloads", sess, "dev-a", map[string]string{"path": "books/missing.mp3"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSynthesize(t *testing.T) {
	h := newHarness(t, 3)
	adm := h.token(t, "ops", access.RoleAdmin)

	rec := h.do(t, http.MethodPost, "/v1/synthesize", adm, "", ttypes.SynthesisRequest{Text: "hello", Engine: ttypes.EngineRemote})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/synthesize", adm, "", ttypes.SynthesisRequest{Text: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", parse(t, rec).Error.Code)

	rec = h.do(t, http.MethodPost, "/v1/synthesize", adm, "", ttypes.SynthesisRequest{Text: "boom"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream_synthesis_failed", parse(t, rec).Error.Code)
}

func TestBulkPreview_IsolatesFailures(t *testing.T) {
	h := newHarness(t, 3)
	adm := h.token(t, "ops", access.RoleAdmin)

	reqs := make([]ttypes.SynthesisRequest, 5)
	for i := range reqs {
		reqs[i] = ttypes.SynthesisRequest{Text: strings.Repeat("x", i+1)}
	}
	reqs[3].Text = ""

	rec := h.do(t, http.MethodPost, "/v1/previews/bulk", adm, "", reqs)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res BulkResult
	require.NoError(t, json.Unmarshal(parse(t, rec).Data, &res))

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Completed)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 3, res.Errors[0].Index)
	assert.Equal(t, "validation_error", res.Errors[0].Code)

	indexes := make([]int, 0, len(res.Items))
	for _, it := range res.Items {
		indexes = append(indexes, it.Index)
		assert.True(t, strings.HasPrefix(it.Preview, "preview-"))
	}
	assert.Equal(t, []int{0, 1, 2, 4}, indexes)
}

func TestBulkPreview_Limits(t *testing.T) {
	h := newHarness(t, 3)
	adm := h.token(t, "ops", access.RoleAdmin)

	tooMany := make([]ttypes.SynthesisRequest, MaxBulkItems+1)
	for i := range tooMany {
		tooMany[i] = ttypes.SynthesisRequest{Text: "x"}
	}
	rec := h.do(t, http.MethodPost, "/v1/previews/bulk", adm, "", tooMany)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, h.synth.calls.Load())

	rec = h.do(t, http.MethodPost, "/v1/previews/bulk", adm, "", []ttypes.SynthesisRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/previews/bulk", adm, "", tooMany[:MaxBulkItems])
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/v1/previews/bulk?seconds=0", adm, "", tooMany[:1])
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, 3)
	h.srv.SetRateLimit(1, 2)
	sess := h.token(t, "u1", access.RoleListener)

	var limited bool
	for range 5 {
		if h.do(t, http.MethodGet, "/v1/devices", sess, "", nil).Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", "", nil).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{tts.Validationf("bad"), http.StatusBadRequest, "validation_error"},
		{tts.NewError(tts.ErrorCodeTimeout, "slow", nil), http.StatusGatewayTimeout, "engine_timeout"},
		{tts.Transcode("x", nil), http.StatusInternalServerError, "transcode_failed"},
		{tts.NewError(tts.ErrorCodeStorage, "disk", nil), http.StatusServiceUnavailable, "storage_unavailable"},
		{fmt.Errorf("wrap: %w", ledger.ErrLimitExceeded), http.StatusConflict, "device_limit_reached"},
		{access.ErrTokenInvalid, http.StatusForbidden, "invalid_token"},
		{gateway.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("db down"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		status, code, _ := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}
