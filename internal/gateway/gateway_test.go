package gateway

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/audio"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, *access.Service, string) {
	t.Helper()
	root := t.TempDir()
	svc, err := access.NewService(access.Config{Secret: bytes.Repeat([]byte("s"), 32)}, nil)
	require.NoError(t, err)
	return New(svc, NewFileStore(root), nil), svc, root
}

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func mp3Fixture(size int) []byte {
	// 90-byte ID3v2 body, then an MPEG-1 Layer III 128 kbps frame header
	b := make([]byte, size)
	copy(b, []byte{'I', 'D', '3', 4, 0, 0, 0, 0, 0, 90})
	copy(b[100:], []byte{0xFF, 0xFB, 0x90, 0x00})
	return b
}

func wavFixture(t *testing.T, seconds int) []byte {
	t.Helper()
	f := audio.Format{SampleRate: 44100, Channels: 2}
	samples := make([]int16, seconds*f.SampleRate*f.Channels)
	for i := range samples {
		samples[i] = int16(i % 1000)
	}
	var buf bytes.Buffer
	require.NoError(t, audio.EncodeWAV(&buf, f, samples))
	return buf.Bytes()
}

func get(g *Gateway, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func issue(t *testing.T, svc *access.Service, path string, preview *int, device string, opaque bool) string {
	t.Helper()
	tok, err := svc.Issue(path, time.Minute, preview, device)
	require.NoError(t, err)
	return tok.URL("/v1/stream", opaque)
}

func seconds(n int) *int { return &n }

func TestServeHTTP_FullStream(t *testing.T) {
	g, svc, root := newTestGateway(t)
	data := mp3Fixture(50_000)
	writeFile(t, root, "en/general/remote-a/hello-key.mp3", data)

	for _, opaque := range []bool{false, true} {
		rec := get(g, issue(t, svc, "en/general/remote-a/hello-key.mp3", nil, "", opaque), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, data, rec.Body.Bytes())

		h := rec.Header()
		require.Equal(t, "audio/mpeg", h.Get("Content-Type"))
		require.Equal(t, "no-store, no-cache, must-revalidate", h.Get("Cache-Control"))
		require.Equal(t, "no-cache", h.Get("Pragma"))
		require.Equal(t, "0", h.Get("Expires"))
		require.Equal(t, "bytes", h.Get("Accept-Ranges"))
		require.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
		require.Contains(t, h.Get("Content-Disposition"), "inline")
		require.Empty(t, h.Get("Last-Modified"))
	}
}

func TestServeHTTP_SniffsIgnoringExtension(t *testing.T) {
	g, svc, root := newTestGateway(t)
	writeFile(t, root, "a/track.mp3", wavFixture(t, 1))
	writeFile(t, root, "a/other.wav", []byte("OggS and then some bytes"))
	writeFile(t, root, "a/blob.ogg", []byte("plain text, not audio"))

	for path, want := range map[string]string{
		"a/track.mp3": "audio/wav",
		"a/other.wav": "audio/ogg",
		"a/blob.ogg":  "application/octet-stream",
	} {
		rec := get(g, issue(t, svc, path, nil, "", false), nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		require.Equal(t, want, rec.Header().Get("Content-Type"), path)
	}
}

func TestServeHTTP_Range(t *testing.T) {
	g, svc, root := newTestGateway(t)
	data := mp3Fixture(10_000)
	writeFile(t, root, "a.mp3", data)

	rec := get(g, issue(t, svc, "a.mp3", nil, "", false), map[string]string{"Range": "bytes=100-109"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	require.Equal(t, data[100:110], rec.Body.Bytes())
}

func TestServeHTTP_PreviewMP3(t *testing.T) {
	g, svc, root := newTestGateway(t)
	data := mp3Fixture(100_000)
	writeFile(t, root, "a.mp3", data)

	rec := get(g, issue(t, svc, "a.mp3", seconds(2), "", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	// ID3 tag plus two seconds at 128 kbps
	require.Equal(t, data[:100+2*16_000], rec.Body.Bytes())

	rec = get(g, issue(t, svc, "a.mp3", seconds(60), "", false), nil)
	require.Equal(t, data, rec.Body.Bytes(), "preview longer than the asset serves it whole")
}

func TestServeHTTP_PreviewWAV(t *testing.T) {
	g, svc, root := newTestGateway(t)
	data := wavFixture(t, 3)
	writeFile(t, root, "a.wav", data)

	rec := get(g, issue(t, svc, "a.wav", seconds(1), "", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.Bytes()
	byteRate := 44100 * 2 * 2
	require.Len(t, body, audio.WAVHeaderSize+byteRate)
	require.Equal(t, uint32(byteRate), binary.LittleEndian.Uint32(body[40:44]))
	require.Equal(t, data[audio.WAVHeaderSize:audio.WAVHeaderSize+byteRate], body[audio.WAVHeaderSize:])

	info, err := audio.ReadWAVInfo(bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 44100, info.SampleRate)
	require.Equal(t, int64(byteRate), info.DataSize)
}

func TestServeHTTP_PreviewFallbackBitrate(t *testing.T) {
	g, svc, root := newTestGateway(t)
	data := bytes.Repeat([]byte("x"), 50_000)
	writeFile(t, root, "a.bin", data)

	rec := get(g, issue(t, svc, "a.bin", seconds(1), "", false), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rec.Body.Bytes(), FallbackBitrate/8)
}

func TestServeHTTP_Errors(t *testing.T) {
	g, svc, root := newTestGateway(t)
	writeFile(t, root, "a.mp3", mp3Fixture(1000))

	tampered := issue(t, svc, "a.mp3", nil, "", false) + "0"
	tests := []struct {
		name   string
		target string
		device string
		want   int
	}{
		{"no params", "/v1/stream", "", http.StatusBadRequest},
		{"partial params", "/v1/stream?token=abc&expires=1", "", http.StatusBadRequest},
		{"tampered", tampered, "", http.StatusForbidden},
		{"wrong device", issue(t, svc, "a.mp3", nil, "dev-a", false), "dev-b", http.StatusForbidden},
		{"bound device", issue(t, svc, "a.mp3", nil, "dev-a", true), "dev-a", http.StatusOK},
		{"missing asset", issue(t, svc, "nope.mp3", nil, "", false), "", http.StatusNotFound},
		{"traversal", issue(t, svc, "../outside.mp3", nil, "", false), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(g, tt.target, map[string]string{DeviceHeader: tt.device})
			require.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusOK {
				require.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestFileStore_Traversal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "in/a.mp3", []byte("x"))
	s := NewFileStore(filepath.Join(root, "in"))

	for _, rel := range []string{"../a.mp3", "/etc/passwd", "a/../../x", "", "a\x00b"} {
		_, err := s.Open(t.Context(), rel)
		require.ErrorIs(t, err, ErrNotFound, rel)
	}

	a, err := s.Open(t.Context(), "a.mp3")
	require.NoError(t, err)
	defer a.File.Close()
	b, err := io.ReadAll(a.File)
	require.NoError(t, err)
	require.Equal(t, "x", string(b))
}

func TestMP3FrameBitrate(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		want   int
	}{
		{"mpeg1 layer3 128k", []byte{0xFF, 0xFB, 0x90, 0x00}, 128_000},
		{"mpeg1 layer3 320k", []byte{0xFF, 0xFB, 0xE0, 0x00}, 320_000},
		{"mpeg2 layer3 64k", []byte{0xFF, 0xF3, 0x80, 0x00}, 64_000},
		{"free format", []byte{0xFF, 0xFB, 0x00, 0x00}, 0},
		{"not a frame", []byte{0x00, 0x00, 0x00, 0x00}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mp3FrameBitrate(tt.header); got != tt.want {
				t.Errorf("mp3FrameBitrate() = %d, want %d", got, tt.want)
			}
		})
	}
}
