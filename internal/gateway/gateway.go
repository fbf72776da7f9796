package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/audio"
)

// DeviceHeader carries the calling device's uuid.
const DeviceHeader = "X-Device-UUID"

// ErrMissingCredentials is returned when neither credential form is present.
var ErrMissingCredentials = errors.New("missing stream credentials")

// Verifier checks stream grants.
type Verifier interface {
	Verify(c access.Credentials, device string) (access.Grant, error)
}

// Stream is an opened, possibly truncated, asset ready to serve.
type Stream struct {
	Body        io.ReadSeeker
	ContentType string
	Size        int64
	ModTime     time.Time
	Name        string
	Preview     bool

	closer io.Closer
}

// Close releases the underlying asset.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Gateway verifies grants and serves the assets they name.
type Gateway struct {
	verifier Verifier
	store    Store
	logger   *log.Logger
}

func New(verifier Verifier, store Store, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Gateway{verifier: verifier, store: store, logger: logger}
}

// Open verifies c for device and opens the granted asset. Preview grants
// get a body cut to their length.
func (g *Gateway) Open(ctx context.Context, c access.Credentials, device string) (*Stream, error) {
	if c.Opaque == "" && (c.Token == "" || c.Expires == "" || c.Signature == "") {
		return nil, ErrMissingCredentials
	}
	grant, err := g.verifier.Verify(c, device)
	if err != nil {
		return nil, err
	}

	asset, err := g.store.Open(ctx, grant.Path)
	if err != nil {
		return nil, err
	}

	head := make([]byte, audio.SniffLen)
	n, err := asset.File.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		asset.File.Close()
		return nil, fmt.Errorf("read %s: %w", grant.Path, err)
	}
	contentType := audio.Sniff(head[:n])

	s := &Stream{
		ContentType: contentType,
		Size:        asset.Size,
		ModTime:     asset.ModTime,
		Name:        asset.Name,
		closer:      asset.File,
	}
	if grant.Preview() {
		header, off, length := previewSpan(asset.File, asset.Size, contentType, *grant.MaxPreviewSeconds)
		sp := &spliced{header: header, body: asset.File, offset: off, length: length}
		s.Body = io.NewSectionReader(sp, 0, sp.size())
		s.Size = sp.size()
		s.Preview = true
	} else {
		s.Body = asset.File
	}
	return s, nil
}

// ServeHTTP handles GET and HEAD on the stream endpoint.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, _ := access.CredentialsFromQuery(r.URL.Query())
	s, err := g.Open(r.Context(), c, r.Header.Get(DeviceHeader))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	defer s.Close()

	h := w.Header()
	h.Set("Content-Type", s.ContentType)
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("Accept-Ranges", "bytes")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": s.Name}))

	g.logger.Debug("streaming asset", "name", s.Name, "type", s.ContentType, "bytes", s.Size, "preview", s.Preview)
	// a zero ModTime keeps ServeContent from sending Last-Modified
	http.ServeContent(w, r, "", time.Time{}, s.Body)
}

// Status maps an Open error to its HTTP status and error code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, ErrMissingCredentials):
		return http.StatusBadRequest, "missing_credentials"
	case errors.Is(err, access.ErrTokenInvalid):
		return http.StatusForbidden, "invalid_token"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Status(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("stream failed", "path", r.URL.Path, "err", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": http.StatusText(status)},
	})
}
