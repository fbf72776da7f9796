package server

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/ledger"
)

// Device headers sent by the player apps.
const (
	headerPlatform   = "X-Device-Platform"
	headerModel      = "X-Device-Model"
	headerAppVersion = "X-App-Version"
)

type deviceRequest struct {
	DeviceUUID string `json:"device_uuid"`
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	AppVersion string `json:"app_version"`
}

// deviceFromRequest reads the device from headers, letting a JSON body
// fill what the headers leave out.
func deviceFromRequest(r *http.Request, body *deviceRequest) (string, ledger.DeviceInfo, error) {
	id := strings.TrimSpace(r.Header.Get(gateway.DeviceHeader))
	info := ledger.DeviceInfo{
		Platform:   r.Header.Get(headerPlatform),
		Model:      r.Header.Get(headerModel),
		AppVersion: r.Header.Get(headerAppVersion),
	}
	if body != nil {
		if id == "" {
			id = strings.TrimSpace(body.DeviceUUID)
		}
		if info.Platform == "" {
			info.Platform = body.Platform
		}
		if info.Model == "" {
			info.Model = body.Model
		}
		if info.AppVersion == "" {
			info.AppVersion = body.AppVersion
		}
	}
	if id == "" {
		return "", info, badRequest("device uuid is required (%s header)", gateway.DeviceHeader)
	}
	if len(id) > 128 || strings.ContainsAny(id, "\r\n\x00") {
		return "", info, badRequest("malformed device uuid")
	}
	return id, info, nil
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceRequest
	if r.ContentLength > 0 {
		if err := decode(r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	id, info, err := deviceFromRequest(r, &body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	user := sessionFrom(r.Context()).UserID
	d, err := s.deps.Ledger.RegisterOrTouch(r.Context(), user, id, info)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.deps.Ledger.DeviceCount(r.Context(), user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"device": d, "count": n})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.deps.Ledger.ListDevices(r.Context(), sessionFrom(r.Context()).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []ledger.Device{}
	}
	writeData(w, r, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Ledger.RemoveDevice(r.Context(), sessionFrom(r.Context()).UserID, r.PathValue("uuid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accessRequest struct {
	Path    string `json:"path"`
	Preview bool   `json:"preview"`
	Opaque  bool   `json:"opaque"`
}

type accessResponse struct {
	URL            string    `json:"url"`
	ExpiresAt      time.Time `json:"expires_at"`
	PreviewSeconds *int      `json:"preview_seconds,omitempty"`
}

// handleAccess registers the calling device and issues a device-bound
// stream grant. Previews need no entitlement.
func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	var req accessRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, r, badRequest("path is required"))
		return
	}
	device, info, err := deviceFromRequest(r, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	user := sessionFrom(ctx).UserID
	if _, err := s.deps.Ledger.RegisterOrTouch(ctx, user, device, info); err != nil {
		s.writeError(w, r, err)
		return
	}

	var preview *int
	if req.Preview {
		n := s.cfg.PreviewSeconds
		preview = &n
	} else {
		ok, err := s.deps.Ledger.HasAccess(ctx, user, req.Path)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, ledger.ErrNoEntitlement)
			return
		}
	}

	tok, err := s.deps.Tokens.Issue(req.Path, s.cfg.TokenTTL, preview, device)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	writeData(w, r, http.StatusOK, accessResponse{
		URL:            s.streamURL(tok, req.Opaque),
		ExpiresAt:      tok.ExpiresAt,
		PreviewSeconds: preview,
	})
}

func (s *Server) streamURL(tok access.Token, opaque bool) string {
	return tok.URL(strings.TrimRight(s.cfg.PublicURL, "/")+"/v1/stream", opaque)
}

type downloadRequest struct {
	Path string `json:"path"`
}

// handleDownload opens a provisional download record carrying the asset's
// size and digest, and returns a full grant to fetch it.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		s.writeError(w, r, badRequest("path is required"))
		return
	}
	device, info, err := deviceFromRequest(r, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.Assets == nil {
		s.writeError(w, r, gateway.ErrNotFound)
		return
	}

	ctx := r.Context()
	user := sessionFrom(ctx).UserID
	if _, err := s.deps.Ledger.RegisterOrTouch(ctx, user, device, info); err != nil {
		s.writeError(w, r, err)
		return
	}
	ok, err := s.deps.Ledger.HasAccess(ctx, user, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, ledger.ErrNoEntitlement)
		return
	}

	size, digest, err := s.digest(r, req.Path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Ledger.RecordDownloadRequest(ctx, ledger.DownloadRequest{
		UserID:        user,
		AssetID:       req.Path,
		DeviceUUID:    device,
		BytesExpected: size,
		SHA256:        digest,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := s.deps.Tokens.Issue(req.Path, s.cfg.TokenTTL, nil, device)
	if err != nil {
		s.writeError(w, r, badRequest("%v", err))
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"download":   rec,
		"url":        s.streamURL(tok, false),
		"expires_at": tok.ExpiresAt,
	})
}

func (s *Server) digest(r *http.Request, path string) (int64, string, error) {
	asset, err := s.deps.Assets.Open(r.Context(), path)
	if err != nil {
		return 0, "", err
	}
	defer asset.File.Close()
	h := sha256.New()
	n, err := io.Copy(h, asset.File)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

type completeRequest struct {
	AssetID string `json:"asset_id"`
	Bytes   int64  `json:"bytes"`
	SHA256  string `json:"sha256"`
}

func (s *Server) handleCompleteDownload(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.AssetID == "" {
		s.writeError(w, r, badRequest("asset_id is required"))
		return
	}
	rec, err := s.deps.Ledger.CompleteDownload(r.Context(), sessionFrom(r.Context()).UserID, req.AssetID, req.Bytes, req.SHA256)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"download": rec})
}
