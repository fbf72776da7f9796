package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/dgnsrekt/audiovault/internal/tts"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// errBadRequest marks malformed client input caught by the transport.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// errForbidden is returned for sessions lacking the admin role.
var errForbidden = errors.New("forbidden")

func writeJSON(w http.ResponseWriter, r *http.Request, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(env)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, r, status, envelope{Data: data})
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, r, status, envelope{Error: &apiError{Code: code, Message: msg}})
}

// classify maps an error to a status, code and client-safe message.
func classify(err error) (int, string, string) {
	var te *tts.Error
	if errors.As(err, &te) {
		switch te.Code {
		case tts.ErrorCodeValidation:
			return http.StatusBadRequest, "validation_error", te.Public()
		case tts.ErrorCodeTimeout:
			return http.StatusGatewayTimeout, "engine_timeout", te.Public()
		case tts.ErrorCodeUpstream:
			return http.StatusBadGateway, "upstream_synthesis_failed", te.Public()
		case tts.ErrorCodeTranscode:
			return http.StatusInternalServerError, "transcode_failed", te.Public()
		case tts.ErrorCodeStorage:
			return http.StatusServiceUnavailable, "storage_unavailable", te.Public()
		}
	}

	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request", strings.TrimPrefix(err.Error(), errBadRequest.Error()+": ")
	case errors.Is(err, access.ErrSessionInvalid):
		return http.StatusUnauthorized, "unauthorized", "a valid session is required"
	case errors.Is(err, errForbidden):
		return http.StatusForbidden, "forbidden", "admin role required"
	case errors.Is(err, access.ErrTokenInvalid):
		return http.StatusForbidden, "invalid_token", "access token is invalid"
	case errors.Is(err, ledger.ErrLimitExceeded):
		return http.StatusConflict, "device_limit_reached", "device limit reached; remove a device first"
	case errors.Is(err, ledger.ErrMismatch):
		return http.StatusConflict, "download_mismatch", "downloaded bytes do not match the requested asset"
	case errors.Is(err, ledger.ErrNoEntitlement):
		return http.StatusForbidden, "entitlement_required", "no active entitlement covers this asset"
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := classify(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestID(r.Context()), "err", err)
	}
	writeErrorCode(w, r, status, code, msg)
}

// decode reads a JSON body, rejecting unknown fields and trailing data.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	if dec.More() {
		return badRequest("invalid JSON body: trailing data")
	}
	return nil
}
