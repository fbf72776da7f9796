package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// ErrTokenInvalid covers every verification failure. Callers never learn
// whether a grant was expired, forged or bound to another device.
var ErrTokenInvalid = errors.New("access token invalid")

const canonicalVersion = "v1"

// b64 rejects non-zero padding bits so each grant has one encoding.
var b64 = base64.RawURLEncoding.Strict()

// Query parameter names.
const (
	ParamToken     = "token"
	ParamExpires   = "expires"
	ParamSignature = "signature"
	ParamOpaque    = "t"
)

// Token is an issued grant.
type Token struct {
	Path              string
	IssuedAt          time.Time
	ExpiresAt         time.Time
	MaxPreviewSeconds *int
	Device            string
	Signature         []byte
}

// Query returns the three-parameter transport form.
func (t Token) Query() url.Values {
	fields := []string{t.Path, unix(t.IssuedAt), preview(t.MaxPreviewSeconds), t.Device}
	return url.Values{
		ParamToken:     {base64.RawURLEncoding.EncodeToString([]byte(strings.Join(fields, "\n")))},
		ParamExpires:   {unix(t.ExpiresAt)},
		ParamSignature: {hex.EncodeToString(t.Signature)},
	}
}

// Opaque returns the single-parameter transport form.
func (t Token) Opaque() string {
	c := canonical(t.Path, t.IssuedAt, t.ExpiresAt, t.MaxPreviewSeconds, t.Device)
	return base64.RawURLEncoding.EncodeToString([]byte(c)) + "." + base64.RawURLEncoding.EncodeToString(t.Signature)
}

// URL appends the grant to base in either transport form.
func (t Token) URL(base string, opaque bool) string {
	q := t.Query()
	if opaque {
		q = url.Values{ParamOpaque: {t.Opaque()}}
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

// Credentials are what a client presents: either the three parameters or
// the opaque one.
type Credentials struct {
	Token     string
	Expires   string
	Signature string
	Opaque    string
}

// CredentialsFromQuery extracts credentials. ok is false when neither
// form is complete.
func CredentialsFromQuery(q url.Values) (Credentials, bool) {
	c := Credentials{
		Token:     q.Get(ParamToken),
		Expires:   q.Get(ParamExpires),
		Signature: q.Get(ParamSignature),
		Opaque:    q.Get(ParamOpaque),
	}
	if c.Opaque != "" {
		return c, true
	}
	return c, c.Token != "" && c.Expires != "" && c.Signature != ""
}

// Grant is what a verified token authorizes.
type Grant struct {
	Path              string
	MaxPreviewSeconds *int
	Device            string
	ExpiresAt         time.Time
}

// Preview reports whether the grant is limited to a preview.
func (g Grant) Preview() bool { return g.MaxPreviewSeconds != nil }

// Config configures a Service.
type Config struct {
	// Secret is the master secret; the signing key is derived from it.
	Secret []byte

	// DefaultTTL applies when Issue gets a zero ttl (defaults to 5m).
	DefaultTTL time.Duration

	// MaxTTL caps Issue (defaults to 1h).
	MaxTTL time.Duration

	// Now overrides the clock.
	Now func() time.Time
}

// Service issues and verifies stream grants.
type Service struct {
	key        []byte
	defaultTTL time.Duration
	maxTTL     time.Duration
	now        func() time.Time
	logger     *log.Logger
}

// NewService derives the signing key and returns a Service.
func NewService(cfg Config, logger *log.Logger) (*Service, error) {
	key, err := DeriveKey(cfg.Secret, PurposeStreamGrant)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Service{
		key:        key,
		defaultTTL: cfg.DefaultTTL,
		maxTTL:     cfg.MaxTTL,
		now:        cfg.Now,
		logger:     logger,
	}, nil
}

// Issue signs a grant for path valid for ttl. maxPreviewSeconds limits the
// stream to a preview; device binds it to one device uuid.
func (s *Service) Issue(path string, ttl time.Duration, maxPreviewSeconds *int, device string) (Token, error) {
	if path == "" || strings.ContainsAny(path, "\n\r\x00") {
		return Token{}, fmt.Errorf("invalid asset path %q", path)
	}
	if strings.ContainsAny(device, "\n\r\x00") {
		return Token{}, fmt.Errorf("invalid device id")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl > s.maxTTL {
		return Token{}, fmt.Errorf("ttl %s exceeds maximum %s", ttl, s.maxTTL)
	}
	if maxPreviewSeconds != nil && *maxPreviewSeconds <= 0 {
		return Token{}, fmt.Errorf("preview length must be positive")
	}

	now := s.now().Truncate(time.Second)
	t := Token{
		Path:              path,
		IssuedAt:          now,
		ExpiresAt:         now.Add(ttl),
		MaxPreviewSeconds: maxPreviewSeconds,
		Device:            device,
	}
	t.Signature = s.sign(canonical(t.Path, t.IssuedAt, t.ExpiresAt, t.MaxPreviewSeconds, t.Device))
	return t, nil
}

// Verify checks credentials in either form for the calling device.
func (s *Service) Verify(c Credentials, device string) (Grant, error) {
	var (
		t   Token
		err error
	)
	if c.Opaque != "" {
		t, err = parseOpaque(c.Opaque)
	} else {
		t, err = parseQuery(c)
	}
	if err != nil {
		return s.reject("malformed", err)
	}

	want := s.sign(canonical(t.Path, t.IssuedAt, t.ExpiresAt, t.MaxPreviewSeconds, t.Device))
	if !hmac.Equal(want, t.Signature) {
		return s.reject("signature mismatch", nil)
	}
	if s.now().After(t.ExpiresAt) {
		return s.reject("expired", nil)
	}
	if t.Device != "" && subtle.ConstantTimeCompare([]byte(t.Device), []byte(device)) != 1 {
		return s.reject("device mismatch", nil)
	}

	return Grant{
		Path:              t.Path,
		MaxPreviewSeconds: t.MaxPreviewSeconds,
		Device:            t.Device,
		ExpiresAt:         t.ExpiresAt,
	}, nil
}

func (s *Service) reject(reason string, err error) (Grant, error) {
	s.logger.Debug("stream grant rejected", "reason", reason, "err", err)
	return Grant{}, ErrTokenInvalid
}

func (s *Service) sign(canonical string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(canonical))
	return mac.Sum(nil)
}

// canonical is the signed string. Field order is fixed; an absent optional
// field is an empty line.
func canonical(path string, iat, exp time.Time, maxPreview *int, device string) string {
	return strings.Join([]string{
		canonicalVersion,
		path,
		unix(iat),
		unix(exp),
		preview(maxPreview),
		device,
	}, "\n")
}

func parseQuery(c Credentials) (Token, error) {
	raw, err := b64.DecodeString(c.Token)
	if err != nil {
		return Token{}, err
	}
	fields := strings.Split(string(raw), "\n")
	if len(fields) != 4 {
		return Token{}, fmt.Errorf("token has %d fields", len(fields))
	}
	sig, err := hex.DecodeString(c.Signature)
	if err != nil {
		return Token{}, err
	}
	if hex.EncodeToString(sig) != c.Signature {
		return Token{}, errors.New("signature not in canonical hex")
	}
	return buildToken(fields[0], fields[1], c.Expires, fields[2], fields[3], sig)
}

func parseOpaque(s string) (Token, error) {
	i := strings.LastIndexByte(s, '.')
	if i < 0 {
		return Token{}, errors.New("missing signature")
	}
	raw, err := b64.DecodeString(s[:i])
	if err != nil {
		return Token{}, err
	}
	sig, err := b64.DecodeString(s[i+1:])
	if err != nil {
		return Token{}, err
	}
	fields := strings.Split(string(raw), "\n")
	if len(fields) != 6 || fields[0] != canonicalVersion {
		return Token{}, errors.New("unknown token layout")
	}
	return buildToken(fields[1], fields[2], fields[3], fields[4], fields[5], sig)
}

func buildToken(path, iat, exp, maxPreview, device string, sig []byte) (Token, error) {
	if path == "" {
		return Token{}, errors.New("empty path")
	}
	issued, err := parseUnix(iat)
	if err != nil {
		return Token{}, err
	}
	expires, err := parseUnix(exp)
	if err != nil {
		return Token{}, err
	}
	var mp *int
	if maxPreview != "" {
		n, err := strconv.Atoi(maxPreview)
		if err != nil || n <= 0 || strconv.Itoa(n) != maxPreview {
			return Token{}, fmt.Errorf("bad preview field %q", maxPreview)
		}
		mp = &n
	}
	return Token{
		Path:              path,
		IssuedAt:          issued,
		ExpiresAt:         expires,
		MaxPreviewSeconds: mp,
		Device:            device,
		Signature:         sig,
	}, nil
}

func unix(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

// parseUnix accepts only the exact form unix() writes, so every grant has
// one encoding.
func parseUnix(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != s {
		return time.Time{}, fmt.Errorf("bad timestamp %q", s)
	}
	return time.Unix(n, 0), nil
}

func preview(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}
