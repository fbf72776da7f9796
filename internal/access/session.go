package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// ErrSessionInvalid is returned for any session token that fails to parse.
var ErrSessionInvalid = errors.New("session invalid")

// Session roles.
const (
	RoleListener = "listener"
	RoleAdmin    = "admin"
)

// Session is an authenticated caller of the account APIs.
type Session struct {
	UserID    string
	Role      string
	ExpiresAt time.Time
}

// IsAdmin reports whether the session may run synthesis.
func (s Session) IsAdmin() bool { return s.Role == RoleAdmin }

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and parses HS256 session tokens.
type SessionManager struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionManager derives its key from the master secret.
func NewSessionManager(secret []byte, issuer string, ttl time.Duration, now func() time.Time) (*SessionManager, error) {
	key, err := DeriveKey(secret, PurposeSession)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{key: key, issuer: issuer, ttl: ttl, now: now}, nil
}

// Issue signs a session for userID with role.
func (m *SessionManager) Issue(userID, role string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("empty user id")
	}
	if role != RoleListener && role != RoleAdmin {
		return "", time.Time{}, fmt.Errorf("unknown role %q", role)
	}
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}

	now := m.now()
	exp := now.Add(m.ttl)
	claims := sessionClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        jti.String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	return signed, exp, err
}

// Parse validates signature, issuer and expiry.
func (m *SessionManager) Parse(raw string) (Session, error) {
	var claims sessionClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !tok.Valid {
		return Session{}, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: no subject", ErrSessionInvalid)
	}
	return Session{
		UserID:    claims.Subject,
		Role:      claims.Role,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
