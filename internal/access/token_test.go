package access

import (
	"bytes"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = bytes.Repeat([]byte("k"), 32)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	s, err := NewService(Config{Secret: testSecret, Now: clock.Now}, nil)
	require.NoError(t, err)
	return s, clock
}

func intPtr(n int) *int { return &n }

func queryCreds(tok Token) Credentials {
	c, _ := CredentialsFromQuery(tok.Query())
	return c
}

func opaqueCreds(tok Token) Credentials {
	return Credentials{Opaque: tok.Opaque()}
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	s, clock := newTestService(t)

	tests := []struct {
		name    string
		preview *int
		device  string
		form    func(Token) Credentials
	}{
		{"query form", nil, "", queryCreds},
		{"opaque form", nil, "", opaqueCreds},
		{"query with preview and device", intPtr(30), "dev-1", queryCreds},
		{"opaque with preview and device", intPtr(30), "dev-1", opaqueCreds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok, err := s.Issue("en-US/stories/local-female/hello-abc.mp3", 10*time.Minute, tt.preview, tt.device)
			require.NoError(t, err)

			g, err := s.Verify(tt.form(tok), tt.device)
			require.NoError(t, err)
			require.Equal(t, tok.Path, g.Path)
			require.Equal(t, tt.preview != nil, g.Preview())
			if tt.preview != nil {
				require.Equal(t, *tt.preview, *g.MaxPreviewSeconds)
			}
			require.Equal(t, clock.t.Add(10*time.Minute), g.ExpiresAt)
		})
	}
}

func TestVerify_Expiry(t *testing.T) {
	s, clock := newTestService(t)
	tok, err := s.Issue("a.mp3", time.Minute, nil, "")
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Minute)
	_, err = s.Verify(queryCreds(tok), "")
	require.NoError(t, err, "valid at the expiry instant")

	clock.t = clock.t.Add(time.Second)
	_, err = s.Verify(queryCreds(tok), "")
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.Verify(opaqueCreds(tok), "")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_DeviceBinding(t *testing.T) {
	s, _ := newTestService(t)
	tok, err := s.Issue("a.mp3", time.Minute, nil, "device-a")
	require.NoError(t, err)

	_, err = s.Verify(queryCreds(tok), "device-b")
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = s.Verify(opaqueCreds(tok), "")
	require.ErrorIs(t, err, ErrTokenInvalid)

	unbound, err := s.Issue("a.mp3", time.Minute, nil, "")
	require.NoError(t, err)
	_, err = s.Verify(queryCreds(unbound), "any-device")
	require.NoError(t, err)
}

func flip(s string, i int) string {
	b := []byte(s)
	b[i] ^= 0x01
	return string(b)
}

func TestVerify_TamperDetection(t *testing.T) {
	s, _ := newTestService(t)
	tok, err := s.Issue("en/general/local-x/track-0123.mp3", 5*time.Minute, intPtr(20), "dev")
	require.NoError(t, err)
	q := queryCreds(tok)

	for i := range q.Token {
		c := q
		c.Token = flip(q.Token, i)
		_, err := s.Verify(c, "dev")
		require.ErrorIs(t, err, ErrTokenInvalid, "token byte %d", i)
	}
	for i := range q.Expires {
		c := q
		c.Expires = flip(q.Expires, i)
		_, err := s.Verify(c, "dev")
		require.ErrorIs(t, err, ErrTokenInvalid, "expires byte %d", i)
	}
	for i := range q.Signature {
		c := q
		c.Signature = flip(q.Signature, i)
		_, err := s.Verify(c, "dev")
		require.ErrorIs(t, err, ErrTokenInvalid, "signature byte %d", i)
	}

	opaque := tok.Opaque()
	for i := range opaque {
		_, err := s.Verify(Credentials{Opaque: flip(opaque, i)}, "dev")
		require.ErrorIs(t, err, ErrTokenInvalid, "opaque byte %d", i)
	}
}

func TestVerify_WrongKey(t *testing.T) {
	s, _ := newTestService(t)
	other, err := NewService(Config{Secret: bytes.Repeat([]byte("z"), 32), Now: s.now}, nil)
	require.NoError(t, err)

	tok, err := other.Issue("a.mp3", time.Minute, nil, "")
	require.NoError(t, err)
	_, err = s.Verify(queryCreds(tok), "")
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerify_Garbage(t *testing.T) {
	s, _ := newTestService(t)
	for _, c := range []Credentials{
		{},
		{Opaque: "not-a-token"},
		{Opaque: "."},
		{Token: "!!", Expires: "1", Signature: "00"},
		{Token: "YQ", Expires: "abc", Signature: "00"},
	} {
		_, err := s.Verify(c, "")
		require.ErrorIs(t, err, ErrTokenInvalid, "%+v", c)
	}
}

func TestIssue_Validation(t *testing.T) {
	s, _ := newTestService(t)

	_, err := s.Issue("", time.Minute, nil, "")
	require.Error(t, err)
	_, err = s.Issue("a\nb", time.Minute, nil, "")
	require.Error(t, err)
	_, err = s.Issue("a.mp3", 2*time.Hour, nil, "")
	require.Error(t, err)
	_, err = s.Issue("a.mp3", time.Minute, intPtr(0), "")
	require.Error(t, err)

	tok, err := s.Issue("a.mp3", 0, nil, "")
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, tok.ExpiresAt.Sub(tok.IssuedAt))
}

func TestCredentialsFromQuery(t *testing.T) {
	_, ok := CredentialsFromQuery(url.Values{"token": {"a"}, "expires": {"1"}})
	require.False(t, ok)

	_, ok = CredentialsFromQuery(url.Values{"t": {"x.y"}})
	require.True(t, ok)

	_, ok = CredentialsFromQuery(url.Values{"token": {"a"}, "expires": {"1"}, "signature": {"s"}})
	require.True(t, ok)
}

func TestToken_URL(t *testing.T) {
	s, _ := newTestService(t)
	tok, err := s.Issue("a.mp3", time.Minute, nil, "")
	require.NoError(t, err)

	u, err := url.Parse(tok.URL("https://cdn.example/v1/stream", true))
	require.NoError(t, err)
	c, ok := CredentialsFromQuery(u.Query())
	require.True(t, ok)
	_, err = s.Verify(c, "")
	require.NoError(t, err)

	u, err = url.Parse(tok.URL("https://cdn.example/v1/stream?x=1", false))
	require.NoError(t, err)
	require.Equal(t, "1", u.Query().Get("x"))
	c, ok = CredentialsFromQuery(u.Query())
	require.True(t, ok)
	_, err = s.Verify(c, "")
	require.NoError(t, err)
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey(testSecret, PurposeStreamGrant)
	require.NoError(t, err)
	b, err := DeriveKey(testSecret, PurposeSession)
	require.NoError(t, err)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)

	_, err = DeriveKey([]byte("short"), PurposeSession)
	require.ErrorIs(t, err, ErrWeakSecret)
}
