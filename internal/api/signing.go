package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrLinkExpired  = errors.New("link expired")
	ErrBadSignature = errors.New("invalid link signature")
)

// LinkSigner issues and checks time-limited archive links keyed by the
// per-deployment transfer secret.
type LinkSigner struct {
	secret []byte
	now    func() time.Time
}

func NewLinkSigner(secret string) (*LinkSigner, error) {
	if secret == "" {
		return nil, errors.New("empty transfer secret")
	}
	return &LinkSigner{secret: []byte(secret), now: time.Now}, nil
}

// UseClock replaces the time source. Intended for test setup only.
func (s *LinkSigner) UseClock(now func() time.Time) { s.now = now }

// Sign returns the expiry (unix seconds) and token for id.
func (s *LinkSigner) Sign(id string, ttl time.Duration) (int64, string) {
	expires := s.now().Add(ttl).Unix()
	return expires, s.token(id, expires)
}

// URL returns the signed archive path of id.
func (s *LinkSigner) URL(id string, ttl time.Duration) string {
	expires, token := s.Sign(id, ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("token", token)
	return "/api/v1/batches/" + url.PathEscape(id) + "/archive?" + q.Encode()
}

func (s *LinkSigner) Verify(id, expiresRaw, token string) error {
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil || token == "" {
		return ErrBadSignature
	}
	want, err := hex.DecodeString(token)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(want, s.mac(id, expires)) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrLinkExpired
	}
	return nil
}

func (s *LinkSigner) token(id string, expires int64) string {
	return hex.EncodeToString(s.mac(id, expires))
}

func (s *LinkSigner) mac(id string, expires int64) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(id + "|" + strconv.FormatInt(expires, 10)))
	return h.Sum(nil)
}
