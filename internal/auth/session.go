package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	cookieName = "backende_session"
)

var (
	ErrNoSession      = errors.New("missing session token")
	ErrInvalidSession = errors.New("invalid session token")
	ErrSessionExpired = errors.New("session expired")
)

// Manager issues and verifies HMAC-signed session tokens binding a mailbox
// address to the time it logged in.
type Manager struct {
	secret []byte
	maxAge time.Duration
}

// New returns a Manager. An empty secret is replaced by a random one, which
// invalidates sessions on restart.
func New(secret string, maxAge time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		generated := make([]byte, 32)
		if _, err := rand.Read(generated); err != nil {
			return nil, fmt.Errorf("generate auth secret: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(generated)
	}
	return &Manager{secret: []byte(secret), maxAge: maxAge}, nil
}

func (m *Manager) CookieName() string {
	return cookieName
}

func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

func (m *Manager) Issue(email string, now time.Time) (string, error) {
	if email == "" || strings.Contains(email, "|") {
		return "", ErrInvalidSession
	}
	payload := base64.RawURLEncoding.EncodeToString([]byte(email)) + "|" + strconv.FormatInt(now.Unix(), 10)
	token := payload + "|" + m.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

// Parse verifies token and returns the address it was issued for.
func (m *Manager) Parse(token string, now time.Time) (string, error) {
	if token == "" {
		return "", ErrNoSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidSession
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return "", ErrInvalidSession
	}
	payload := parts[0] + "|" + parts[1]
	if !m.verify(payload, parts[2]) {
		return "", ErrInvalidSession
	}
	timestamp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrInvalidSession
	}
	if now.Sub(time.Unix(timestamp, 0)) > m.maxAge {
		return "", ErrSessionExpired
	}
	email, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(email) == 0 {
		return "", ErrInvalidSession
	}
	return string(email), nil
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (m *Manager) verify(payload, signature string) bool {
	expected := m.sign(payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
