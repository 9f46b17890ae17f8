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

// ErrInvalidToken covers every validation failure; callers never learn
// which check rejected the token.
var ErrInvalidToken = errors.New("auth: invalid token")

// Manager issues and validates signed session tokens carrying an opaque
// caller subject. The relay never interprets the subject beyond equality.
type Manager struct {
	secret []byte
	ttl    time.Duration
}

// NewManager creates a Manager with the provided secret.
func NewManager(secret string, ttl time.Duration) *Manager {
	if secret == "" {
		panic("auth manager requires non-empty secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl}
}

// NewSubject generates a fresh opaque caller subject.
func NewSubject() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate subject: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken issues a signed session token for the subject.
func (m *Manager) IssueToken(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	expires := time.Now().Add(m.ttl).Unix()
	payload := fmt.Sprintf("%s|%d", subject, expires)
	sig := m.sign([]byte(payload))
	return fmt.Sprintf("%s.%s",
		base64.RawURLEncoding.EncodeToString([]byte(payload)),
		base64.RawURLEncoding.EncodeToString(sig)), nil
}

// ValidateToken verifies the signature and expiry and returns the
// embedded subject.
func (m *Manager) ValidateToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return "", ErrInvalidToken
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrInvalidToken
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", ErrInvalidToken
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep == -1 {
		return "", ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if time.Now().Unix() > expiry {
		return "", ErrInvalidToken
	}
	return payload[:sep], nil
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
