// Package auth issues and validates the hub's JWTs and hashes user
// passwords. Access and refresh tokens are signed with separate keys,
// so a refresh token can never pass as an access token.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrInvalidSubject = errors.New("invalid token subject")
)

// SubjectDevice is the JWT subject the doorbell device authenticates
// with. API users carry their numeric user id instead.
const SubjectDevice = "rpi"

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	issuer            = "doorbell-hub"
)

// Claims represents the JWT claims carried by both token kinds.
type Claims struct {
	jwt.RegisteredClaims
}

// Config configures the token manager. Keys are mandatory; the hub
// refuses to start without them.
type Config struct {
	Algorithm  string
	AccessKey  string
	AccessTTL  time.Duration
	RefreshKey string
	RefreshTTL time.Duration
}

// Manager handles JWT token operations.
type Manager struct {
	method     *jwt.SigningMethodHMAC
	accessKey  []byte
	refreshKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// Pair is an access/refresh token pair issued together at login or
// refresh time.
type Pair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// NewManager creates a token manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.AccessKey == "" || cfg.RefreshKey == "" {
		return nil, errors.New("jwt keys must not be empty")
	}

	var method *jwt.SigningMethodHMAC
	switch cfg.Algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}

	accessTTL := cfg.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := cfg.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	return &Manager{
		method:     method,
		accessKey:  []byte(cfg.AccessKey),
		refreshKey: []byte(cfg.RefreshKey),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}, nil
}

// IssueAccess creates a new access token for the subject.
func (m *Manager) IssueAccess(subject string) (string, time.Time, error) {
	return m.issue(subject, m.accessKey, m.accessTTL)
}

// IssueRefresh creates a new refresh token for the subject.
func (m *Manager) IssueRefresh(subject string) (string, time.Time, error) {
	return m.issue(subject, m.refreshKey, m.refreshTTL)
}

// IssuePair creates a matched access and refresh token.
func (m *Manager) IssuePair(subject string) (*Pair, error) {
	access, accessExp, err := m.IssueAccess(subject)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := m.IssueRefresh(subject)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refresh,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (m *Manager) issue(subject string, key []byte, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(m.method, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAccess validates an access token and returns its claims.
func (m *Manager) ValidateAccess(tokenString string) (*Claims, error) {
	return m.validate(tokenString, m.accessKey)
}

// ValidateRefresh validates a refresh token and returns its claims.
func (m *Manager) ValidateRefresh(tokenString string) (*Claims, error) {
	return m.validate(tokenString, m.refreshKey)
}

func (m *Manager) validate(tokenString string, key []byte) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return key, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// MapSubject resolves a token subject to a user id. The device subject
// maps to the configured owner account.
func MapSubject(subject string, ownerUserID int64) (int64, error) {
	if subject == SubjectDevice {
		return ownerUserID, nil
	}
	id, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	return id, nil
}
