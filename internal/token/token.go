// Package token issues and verifies the short-lived bearer tokens that
// authorise publications on role-restricted channels.
package token

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in token claims.
const (
	RoleCoordinator = "coordinator"
	RoleManager     = "manager"
	RoleVolunteer   = "volunteer"
)

// CoordinatorSubject is the fixed subject of the coordinator's own token.
const CoordinatorSubject = "COORDINATOR"

// DefaultFile is where the coordinator stores its own access token so that
// operator tooling can read it.
const DefaultFile = ".coordinator/redis_communication/token"

// ErrInvalid reports a token that is malformed, tampered with or expired.
var ErrInvalid = errors.New("token: invalid token")

// Claims is the signed payload of every bearer token.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and verifies tokens with a shared HS256 secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

// NewService creates a token service. The secret must be non-empty.
func NewService(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token: empty signing secret")
	}
	return &Service{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for the given subject and role, valid for ttl.
func (s *Service) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	claims := Claims{
		UserID: subject,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (s *Service) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !tok.Valid {
		return nil, ErrInvalid
	}
	if claims.UserID == "" || claims.Role == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

// WriteFile stores a token at path, creating parent directories. Used for the
// coordinator's own token at startup.
func WriteFile(path, tok string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("token: create dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(tok), 0o600); err != nil {
		return fmt.Errorf("token: write file: %w", err)
	}
	return nil
}

// ReadFile loads a previously stored token.
func ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("token: read file: %w", err)
	}
	return string(b), nil
}
