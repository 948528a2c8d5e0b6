package auth

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nguyentranbao-ct/chat-client/internal/config"
)

var (
	ErrNoCredential = errors.New("no credential")
	ErrIneligible   = errors.New("role is not eligible for messaging")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the fields the client reads from the session token. The token
// is issued and verified by the backend; the client only inspects it.
type Claims struct {
	UserID   string `json:"sub"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Session is the credential of the signed-in user.
type Session struct {
	Token    string
	UserID   string
	Username string
	Role     string
}

func (s *Session) BearerHeader() string {
	return "Bearer " + s.Token
}

// CredentialSource reads the bearer credential from the environment or a
// token file. The file is re-read on every call so a refreshed session is
// picked up on the next connect.
type CredentialSource interface {
	Session() (*Session, error)
}

type source struct {
	token    string
	file     string
	eligible []string
	now      func() time.Time
}

func NewCredentialSource(cfg *config.Config) CredentialSource {
	return &source{
		token:    cfg.Auth.Token,
		file:     cfg.Auth.TokenFile,
		eligible: cfg.Auth.EligibleRoles,
		now:      time.Now,
	}
}

// Static returns a CredentialSource that always yields token.
func Static(token string, eligibleRoles ...string) CredentialSource {
	return &source{token: token, eligible: eligibleRoles, now: time.Now}
}

func (s *source) raw() (string, error) {
	if s.token != "" {
		return s.token, nil
	}
	if s.file == "" {
		return "", ErrNoCredential
	}
	b, err := os.ReadFile(s.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Session returns ErrNoCredential when nothing is configured and
// ErrIneligible when the role may not use messaging.
func (s *source) Session() (*Session, error) {
	token, err := s.raw()
	if err != nil {
		return nil, err
	}
	claims, err := parse(token, s.now())
	if err != nil {
		return nil, err
	}
	if len(s.eligible) > 0 && !slices.Contains(s.eligible, claims.Role) {
		return nil, fmt.Errorf("%w: %q", ErrIneligible, claims.Role)
	}
	return &Session{
		Token:    token,
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}, nil
}

func parse(token string, now time.Time) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
