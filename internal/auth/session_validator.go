package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionTokens = errors.New("session validator: token validator required")
	ErrMissingSessionToken  = errors.New("session validator: token required")
	ErrInvalidSessionToken  = errors.New("session validator: invalid token")
	ErrExpiredSessionToken  = errors.New("session validator: token expired")
)

const (
	bearerPrefix = "Bearer "
	// AccessTokenQueryParameter carries the token of browser WebSocket handshakes, which cannot set
	// headers.
	AccessTokenQueryParameter = "access_token"
)

// TokenValidator returns the subject of a valid access token.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// SessionValidatorConfig describes where requests carry their access token.
type SessionValidatorConfig struct {
	Tokens TokenValidator
	// CookieName, when set, is consulted after the Authorization header.
	CookieName string
}

// SessionValidator authenticates incoming requests.
type SessionValidator struct {
	tokens     TokenValidator
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if cfg.Tokens == nil {
		return nil, ErrMissingSessionTokens
	}
	return &SessionValidator{
		tokens:     cfg.Tokens,
		cookieName: strings.TrimSpace(cfg.CookieName),
	}, nil
}

// ValidateToken validates the supplied token and returns its user.
func (v *SessionValidator) ValidateToken(tokenString string) (couple.UserID, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingSessionToken
	}
	subject, err := v.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", fmt.Errorf("%w: %w", ErrExpiredSessionToken, err)
		}
		return "", fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
	}
	userID, err := couple.NewUserID(subject)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
	}
	return userID, nil
}

// ValidateRequest authenticates r from its Authorization header, then the configured cookie, then,
// when allowQuery is set, the access_token query parameter.
func (v *SessionValidator) ValidateRequest(r *http.Request, allowQuery bool) (couple.UserID, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	return v.ValidateToken(v.extractToken(r, allowQuery))
}

func (v *SessionValidator) extractToken(r *http.Request, allowQuery bool) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	}
	if v.cookieName != "" {
		if cookie, err := r.Cookie(v.cookieName); err == nil && cookie != nil {
			return cookie.Value
		}
	}
	if allowQuery {
		return r.URL.Query().Get(AccessTokenQueryParameter)
	}
	return ""
}
