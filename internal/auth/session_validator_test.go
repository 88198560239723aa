package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const (
	testSessionCookieName = "nous_session"
	testSessionUserID     = "user-123"
)

func newTestSessionValidator(t *testing.T, now *time.Time) (*SessionValidator, string) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "nous-auth",
		Audience:      "nous-api",
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := NewSessionValidator(SessionValidatorConfig{
		Tokens:     issuer,
		CookieName: testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	token, _, err := issuer.IssueToken(context.Background(), testSessionUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return validator, token
}

func TestSessionValidatorReadsTokenSources(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, token := newTestSessionValidator(t, &now)

	testCases := []struct {
		name       string
		prepare    func(*http.Request)
		allowQuery bool
		wantErr    error
	}{
		{
			name:    "bearer header",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
		},
		{
			name:    "cookie",
			prepare: func(r *http.Request) { r.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: token}) },
		},
		{
			name:       "query parameter when allowed",
			prepare:    func(r *http.Request) { r.URL.RawQuery = AccessTokenQueryParameter + "=" + token },
			allowQuery: true,
		},
		{
			name:    "query parameter when not allowed",
			prepare: func(r *http.Request) { r.URL.RawQuery = AccessTokenQueryParameter + "=" + token },
			wantErr: ErrMissingSessionToken,
		},
		{
			name:    "garbage token",
			prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") },
			wantErr: ErrInvalidSessionToken,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/collections/note", http.NoBody)
			testCase.prepare(request)
			userID, err := validator.ValidateRequest(request, testCase.allowQuery)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validation failed: %v", err)
			}
			if userID.String() != testSessionUserID {
				t.Fatalf("unexpected user id: %s", userID)
			}
		})
	}
}

func TestSessionValidatorReportsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, token := newTestSessionValidator(t, &now)
	now = now.Add(2 * time.Hour)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestNewSessionValidatorRequiresTokens(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionTokens) {
		t.Fatalf("expected missing token validator error, got %v", err)
	}
}
