package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/nous/internal/auth"
	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSessions struct {
	userID      couple.UserID
	validateErr error
	allowQuery  []bool
}

func (s *stubSessions) ValidateRequest(_ *http.Request, allowQuery bool) (couple.UserID, error) {
	s.allowQuery = append(s.allowQuery, allowQuery)
	if s.validateErr != nil {
		return "", s.validateErr
	}
	return s.userID, nil
}

func newAuthContext(t *testing.T, target string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	request.Header.Set("Authorization", "Bearer some-token")
	ctx.Request = request
	return ctx, recorder
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	ctx, recorder := newAuthContext(t, "/collections/note")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: &stubSessions{validateErr: fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, jwt.ErrTokenExpired)},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	ctx, recorder := newAuthContext(t, "/collections/note")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: &stubSessions{validateErr: fmt.Errorf("%w: signature mismatch", auth.ErrInvalidSessionToken)},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected token error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestSkipsLoggingForMissingToken(t *testing.T) {
	ctx, recorder := newAuthContext(t, "/collections/note")
	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: &stubSessions{validateErr: auth.ErrMissingSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no log entries, got %d", logs.Len())
	}
}

func TestOnlyRealtimeAcceptsQueryTokens(t *testing.T) {
	sessions := &stubSessions{userID: "alice"}
	handler := &httpHandler{sessions: sessions, logger: zap.NewNop()}

	ctx, _ := newAuthContext(t, "/collections/note")
	handler.authorizeRequest(ctx)
	realtimeCtx, _ := newAuthContext(t, "/realtime?access_token=abc")
	handler.authorizeRealtime(realtimeCtx)

	if len(sessions.allowQuery) != 2 || sessions.allowQuery[0] || !sessions.allowQuery[1] {
		t.Fatalf("unexpected query permissions %v", sessions.allowQuery)
	}
	if got := realtimeCtx.GetString(userIDContextKey); got != "alice" {
		t.Fatalf("expected the user to be stored on the context, got %q", got)
	}
}
