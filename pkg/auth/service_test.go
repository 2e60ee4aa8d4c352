package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type recordingValidator struct {
	seen   string
	claims *Claims
	err    error
}

func (v *recordingValidator) ValidateToken(token string) (*Claims, error) {
	v.seen = token
	return v.claims, v.err
}

func (v *recordingValidator) Close() {}

func TestAuthService_ValidateRequest_TokenSources(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(r *http.Request)
		wantToken string
		wantErr   error
	}{
		{
			name:    "no token",
			setup:   func(r *http.Request) {},
			wantErr: ErrMissingAuthorization,
		},
		{
			name:      "bearer header",
			setup:     func(r *http.Request) { r.Header.Set("Authorization", "Bearer header-token") },
			wantToken: "header-token",
		},
		{
			name:      "lowercase scheme",
			setup:     func(r *http.Request) { r.Header.Set("Authorization", "bearer header-token") },
			wantToken: "header-token",
		},
		{
			name: "cookie wins over header",
			setup: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
				r.Header.Set("Authorization", "Bearer header-token")
			},
			wantToken: "cookie-token",
		},
		{
			name:    "basic scheme",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Basic dXNlcjpwYXNz") },
			wantErr: ErrInvalidAuthFormat,
		},
		{
			name:    "missing token",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer") },
			wantErr: ErrInvalidAuthFormat,
		},
		{
			name:    "extra parts",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Bearer a b") },
			wantErr: ErrInvalidAuthFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			validator := &recordingValidator{claims: &Claims{}}
			service := NewAuthService(validator, zap.NewNop())

			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			tt.setup(req)

			_, token, err := service.ValidateRequest(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if token != tt.wantToken || validator.seen != tt.wantToken {
				t.Errorf("expected token %q, got %q (validator saw %q)", tt.wantToken, token, validator.seen)
			}
		})
	}
}

func TestAuthService_ValidateRequest_ValidatorError(t *testing.T) {
	validator := &recordingValidator{err: errors.New("token expired")}
	service := NewAuthService(validator, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer expired")

	if _, _, err := service.ValidateRequest(req); err == nil {
		t.Error("expected validator error to propagate")
	}
}
