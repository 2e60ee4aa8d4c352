package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestGetClaims(t *testing.T) {
	if _, ok := GetClaims(context.Background()); ok {
		t.Error("expected no claims in empty context")
	}

	claims := &Claims{Email: "user@example.com"}
	claims.Subject = "abc"
	ctx := WithClaims(context.Background(), claims)

	got, ok := GetClaims(ctx)
	if !ok || got != claims {
		t.Fatal("expected claims stored by WithClaims")
	}

	if _, ok := GetToken(ctx); ok {
		t.Error("expected no token")
	}
	ctx = context.WithValue(ctx, TokenKey, "raw")
	if token, ok := GetToken(ctx); !ok || token != "raw" {
		t.Errorf("expected raw token, got %q", token)
	}
}

func TestGetUserIDFromContext(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name   string
		ctx    context.Context
		wantID string
	}{
		{
			name: "no claims",
			ctx:  context.Background(),
		},
		{
			name: "nil claims",
			ctx:  context.WithValue(context.Background(), ClaimsKey, (*Claims)(nil)),
		},
		{
			name: "uuid subject",
			ctx: func() context.Context {
				c := &Claims{Email: "u@example.com"}
				c.Subject = userID.String()
				return WithClaims(context.Background(), c)
			}(),
			wantID: userID.String(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetUserIDFromContext(tt.ctx); got != tt.wantID {
				t.Errorf("GetUserIDFromContext() = %q, want %q", got, tt.wantID)
			}
		})
	}
}
