package services

import (
	"github.com/google/uuid"

	"github.com/ekaya-inc/docucert/pkg/auth"
)

// Caller identifies the authenticated user behind a request.
type Caller struct {
	UserID uuid.UUID
	Email  string
}

// CallerFromClaims builds a Caller from validated token claims.
func CallerFromClaims(claims *auth.Claims) (Caller, error) {
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Caller{}, auth.ErrInvalidSubject
	}
	return Caller{UserID: id, Email: claims.Email}, nil
}

// AdminEmailFunc reports whether an email belongs to a configured
// installation administrator.
type AdminEmailFunc func(email string) bool

func (f AdminEmailFunc) matches(email string) bool {
	return f != nil && email != "" && f(email)
}
