package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OwnerCompany owns one or more projects. Code is unique and stored upper-case.
type OwnerCompany struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Company codes become the prefix of every serial code they own.
var companyCodePattern = regexp.MustCompile(`^[A-Z0-9]{2,16}$`)

// ValidCompanyCode reports whether a normalized code is 2-16 letters or digits.
func ValidCompanyCode(code string) bool {
	return companyCodePattern.MatchString(code)
}

// NormalizeCompanyCode returns the canonical (upper-case, trimmed) code.
func NormalizeCompanyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Project is a tenant. Only the owning company may change after creation.
type Project struct {
	ID             uuid.UUID  `json:"id"`
	Name           string     `json:"name"`
	OwnerCompanyID uuid.UUID  `json:"owner_company_id"`
	OwnerCode      string     `json:"owner_code,omitempty"`
	CreatedBy      *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ShortID is the first eight hex digits of the project id, upper-cased.
// It keeps serial codes globally unique across projects of one company.
func (p *Project) ShortID() string {
	return strings.ToUpper(strings.ReplaceAll(p.ID.String(), "-", "")[:8])
}
