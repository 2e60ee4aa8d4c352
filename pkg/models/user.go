package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an account that can be granted access to projects.
// PasswordHash is empty for users that authenticate through an external issuer.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name,omitempty"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// NormalizeEmail lower-cases and trims an email address. Emails are unique
// case-insensitively.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Role is the coarse, single-valued classification of a user in a project.
type Role string

// Role constants for user roles within a project.
const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleUploader Role = "uploader"
	RoleViewer   Role = "viewer"
)

// ValidRoles contains all valid role values, highest rank first.
var ValidRoles = []Role{RoleAdmin, RoleManager, RoleUploader, RoleViewer}

// IsValidRole checks if the given role is valid.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if string(r) == role {
			return true
		}
	}
	return false
}

// RoleDefinition is the built-in permission set implied by a role.
type RoleDefinition struct {
	Name        Role          `json:"name"`
	Rank        int           `json:"rank"`
	Description string        `json:"description"`
	Permissions PermissionSet `json:"-"`
}

// Definition returns the built-in definition of r. ok is false for unknown roles.
func (r Role) Definition() (RoleDefinition, bool) {
	def, ok := catalog.roles[r]
	return def, ok
}

// Permissions returns the permissions implied by r, or an empty set for an
// unknown role.
func (r Role) Permissions() PermissionSet {
	def, ok := catalog.roles[r]
	if !ok {
		return PermissionSet{}
	}
	out := make(PermissionSet, len(def.Permissions))
	out.Add(def.Permissions)
	return out
}

// Rank orders roles; higher is more privileged. Unknown roles rank 0.
func (r Role) Rank() int {
	return catalog.roles[r].Rank
}

// RoleAssignment is the role a user holds in a project.
type RoleAssignment struct {
	ProjectID  uuid.UUID  `json:"project_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Role       Role       `json:"role"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// PermissionGrant is one fine-grained grant layered on top of the role.
type PermissionGrant struct {
	ProjectID  uuid.UUID      `json:"project_id"`
	UserID     uuid.UUID      `json:"user_id"`
	Permission PermissionName `json:"permission"`
	GrantedBy  *uuid.UUID     `json:"granted_by,omitempty"`
	GrantedAt  time.Time      `json:"granted_at"`
}

// ProjectMember is a user's access in one project: role plus direct grants.
type ProjectMember struct {
	ProjectID    uuid.UUID        `json:"project_id"`
	ProjectName  string           `json:"project_name,omitempty"`
	UserID       uuid.UUID        `json:"user_id"`
	Email        string           `json:"email"`
	FullName     string           `json:"full_name,omitempty"`
	Role         *Role            `json:"role,omitempty"`
	DirectGrants []PermissionName `json:"direct_grants"`
}

// Effective returns role-implied permissions united with direct grants.
func (m *ProjectMember) Effective() PermissionSet {
	set := PermissionSet{}
	if m.Role != nil {
		set.Add(m.Role.Permissions())
	}
	set.Add(NewPermissionSet(m.DirectGrants...))
	return set.Expand()
}

// UserAccessSummary is the administrative view of one user across projects.
type UserAccessSummary struct {
	User     *User                   `json:"user"`
	Projects []*ProjectAccessSummary `json:"projects"`
}

// ProjectAccessSummary is one project entry of UserAccessSummary.
type ProjectAccessSummary struct {
	ProjectID            uuid.UUID `json:"project_id"`
	ProjectName          string    `json:"project_name"`
	Role                 *Role     `json:"role,omitempty"`
	DirectGrants         []string  `json:"direct_grants"`
	EffectivePermissions []string  `json:"effective_permissions"`
}
