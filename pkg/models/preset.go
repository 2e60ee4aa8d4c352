package models

import (
	"time"

	"github.com/google/uuid"
)

// RolePreset is a named, project-scoped permission template. Applying a
// preset copies its permissions into direct grants; grants keep no link back.
type RolePreset struct {
	ID          uuid.UUID        `json:"id"`
	ProjectID   uuid.UUID        `json:"project_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Permissions []PermissionName `json:"permissions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// DefaultPresets returns one editable preset per built-in role, used to seed
// new projects.
func DefaultPresets(projectID uuid.UUID) []*RolePreset {
	presets := make([]*RolePreset, 0, len(ValidRoles))
	for _, role := range ValidRoles {
		def, _ := role.Definition()
		presets = append(presets, &RolePreset{
			ProjectID:   projectID,
			Name:        string(role),
			Description: def.Description,
			Permissions: def.Permissions.Sorted(),
		})
	}
	return presets
}
