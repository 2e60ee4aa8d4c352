package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// ReplacePermissionsRequest is the body of PUT .../users/{uid}/permissions.
type ReplacePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// AssignRoleRequest is the body of PUT .../users/{uid}/role.
type AssignRoleRequest struct {
	Role string `json:"role"`
}

// RoleResponse describes a built-in role for the catalog view.
type RoleResponse struct {
	Name        models.Role `json:"name"`
	Rank        int         `json:"rank"`
	Description string      `json:"description"`
	Permissions []string    `json:"permissions"`
}

// CatalogResponse is the permission catalog with the built-in roles.
type CatalogResponse struct {
	Groups []models.PermissionGroup `json:"groups"`
	Roles  []RoleResponse           `json:"roles"`
}

// PermissionsHandler exposes permission administration: the catalog, role
// presets and per-user roles and grants.
type PermissionsHandler struct {
	access  services.AccessAdminService
	presets services.RolePresetService
	logger  *zap.Logger
}

// NewPermissionsHandler creates a new permissions handler.
func NewPermissionsHandler(access services.AccessAdminService, presets services.RolePresetService, logger *zap.Logger) *PermissionsHandler {
	return &PermissionsHandler{
		access:  access,
		presets: presets,
		logger:  logger,
	}
}

// RegisterRoutes registers the permission routes on the given mux.
func (h *PermissionsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	route := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, authMiddleware.RequireAuth(tenantMiddleware(fn)))
	}

	route("GET /api/projects/{pid}/permissions/catalog", h.Catalog)

	route("GET /api/projects/{pid}/presets", h.ListPresets)
	route("POST /api/projects/{pid}/presets", h.CreatePreset)
	route("PUT /api/projects/{pid}/presets/{name}", h.UpdatePreset)
	route("DELETE /api/projects/{pid}/presets/{name}", h.DeletePreset)

	route("GET /api/projects/{pid}/users/{uid}/permissions", h.GetUserPermissions)
	route("PUT /api/projects/{pid}/users/{uid}/permissions", h.ReplaceUserPermissions)
	route("POST /api/projects/{pid}/users/{uid}/permissions/{perm}", h.GrantPermission)
	route("DELETE /api/projects/{pid}/users/{uid}/permissions/{perm}", h.RevokePermission)
	route("PUT /api/projects/{pid}/users/{uid}/role", h.AssignRole)
	route("DELETE /api/projects/{pid}/users/{uid}/role", h.RemoveRole)
	route("POST /api/projects/{pid}/users/{uid}/presets/{name}", h.ApplyPreset)
}

// Catalog handles GET /api/projects/{pid}/permissions/catalog
func (h *PermissionsHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	groups, err := h.access.Catalog(r.Context(), caller.UserID, projectID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	roles := make([]RoleResponse, 0, len(models.ValidRoles))
	for _, role := range models.ValidRoles {
		def, ok := role.Definition()
		if !ok {
			continue
		}
		roles = append(roles, RoleResponse{
			Name:        def.Name,
			Rank:        def.Rank,
			Description: def.Description,
			Permissions: def.Permissions.Strings(),
		})
	}
	writeJSON(w, h.logger, http.StatusOK, CatalogResponse{Groups: groups, Roles: roles})
}

// ListPresets handles GET /api/projects/{pid}/presets
func (h *PermissionsHandler) ListPresets(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	presets, err := h.presets.List(r.Context(), caller.UserID, projectID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if presets == nil {
		presets = []*models.RolePreset{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"presets": presets})
}

// CreatePreset handles POST /api/projects/{pid}/presets
func (h *PermissionsHandler) CreatePreset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.PresetInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	preset, err := h.presets.Create(r.Context(), caller.UserID, projectID, req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, preset)
}

// UpdatePreset handles PUT /api/projects/{pid}/presets/{name}
func (h *PermissionsHandler) UpdatePreset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req services.PresetInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	preset, err := h.presets.Update(r.Context(), caller.UserID, projectID, r.PathValue("name"), req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, preset)
}

// DeletePreset handles DELETE /api/projects/{pid}/presets/{name}
func (h *PermissionsHandler) DeletePreset(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.presets.Delete(r.Context(), caller.UserID, projectID, r.PathValue("name")); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUserPermissions handles GET /api/projects/{pid}/users/{uid}/permissions
func (h *PermissionsHandler) GetUserPermissions(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.GetUserPermissions(r.Context(), caller.UserID, target.projectID, target.userID)
	})
}

// ReplaceUserPermissions handles PUT /api/projects/{pid}/users/{uid}/permissions
func (h *PermissionsHandler) ReplaceUserPermissions(w http.ResponseWriter, r *http.Request) {
	var req ReplacePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Permissions == nil {
		req.Permissions = []string{}
	}
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.ReplaceUserPermissions(r.Context(), caller.UserID, target.projectID, target.userID, req.Permissions)
	})
}

// GrantPermission handles POST /api/projects/{pid}/users/{uid}/permissions/{perm}
func (h *PermissionsHandler) GrantPermission(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.GrantPermission(r.Context(), caller.UserID, target.projectID, target.userID, r.PathValue("perm"))
	})
}

// RevokePermission handles DELETE /api/projects/{pid}/users/{uid}/permissions/{perm}
func (h *PermissionsHandler) RevokePermission(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.RevokePermission(r.Context(), caller.UserID, target.projectID, target.userID, r.PathValue("perm"))
	})
}

// AssignRole handles PUT /api/projects/{pid}/users/{uid}/role
func (h *PermissionsHandler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req AssignRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.AssignRole(r.Context(), caller.UserID, target.projectID, target.userID, req.Role)
	})
}

// RemoveRole handles DELETE /api/projects/{pid}/users/{uid}/role
func (h *PermissionsHandler) RemoveRole(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.RemoveRole(r.Context(), caller.UserID, target.projectID, target.userID)
	})
}

// ApplyPreset handles POST /api/projects/{pid}/users/{uid}/presets/{name}
func (h *PermissionsHandler) ApplyPreset(w http.ResponseWriter, r *http.Request) {
	h.withTarget(w, r, func(caller services.Caller, target userTarget) (*services.UserPermissions, error) {
		return h.access.ApplyPreset(r.Context(), caller.UserID, target.projectID, target.userID, r.PathValue("name"))
	})
}

type userTarget struct {
	projectID uuid.UUID
	userID    uuid.UUID
}

// withTarget resolves the caller and the {pid}/{uid} pair, runs fn and
// writes its result.
func (h *PermissionsHandler) withTarget(
	w http.ResponseWriter,
	r *http.Request,
	fn func(caller services.Caller, target userTarget) (*services.UserPermissions, error),
) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, userID, ok := ParseProjectAndUserIDs(w, r, h.logger)
	if !ok {
		return
	}

	result, err := fn(caller, userTarget{projectID: projectID, userID: userID})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}
