package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// UsersHandler handles user accounts and project membership listings.
type UsersHandler struct {
	userService services.UserService
	access      services.AccessAdminService
	logger      *zap.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(userService services.UserService, access services.AccessAdminService, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{
		userService: userService,
		access:      access,
		logger:      logger,
	}
}

// RegisterRoutes registers the users handler's routes on the given mux.
func (h *UsersHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/projects/{pid}/users",
		authMiddleware.RequireAuth(tenantMiddleware(h.ListMembers)))
	mux.HandleFunc("POST /api/users",
		authMiddleware.RequireAuth(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/admin/users",
		authMiddleware.RequireAuth(tenantMiddleware(h.AdminOverview)))
}

// ListMembers handles GET /api/projects/{pid}/users
func (h *UsersHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	members, err := h.access.ListMembers(r.Context(), caller.UserID, projectID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if members == nil {
		members = []*models.ProjectMember{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"users": members})
}

// Create handles POST /api/users.
// With project_id the caller needs users.create there; without one only
// configured administrators may create accounts.
func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CreateUserInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user, err := h.userService.Create(r.Context(), caller, req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, user)
}

// AdminOverview handles GET /api/admin/users
func (h *UsersHandler) AdminOverview(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	summaries, err := h.userService.AdminOverview(r.Context(), caller)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if summaries == nil {
		summaries = []*models.UserAccessSummary{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"users": summaries})
}
