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

// UpdateProjectRequest is the body of PATCH /api/projects/{pid}.
type UpdateProjectRequest struct {
	OwnerCompanyID uuid.UUID `json:"owner_company_id"`
}

// ProjectListResponse wraps the caller's projects.
type ProjectListResponse struct {
	Projects []*models.Project `json:"projects"`
}

// ProjectsHandler handles project-related HTTP requests.
type ProjectsHandler struct {
	projectService services.ProjectService
	logger         *zap.Logger
}

// NewProjectsHandler creates a new projects handler.
func NewProjectsHandler(projectService services.ProjectService, logger *zap.Logger) *ProjectsHandler {
	return &ProjectsHandler{
		projectService: projectService,
		logger:         logger,
	}
}

// RegisterRoutes registers the projects handler's routes on the given mux.
func (h *ProjectsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/projects", authMiddleware.RequireAuth(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/projects", authMiddleware.RequireAuth(tenantMiddleware(h.Create)))
	mux.HandleFunc("GET /api/projects/{pid}", authMiddleware.RequireAuth(tenantMiddleware(h.Get)))
	mux.HandleFunc("PATCH /api/projects/{pid}", authMiddleware.RequireAuth(tenantMiddleware(h.Update)))
}

// List handles GET /api/projects, the projects the caller belongs to.
func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	projects, err := h.projectService.ListMine(r.Context(), caller)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	writeJSON(w, h.logger, http.StatusOK, ProjectListResponse{Projects: projects})
}

// Create handles POST /api/projects
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CreateProjectInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	project, err := h.projectService.Create(r.Context(), caller, req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, project)
}

// Get handles GET /api/projects/{pid}
func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	project, err := h.projectService.Get(r.Context(), caller, projectID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, project)
}

// Update handles PATCH /api/projects/{pid}. Only the owner company may change.
func (h *ProjectsHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.OwnerCompanyID == uuid.Nil {
		writeError(w, h.logger, http.StatusBadRequest, "validation_error", "owner_company_id is required")
		return
	}

	project, err := h.projectService.UpdateOwner(r.Context(), caller, projectID, req.OwnerCompanyID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, project)
}
