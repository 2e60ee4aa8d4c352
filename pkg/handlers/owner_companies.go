package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// OwnerCompaniesHandler handles owner company endpoints.
type OwnerCompaniesHandler struct {
	companyService services.OwnerCompanyService
	logger         *zap.Logger
}

// NewOwnerCompaniesHandler creates a new owner companies handler.
func NewOwnerCompaniesHandler(companyService services.OwnerCompanyService, logger *zap.Logger) *OwnerCompaniesHandler {
	return &OwnerCompaniesHandler{
		companyService: companyService,
		logger:         logger,
	}
}

// RegisterRoutes registers the owner company routes on the given mux.
func (h *OwnerCompaniesHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/owner-companies", authMiddleware.RequireAuth(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/owner-companies", authMiddleware.RequireAuth(tenantMiddleware(h.Create)))
}

// List handles GET /api/owner-companies
func (h *OwnerCompaniesHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	companies, err := h.companyService.List(r.Context(), caller)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if companies == nil {
		companies = []*models.OwnerCompany{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"companies": companies})
}

// Create handles POST /api/owner-companies
func (h *OwnerCompaniesHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	var req services.CreateCompanyInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	company, err := h.companyService.Create(r.Context(), caller, req)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, company)
}
