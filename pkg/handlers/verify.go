package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/services"
)

// VerifyHandler serves the public verification endpoints.
type VerifyHandler struct {
	verification services.VerificationService
	logger       *zap.Logger
}

// NewVerifyHandler creates a new verification handler.
func NewVerifyHandler(verification services.VerificationService, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{
		verification: verification,
		logger:       logger,
	}
}

// RegisterRoutes registers the verification routes. They need no token; the
// tenant middleware provides an unscoped connection since no {pid} is present.
func (h *VerifyHandler) RegisterRoutes(mux *http.ServeMux, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/verify", tenantMiddleware(h.Query))
	mux.HandleFunc("GET /verify/{token}", tenantMiddleware(h.Path))
}

// Query handles GET /api/verify?q=<serial code, document id, serial or URL>.
func (h *VerifyHandler) Query(w http.ResponseWriter, r *http.Request) {
	h.verify(w, r, r.URL.Query().Get("q"))
}

// Path handles GET /verify/{token}, the URL embedded in stamped documents.
func (h *VerifyHandler) Path(w http.ResponseWriter, r *http.Request) {
	h.verify(w, r, r.PathValue("token"))
}

func (h *VerifyHandler) verify(w http.ResponseWriter, r *http.Request, raw string) {
	result, err := h.verification.Verify(r.Context(), raw)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, result)
}
