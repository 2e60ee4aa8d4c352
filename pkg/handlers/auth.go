package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// LoginRequest is the body of POST /api/auth/token.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthHandler handles login, logout and the caller's own profile.
type AuthHandler struct {
	userService services.UserService
	cookies     auth.CookieSettings
	logger      *zap.Logger
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(userService services.UserService, cookies auth.CookieSettings, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		userService: userService,
		cookies:     cookies,
		logger:      logger,
	}
}

// RegisterRoutes registers the auth handler's routes on the given mux.
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("POST /api/auth/token", tenantMiddleware(h.Token))
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.HandleFunc("GET /api/me", authMiddleware.RequireAuth(tenantMiddleware(h.Me)))
}

// Token handles POST /api/auth/token.
// Issues a session token for valid credentials and sets it as a cookie.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	result, err := h.userService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	auth.SetAuthCookie(w, result.Token, result.ExpiresAt, h.cookies)
	writeJSON(w, h.logger, http.StatusOK, result)
}

// Logout handles POST /api/auth/logout by clearing the session cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearAuthCookie(w, h.cookies)
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/me.
// Returns the caller's profile with role and permissions per project.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}

	summary, err := h.userService.Me(r.Context(), caller)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, summary)
}
