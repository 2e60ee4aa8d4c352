package database

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithTenantContext creates middleware that sets up a request-scoped DB
// connection. When the route has a {pid} path value the connection is scoped
// to that project; otherwise it is unscoped. The connection is released
// after the handler returns.
func WithTenantContext(db *DB, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var (
				scope *TenantScope
				err   error
			)

			if pid := r.PathValue("pid"); pid != "" {
				projectID, parseErr := uuid.Parse(pid)
				if parseErr != nil {
					writeError(w, http.StatusBadRequest, "invalid_project_id", "Invalid project ID format")
					return
				}
				scope, err = db.WithTenant(r.Context(), projectID)
			} else {
				scope, err = db.WithoutTenant(r.Context())
			}
			if err != nil {
				logger.Error("Failed to acquire database connection",
					zap.String("path", r.URL.Path),
					zap.Error(err))
				writeError(w, http.StatusInternalServerError, "database_error", "Database connection error")
				return
			}
			defer scope.Close()

			ctx := SetTenantScope(r.Context(), scope)
			next(w, r.WithContext(ctx))
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}
