package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// multipartOverhead is the allowance for multipart framing on top of the
// largest accepted document.
const multipartOverhead = 1 << 20

// UploadResponse is returned for a certified upload.
type UploadResponse struct {
	DocumentID      uuid.UUID           `json:"document_id"`
	Serial          models.SerialNumber `json:"serial"`
	SerialCode      string              `json:"serial_code"`
	ProjectID       uuid.UUID           `json:"project_id"`
	Filename        string              `json:"filename"`
	VerificationURL string              `json:"verification_url"`
}

// DocumentsHandler handles upload, listing, export and download of
// certified documents.
type DocumentsHandler struct {
	certifier      services.DocumentCertifier
	documents      services.DocumentService
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewDocumentsHandler creates a new documents handler.
func NewDocumentsHandler(
	certifier services.DocumentCertifier,
	documents services.DocumentService,
	maxUploadBytes int64,
	logger *zap.Logger,
) *DocumentsHandler {
	return &DocumentsHandler{
		certifier:      certifier,
		documents:      documents,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// RegisterRoutes registers the documents handler's routes on the given mux.
func (h *DocumentsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, tenantMiddleware TenantMiddleware) {
	mux.HandleFunc("GET /api/projects/{pid}/documents",
		authMiddleware.RequireAuth(tenantMiddleware(h.List)))
	mux.HandleFunc("POST /api/projects/{pid}/documents",
		authMiddleware.RequireAuth(tenantMiddleware(h.Upload)))
	mux.HandleFunc("GET /api/projects/{pid}/documents/export",
		authMiddleware.RequireAuth(tenantMiddleware(h.Export)))

	// Cross-project routes run unscoped; the service checks the document's project.
	mux.HandleFunc("GET /api/documents",
		authMiddleware.RequireAuth(tenantMiddleware(h.ListAccessible)))
	mux.HandleFunc("GET /api/documents/export",
		authMiddleware.RequireAuth(tenantMiddleware(h.ExportAll)))
	mux.HandleFunc("GET /api/documents/{did}",
		authMiddleware.RequireAuth(tenantMiddleware(h.Get)))
	mux.HandleFunc("GET /api/documents/{did}/download",
		authMiddleware.RequireAuth(tenantMiddleware(h.Download)))

	// The signed reference is the credential.
	mux.HandleFunc("GET /blobs/{ref}", h.Blob)
}

// Upload handles POST /api/projects/{pid}/documents (multipart field "file").
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, h.logger, http.StatusRequestEntityTooLarge, "validation_error", "document exceeds the maximum upload size")
			return
		}
		writeError(w, h.logger, http.StatusBadRequest, "validation_error", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	limit := h.maxUploadBytes
	if limit <= 0 {
		limit = header.Size
	}
	// Read one byte past the limit so the certifier reports oversize input.
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "validation_error", "failed to read uploaded file")
		return
	}

	result, err := h.certifier.Certify(r.Context(), services.CertifyRequest{
		ProjectID:   projectID,
		UserID:      caller.UserID,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	doc := result.Document
	writeJSON(w, h.logger, http.StatusCreated, UploadResponse{
		DocumentID:      doc.ID,
		Serial:          doc.Serial,
		SerialCode:      doc.SerialCode,
		ProjectID:       doc.ProjectID,
		Filename:        doc.OriginalFilename,
		VerificationURL: result.VerificationURL,
	})
}

// List handles GET /api/projects/{pid}/documents?limit=&offset=
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := h.queryInt(w, r, "offset")
	if !ok {
		return
	}

	page, err := h.documents.List(r.Context(), caller, projectID, limit, offset)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, page)
}

// ListAccessible handles GET /api/documents, the caller's documents across
// every project where they may view them.
func (h *DocumentsHandler) ListAccessible(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}

	docs, err := h.documents.ListAccessible(r.Context(), caller, limit)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"documents": docs})
}

// Export handles GET /api/projects/{pid}/documents/export as XLSX.
func (h *DocumentsHandler) Export(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	projectID, ok := ParseProjectID(w, r, h.logger)
	if !ok {
		return
	}
	h.export(w, r, caller, projectID, "documents-"+projectID.String()+".xlsx")
}

// ExportAll handles GET /api/documents/export, covering every project the
// caller may export from.
func (h *DocumentsHandler) ExportAll(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	h.export(w, r, caller, uuid.Nil, "documents.xlsx")
}

func (h *DocumentsHandler) export(w http.ResponseWriter, r *http.Request, caller services.Caller, projectID uuid.UUID, filename string) {
	// Headers are deferred to the first write so authorization failures still
	// get a JSON error status.
	aw := &lazyAttachmentWriter{w: w, contentType: xlsxContentType, filename: filename}
	if err := h.documents.Export(r.Context(), caller, projectID, aw); err != nil {
		if aw.started {
			h.logger.Error("Export aborted after streaming began",
				zap.String("project_id", projectID.String()),
				zap.Error(err))
			return
		}
		WriteServiceError(w, h.logger, err)
		return
	}
	aw.ensureHeaders()
}

// Get handles GET /api/documents/{did}
func (h *DocumentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	documentID, ok := ParseDocumentID(w, r, h.logger)
	if !ok {
		return
	}

	doc, err := h.documents.Get(r.Context(), caller, documentID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, doc)
}

// Download handles GET /api/documents/{did}/download.
// Redirects to a signed blob URL, or returns it as JSON with ?format=json.
func (h *DocumentsHandler) Download(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromRequest(w, r, h.logger)
	if !ok {
		return
	}
	documentID, ok := ParseDocumentID(w, r, h.logger)
	if !ok {
		return
	}

	link, err := h.documents.DownloadLink(r.Context(), caller, documentID)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, h.logger, http.StatusOK, link)
		return
	}
	http.Redirect(w, r, link.URL, http.StatusFound)
}

// Blob handles GET /blobs/{ref} and streams the referenced document.
func (h *DocumentsHandler) Blob(w http.ResponseWriter, r *http.Request) {
	blob, err := h.documents.OpenBlob(r.Context(), r.PathValue("ref"))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	defer blob.Body.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, blob.Body); err != nil {
		h.logger.Warn("Blob stream interrupted", zap.Error(err))
	}
}

// queryInt parses an optional non-negative integer query parameter.
// Missing values return 0.
func (h *DocumentsHandler) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, h.logger, http.StatusBadRequest, "validation_error", name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// lazyAttachmentWriter sets the attachment response headers on the first write.
type lazyAttachmentWriter struct {
	w           http.ResponseWriter
	contentType string
	filename    string
	started     bool
}

func (a *lazyAttachmentWriter) ensureHeaders() {
	if a.started {
		return
	}
	a.started = true
	a.w.Header().Set("Content-Type", a.contentType)
	a.w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.filename}))
	a.w.WriteHeader(http.StatusOK)
}

func (a *lazyAttachmentWriter) Write(p []byte) (int, error) {
	a.ensureHeaders()
	return a.w.Write(p)
}
