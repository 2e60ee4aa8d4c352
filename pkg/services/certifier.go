package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/stamping"
	"github.com/ekaya-inc/docucert/pkg/storage"
)

// Certification stages, used as metric labels.
const (
	StageValidate  = "validate"
	StageAuthorize = "authorize"
	StageAllocate  = "allocate"
	StageStamp     = "stamp"
	StageStore     = "store"
	StageRecord    = "record"
)

const pdfMagic = "%PDF-"

var acceptedContentTypes = map[string]bool{
	"":                         true,
	"application/pdf":          true,
	"application/x-pdf":        true,
	"application/octet-stream": true,
}

// CertifierConfig bounds the certification pipeline.
type CertifierConfig struct {
	BaseURL          string
	VerifyPathMarker string
	MaxUploadBytes   int64
	StampTimeout     time.Duration
}

// CertifyRequest is one upload to certify.
type CertifyRequest struct {
	ProjectID   uuid.UUID
	UserID      uuid.UUID
	Filename    string
	ContentType string
	Data        []byte
}

// CertifyResult is the outcome of a successful certification.
type CertifyResult struct {
	Document        *models.DocumentRecord
	VerificationURL string
}

// DocumentCertifier runs the certification pipeline:
// validate, authorize, allocate serial, stamp, store, record.
type DocumentCertifier interface {
	Certify(ctx context.Context, req CertifyRequest) (*CertifyResult, error)
}

type documentCertifier struct {
	authz     AuthorizationService
	projects  repositories.ProjectRepository
	allocator SerialAllocator
	documents repositories.DocumentRepository
	stamper   stamping.Stamper
	store     storage.Store
	auditor   *audit.SecurityAuditor
	metrics   *metrics.Metrics
	cfg       CertifierConfig
	logger    *zap.Logger
}

// NewDocumentCertifier wires the pipeline. store should already apply
// per-attempt timeouts and retries (see storage.NewRetryingStore).
func NewDocumentCertifier(
	authz AuthorizationService,
	projects repositories.ProjectRepository,
	allocator SerialAllocator,
	documents repositories.DocumentRepository,
	stamper stamping.Stamper,
	store storage.Store,
	auditor *audit.SecurityAuditor,
	m *metrics.Metrics,
	cfg CertifierConfig,
	logger *zap.Logger,
) DocumentCertifier {
	if cfg.VerifyPathMarker == "" {
		cfg.VerifyPathMarker = "/verify/"
	}
	if cfg.StampTimeout <= 0 {
		cfg.StampTimeout = 20 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &documentCertifier{
		authz:     authz,
		projects:  projects,
		allocator: allocator,
		documents: documents,
		stamper:   stamper,
		store:     store,
		auditor:   auditor,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.Named("certifier"),
	}
}

func (c *documentCertifier) Certify(ctx context.Context, req CertifyRequest) (*CertifyResult, error) {
	start := time.Now()
	if err := c.validate(req); err != nil {
		c.metrics.RecordCertification(metrics.OutcomeRejected, StageValidate)
		return nil, err
	}
	c.metrics.ObserveStage(StageValidate, time.Since(start))

	start = time.Now()
	if err := c.authz.Require(ctx, req.ProjectID, req.UserID, models.PermDocumentsUpload); err != nil {
		c.metrics.RecordCertification(metrics.OutcomeRejected, StageAuthorize)
		return nil, err
	}
	project, err := c.projects.Get(ctx, req.ProjectID)
	if err != nil {
		c.metrics.RecordCertification(metrics.OutcomeRejected, StageAuthorize)
		return nil, err
	}
	c.metrics.ObserveStage(StageAuthorize, time.Since(start))

	start = time.Now()
	serial, err := c.allocator.NextSerial(ctx, req.ProjectID)
	if err != nil {
		c.metrics.RecordCertification(metrics.OutcomeFailed, StageAllocate)
		return nil, err
	}
	c.metrics.ObserveStage(StageAllocate, time.Since(start))

	code := models.FormatSerialCode(project.OwnerCode, project.ShortID(), serial)
	verifyURL := c.cfg.BaseURL + c.cfg.VerifyPathMarker + code
	doc := &models.DocumentRecord{
		ID:               uuid.New(),
		ProjectID:        req.ProjectID,
		Serial:           serial,
		SerialCode:       code,
		OriginalFilename: req.Filename,
		StorageKey:       models.StorageKeyFor(req.ProjectID, code, req.Filename),
		UploadedBy:       req.UserID,
		Status:           models.DocumentStatusCertified,
	}
	log := c.logger.With(
		zap.String("project_id", req.ProjectID.String()),
		zap.String("serial_code", code))

	start = time.Now()
	stampCtx, cancel := context.WithTimeout(ctx, c.cfg.StampTimeout)
	stamped, err := c.stamper.Stamp(stampCtx, req.Data, stamping.Payload{
		URL:         verifyURL,
		SerialCode:  code,
		OwnerCode:   project.OwnerCode,
		ProjectName: project.Name,
	})
	cancel()
	if err != nil {
		log.Error("Stamping failed", zap.Error(err))
		c.metrics.RecordCertification(metrics.OutcomeFailed, StageStamp)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("stamping timed out after %v: %w", c.cfg.StampTimeout, err)
		}
		// Inspect already accepted the file, so this is a server-side failure.
		return nil, fmt.Errorf("failed to stamp document: %w", err)
	}
	c.metrics.ObserveStage(StageStamp, time.Since(start))

	start = time.Now()
	if err := c.store.Put(ctx, doc.StorageKey, bytes.NewReader(stamped), int64(len(stamped)), "application/pdf"); err != nil {
		log.Error("Storing certified document failed", zap.Error(err))
		c.void(ctx, doc, "storage write failed")
		c.metrics.RecordCertification(metrics.OutcomeFailed, StageStore)
		return nil, apperrors.WrapCause(apperrors.ErrStorage, "certified document could not be stored", err)
	}
	c.metrics.ObserveStage(StageStore, time.Since(start))

	start = time.Now()
	if err := c.documents.Insert(ctx, doc); err != nil {
		log.Error("Recording certified document failed, removing blob", zap.Error(err))
		if derr := c.store.Delete(context.WithoutCancel(ctx), doc.StorageKey); derr != nil && !errors.Is(derr, storage.ErrNotExist) {
			log.Error("Failed to remove orphaned blob",
				zap.String("storage_key", doc.StorageKey),
				zap.Error(derr))
		}
		c.metrics.RecordCertification(metrics.OutcomeFailed, StageRecord)
		return nil, fmt.Errorf("failed to record document: %w", err)
	}
	c.metrics.ObserveStage(StageRecord, time.Since(start))
	c.metrics.RecordCertification(metrics.OutcomeCertified, "")

	log.Info("Document certified",
		zap.String("document_id", doc.ID.String()),
		zap.Int64("serial", int64(serial)))

	return &CertifyResult{Document: doc, VerificationURL: verifyURL}, nil
}

// void records an allocated serial that will never back a stored document.
// It runs detached from ctx so a cancelled request still leaves the record.
func (c *documentCertifier) void(ctx context.Context, doc *models.DocumentRecord, reason string) {
	record := *doc
	record.Status = models.DocumentStatusVoid
	record.VoidReason = reason
	if err := c.documents.Insert(context.WithoutCancel(ctx), &record); err != nil {
		c.logger.Error("Failed to record void serial",
			zap.String("serial_code", record.SerialCode),
			zap.Error(err))
		return
	}
	if c.auditor != nil {
		c.auditor.LogCertificationVoided(ctx, record.ProjectID, record.ID, record.SerialCode, reason)
	}
}

func (c *documentCertifier) validate(req CertifyRequest) error {
	if req.ProjectID == uuid.Nil {
		return apperrors.Wrap(apperrors.ErrValidation, "project id is required")
	}
	if req.UserID == uuid.Nil {
		return apperrors.Wrap(apperrors.ErrUnauthorized, "authenticated user is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return apperrors.Wrap(apperrors.ErrValidation, "filename is required")
	}
	if !strings.EqualFold(filepath.Ext(req.Filename), ".pdf") {
		return apperrors.Wrap(apperrors.ErrValidation, "file must have a .pdf extension")
	}
	if !acceptedContentType(req.ContentType) {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("unsupported content type %q", req.ContentType))
	}
	if len(req.Data) == 0 {
		return apperrors.Wrap(apperrors.ErrValidation, "file is empty")
	}
	if c.cfg.MaxUploadBytes > 0 && int64(len(req.Data)) > c.cfg.MaxUploadBytes {
		return apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("file exceeds the %d byte limit", c.cfg.MaxUploadBytes))
	}
	if !bytes.HasPrefix(req.Data, []byte(pdfMagic)) {
		return apperrors.Wrap(apperrors.ErrValidation, "file is not a PDF document")
	}
	if err := c.stamper.Inspect(req.Data); err != nil {
		c.logger.Debug("Rejected unreadable PDF", zap.String("filename", req.Filename), zap.Error(err))
		return apperrors.WrapCause(apperrors.ErrValidation, "file is not a readable PDF document", err)
	}
	return nil
}

func acceptedContentType(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return acceptedContentTypes[strings.ToLower(mediaType)]
}

var _ DocumentCertifier = (*documentCertifier)(nil)
