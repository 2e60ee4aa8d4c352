package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/logging"
	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/storage"
)

// maxLoggedQuery bounds how much of an untrusted query reaches the logs.
const maxLoggedQuery = 128

// Verification verdicts, used as metric labels.
const (
	VerdictNoSerial         = "no_serial"
	VerdictNotFound         = "not_found"
	VerdictVoid             = "void"
	VerdictValid            = "valid"
	VerdictValidMissingFile = "valid_missing_file"
	VerdictAmbiguous        = "ambiguous"
)

// VerificationService answers public "is this certificate real" queries.
// It needs no identity and runs without a tenant scope.
type VerificationService interface {
	// Normalize extracts the serial token from raw input: a serial code, a
	// document id, a bare serial number or a verification URL.
	Normalize(raw string) (string, bool)
	Verify(ctx context.Context, raw string) (*models.VerificationResult, error)
}

type verificationService struct {
	documents repositories.DocumentRepository
	store     storage.Store
	auditor   *audit.SecurityAuditor
	metrics   *metrics.Metrics
	marker    string
	logger    *zap.Logger
}

// NewVerificationService creates the verifier. marker is the path segment
// that precedes the serial in verification URLs, e.g. "/verify/".
func NewVerificationService(
	documents repositories.DocumentRepository,
	store storage.Store,
	auditor *audit.SecurityAuditor,
	m *metrics.Metrics,
	marker string,
	logger *zap.Logger,
) VerificationService {
	if marker == "" {
		marker = "/verify/"
	}
	return &verificationService{
		documents: documents,
		store:     store,
		auditor:   auditor,
		metrics:   m,
		marker:    marker,
		logger:    logger.Named("verification"),
	}
}

func (s *verificationService) Normalize(raw string) (string, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", false
	}

	if idx := strings.Index(text, s.marker); idx >= 0 {
		rest := text[idx+len(s.marker):]
		end := strings.IndexFunc(rest, func(r rune) bool {
			return r == '/' || r == '?' || r == '#' || r == '&' || unicode.IsSpace(r)
		})
		if end >= 0 {
			rest = rest[:end]
		}
		return rest, rest != ""
	}

	fields := strings.Fields(text)
	return fields[0], true
}

func (s *verificationService) Verify(ctx context.Context, raw string) (*models.VerificationResult, error) {
	token, ok := s.Normalize(raw)
	result := &models.VerificationResult{Query: token}
	if !ok {
		result.NoSerial = true
		s.metrics.RecordVerification(VerdictNoSerial)
		return result, nil
	}

	var (
		doc *models.DocumentRecord
		err error
	)
	switch {
	case isUUID(token):
		id, _ := uuid.Parse(token)
		doc, err = s.documents.GetByID(ctx, id)
	case isDigits(token):
		return s.verifyBareSerial(ctx, token, result)
	default:
		doc, err = s.documents.GetBySerialCode(ctx, strings.ToUpper(token))
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.metrics.RecordVerification(VerdictNotFound)
			return result, nil
		}
		s.logger.Error("Document lookup failed", zap.String("query", logging.TruncateString(token, maxLoggedQuery)), zap.Error(err))
		return nil, err
	}

	s.resolve(ctx, doc, result)
	return result, nil
}

// verifyBareSerial handles a serial number without project context. It only
// resolves when exactly one certified document carries the number.
func (s *verificationService) verifyBareSerial(ctx context.Context, token string, result *models.VerificationResult) (*models.VerificationResult, error) {
	n, err := strconv.ParseInt(token, 10, 64)
	if err != nil || n <= 0 {
		s.metrics.RecordVerification(VerdictNotFound)
		return result, nil
	}

	matches, err := s.documents.FindBySerial(ctx, models.SerialNumber(n))
	if err != nil {
		s.logger.Error("Serial lookup failed", zap.Int64("serial", n), zap.Error(err))
		return nil, err
	}

	var certified []*models.DocumentRecord
	for _, d := range matches {
		if !d.IsVoid() {
			certified = append(certified, d)
		}
	}

	switch {
	case len(certified) == 1:
		s.resolve(ctx, certified[0], result)
	case len(certified) > 1:
		serial := models.SerialNumber(n)
		result.Valid = true
		result.Ambiguous = true
		result.Serial = &serial
		s.metrics.RecordVerification(VerdictAmbiguous)
	case len(matches) > 0:
		s.resolve(ctx, matches[0], result)
	default:
		s.metrics.RecordVerification(VerdictNotFound)
	}
	return result, nil
}

func (s *verificationService) resolve(ctx context.Context, doc *models.DocumentRecord, result *models.VerificationResult) {
	if doc.IsVoid() {
		result.Valid = false
		result.FileExists = false
		if s.auditor != nil {
			s.auditor.LogVoidSerialVerified(ctx, doc.ProjectID, doc.SerialCode)
		}
		s.metrics.RecordVerification(VerdictVoid)
		return
	}

	id, projectID, serial, uploadedAt := doc.ID, doc.ProjectID, doc.Serial, doc.UploadedAt
	result.Valid = true
	result.DocumentID = &id
	result.ProjectID = &projectID
	result.Serial = &serial
	result.SerialCode = doc.SerialCode
	result.Filename = doc.OriginalFilename
	result.UploadedAt = &uploadedAt

	exists, err := s.store.Exists(ctx, doc.StorageKey)
	if err != nil {
		s.logger.Warn("Storage existence check failed, reporting file as missing",
			zap.String("document_id", doc.ID.String()),
			zap.Error(err))
		exists = false
	}
	result.FileExists = exists

	if exists {
		s.metrics.RecordVerification(VerdictValid)
	} else {
		s.metrics.RecordVerification(VerdictValidMissingFile)
	}
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

var _ VerificationService = (*verificationService)(nil)
