package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/logging"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	exportBatchSize = 500
)

// DocumentPage is one page of a project's documents, newest serial first.
type DocumentPage struct {
	Documents []*models.DocumentRecord `json:"documents"`
	Total     int                      `json:"total"`
	Limit     int                      `json:"limit"`
	Offset    int                      `json:"offset"`
}

// DownloadLink is a time-limited reference to a certified document.
type DownloadLink struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Blob is an opened certified document.
type Blob struct {
	Body     io.ReadCloser
	Filename string
}

// DocumentService serves certified documents to authorized users.
type DocumentService interface {
	List(ctx context.Context, caller Caller, projectID uuid.UUID, limit, offset int) (*DocumentPage, error)
	// ListAccessible returns recent documents of every project where the
	// caller holds documents.view.
	ListAccessible(ctx context.Context, caller Caller, limit int) ([]*models.DocumentRecord, error)
	Get(ctx context.Context, caller Caller, documentID uuid.UUID) (*models.DocumentRecord, error)
	DownloadLink(ctx context.Context, caller Caller, documentID uuid.UUID) (*DownloadLink, error)
	// Export writes an XLSX workbook of the project's documents. uuid.Nil
	// exports every project where the caller holds documents.export.
	Export(ctx context.Context, caller Caller, projectID uuid.UUID, w io.Writer) error
	// OpenBlob resolves a signed reference issued by DownloadLink.
	OpenBlob(ctx context.Context, token string) (*Blob, error)
}

type documentService struct {
	documents repositories.DocumentRepository
	grants    repositories.GrantRepository
	authz     AuthorizationService
	store     storage.Store
	signer    *storage.URLSigner
	linkTTL   time.Duration
	logger    *zap.Logger
}

// NewDocumentService creates a document service. Download links expire after linkTTL.
func NewDocumentService(
	documents repositories.DocumentRepository,
	grants repositories.GrantRepository,
	authz AuthorizationService,
	store storage.Store,
	signer *storage.URLSigner,
	linkTTL time.Duration,
	logger *zap.Logger,
) DocumentService {
	return &documentService{
		documents: documents,
		grants:    grants,
		authz:     authz,
		store:     store,
		signer:    signer,
		linkTTL:   linkTTL,
		logger:    logger.Named("documents"),
	}
}

func (s *documentService) List(ctx context.Context, caller Caller, projectID uuid.UUID, limit, offset int) (*DocumentPage, error) {
	if err := s.authz.Require(ctx, projectID, caller.UserID, models.PermDocumentsView); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	docs, err := s.documents.ListByProject(ctx, projectID, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.documents.CountByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []*models.DocumentRecord{}
	}
	return &DocumentPage{Documents: docs, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *documentService) ListAccessible(ctx context.Context, caller Caller, limit int) ([]*models.DocumentRecord, error) {
	limit, _ = clampPage(limit, 0)
	projects, err := s.projectsWith(ctx, caller, models.PermDocumentsView)
	if err != nil {
		return nil, err
	}

	out := []*models.DocumentRecord{}
	for _, p := range projects {
		docs, err := s.documents.ListByProject(ctx, p.ProjectID, limit, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	sortNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// projectsWith returns the caller's memberships that grant perm.
func (s *documentService) projectsWith(ctx context.Context, caller Caller, perm models.PermissionName) ([]*models.ProjectMember, error) {
	memberships, err := s.grants.ListUserMemberships(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	var out []*models.ProjectMember
	for _, m := range memberships {
		if m.Effective().Has(perm) {
			out = append(out, m)
		}
	}
	return out, nil
}

// sortNewestFirst orders records by upload time, newest first. Serial code
// breaks ties so the order is stable across projects.
func sortNewestFirst(docs []*models.DocumentRecord) {
	sort.SliceStable(docs, func(i, j int) bool {
		if !docs[i].UploadedAt.Equal(docs[j].UploadedAt) {
			return docs[i].UploadedAt.After(docs[j].UploadedAt)
		}
		return docs[i].SerialCode > docs[j].SerialCode
	})
}

func (s *documentService) Get(ctx context.Context, caller Caller, documentID uuid.UUID) (*models.DocumentRecord, error) {
	return s.load(ctx, caller, documentID, models.PermDocumentsView)
}

func (s *documentService) DownloadLink(ctx context.Context, caller Caller, documentID uuid.UUID) (*DownloadLink, error) {
	doc, err := s.load(ctx, caller, documentID, models.PermDocumentsDownload)
	if err != nil {
		return nil, err
	}
	if doc.IsVoid() {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "document was never stored")
	}

	url, expiresAt, err := s.signer.SignedURL(doc.StorageKey, models.SafeFilename(doc.OriginalFilename), s.linkTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign download reference: %w", err)
	}
	return &DownloadLink{URL: url, Filename: doc.OriginalFilename, ExpiresAt: expiresAt}, nil
}

// load fetches a document and requires perm in the document's own project.
func (s *documentService) load(ctx context.Context, caller Caller, documentID uuid.UUID, perm models.PermissionName) (*models.DocumentRecord, error) {
	doc, err := s.documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Require(ctx, doc.ProjectID, caller.UserID, perm); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *documentService) Export(ctx context.Context, caller Caller, projectID uuid.UUID, w io.Writer) error {
	var projects []*models.ProjectMember
	if projectID != uuid.Nil {
		if err := s.authz.Require(ctx, projectID, caller.UserID, models.PermDocumentsExport); err != nil {
			return err
		}
		memberships, err := s.grants.ListUserMemberships(ctx, caller.UserID)
		if err != nil {
			return fmt.Errorf("failed to list memberships: %w", err)
		}
		target := &models.ProjectMember{ProjectID: projectID}
		for _, m := range memberships {
			if m.ProjectID == projectID {
				target = m
			}
		}
		projects = []*models.ProjectMember{target}
	} else {
		var err error
		if projects, err = s.projectsWith(ctx, caller, models.PermDocumentsExport); err != nil {
			return err
		}
	}

	names := make(map[uuid.UUID]string, len(projects))
	var docs []*models.DocumentRecord
	for _, p := range projects {
		names[p.ProjectID] = p.ProjectName
		for offset := 0; ; offset += exportBatchSize {
			batch, err := s.documents.ListByProject(ctx, p.ProjectID, exportBatchSize, offset)
			if err != nil {
				return err
			}
			docs = append(docs, batch...)
			if len(batch) < exportBatchSize {
				break
			}
		}
	}
	sortNewestFirst(docs)

	if err := writeWorkbook(w, docs, names); err != nil {
		return fmt.Errorf("failed to write export workbook: %w", err)
	}
	s.logger.Info("Documents exported",
		zap.String("user_id", caller.UserID.String()),
		zap.Int("projects", len(projects)),
		zap.Int("documents", len(docs)))
	return nil
}

// exportSheet and exportHeader describe the workbook layout.
const exportSheet = "Documents"

var exportHeader = []any{"Serial", "Filename", "Project", "Upload Date", "Status"}

func writeWorkbook(w io.Writer, docs []*models.DocumentRecord, projectNames map[uuid.UUID]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}
	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return err
	}
	for i, d := range docs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			d.SerialCode,
			d.OriginalFilename,
			projectNames[d.ProjectID],
			d.UploadedAt.UTC().Format(time.DateOnly),
			string(d.Status),
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	if err := sw.Flush(); err != nil {
		return err
	}
	return f.Write(w)
}

func (s *documentService) OpenBlob(ctx context.Context, token string) (*Blob, error) {
	ref, err := s.signer.Resolve(token)
	if err != nil {
		s.logger.Debug("Rejected download reference",
			zap.String("ref", logging.RedactToken(token)),
			zap.Error(err))
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "download link is invalid or expired")
	}
	body, err := s.store.Get(ctx, ref.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "document file is missing")
		}
		return nil, apperrors.WrapCause(apperrors.ErrStorage, "document file could not be read", err)
	}
	return &Blob{Body: body, Filename: ref.Filename}, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

var _ DocumentService = (*documentService)(nil)
