package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/database"
	"github.com/ekaya-inc/docucert/pkg/models"
)

// DocumentRepository stores certified and void document records.
// Records are insert-only.
type DocumentRepository interface {
	Insert(ctx context.Context, doc *models.DocumentRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.DocumentRecord, error)
	GetBySerialCode(ctx context.Context, code string) (*models.DocumentRecord, error)
	// FindBySerial returns every record with this serial across projects.
	FindBySerial(ctx context.Context, serial models.SerialNumber) ([]*models.DocumentRecord, error)
	ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.DocumentRecord, error)
	CountByProject(ctx context.Context, projectID uuid.UUID) (int, error)
}

type documentRepository struct{}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository() DocumentRepository {
	return &documentRepository{}
}

const documentColumns = `
		SELECT id, project_id, serial, serial_code, original_filename, storage_key,
		       uploaded_by, uploaded_at, status, void_reason
		FROM documents`

func scanDocument(row pgx.Row) (*models.DocumentRecord, error) {
	var (
		d      models.DocumentRecord
		serial int64
		status string
	)
	err := row.Scan(&d.ID, &d.ProjectID, &serial, &d.SerialCode, &d.OriginalFilename, &d.StorageKey,
		&d.UploadedBy, &d.UploadedAt, &status, &d.VoidReason)
	if err != nil {
		return nil, err
	}
	d.Serial = models.SerialNumber(serial)
	d.Status = models.DocumentStatus(status)
	return &d, nil
}

// Insert writes a new record. A duplicate serial or code returns ErrConflict.
func (r *documentRepository) Insert(ctx context.Context, doc *models.DocumentRecord) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusCertified
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}

	query := `
		INSERT INTO documents (id, project_id, serial, serial_code, original_filename, storage_key,
		                       uploaded_by, uploaded_at, status, void_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := scope.Conn.Exec(ctx, query,
		doc.ID,
		doc.ProjectID,
		int64(doc.Serial),
		doc.SerialCode,
		doc.OriginalFilename,
		doc.StorageKey,
		doc.UploadedBy,
		doc.UploadedAt,
		string(doc.Status),
		doc.VoidReason,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.WrapCause(apperrors.ErrConflict, "serial already recorded", err)
		}
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (r *documentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DocumentRecord, error) {
	return r.getOne(ctx, documentColumns+` WHERE id = $1`, id)
}

func (r *documentRepository) GetBySerialCode(ctx context.Context, code string) (*models.DocumentRecord, error) {
	return r.getOne(ctx, documentColumns+` WHERE serial_code = $1`, code)
}

func (r *documentRepository) getOne(ctx context.Context, query string, arg any) (*models.DocumentRecord, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	doc, err := scanDocument(scope.Conn.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "document not found")
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

func (r *documentRepository) FindBySerial(ctx context.Context, serial models.SerialNumber) ([]*models.DocumentRecord, error) {
	return r.list(ctx, documentColumns+` WHERE serial = $1 ORDER BY uploaded_at, id`, int64(serial))
}

// ListByProject returns records newest first. limit <= 0 means no limit.
func (r *documentRepository) ListByProject(ctx context.Context, projectID uuid.UUID, limit, offset int) ([]*models.DocumentRecord, error) {
	query := documentColumns + ` WHERE project_id = $1 ORDER BY serial DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	return r.list(ctx, query, args...)
}

func (r *documentRepository) CountByProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var count int
	if err := scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE project_id = $1`, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

func (r *documentRepository) list(ctx context.Context, query string, args ...any) ([]*models.DocumentRecord, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.DocumentRecord
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}
