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

// OwnerCompanyRepository defines data access for owner companies.
type OwnerCompanyRepository interface {
	Create(ctx context.Context, company *models.OwnerCompany) error
	Get(ctx context.Context, id uuid.UUID) (*models.OwnerCompany, error)
	GetByCode(ctx context.Context, code string) (*models.OwnerCompany, error)
	List(ctx context.Context) ([]*models.OwnerCompany, error)
}

type ownerCompanyRepository struct{}

// NewOwnerCompanyRepository creates a new owner company repository.
func NewOwnerCompanyRepository() OwnerCompanyRepository {
	return &ownerCompanyRepository{}
}

// Create inserts a company. Codes are unique; a duplicate returns ErrConflict.
func (r *ownerCompanyRepository) Create(ctx context.Context, company *models.OwnerCompany) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if company.ID == uuid.Nil {
		company.ID = uuid.New()
	}
	company.Code = models.NormalizeCompanyCode(company.Code)
	company.CreatedAt = time.Now()

	query := `
		INSERT INTO owner_companies (id, name, code, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := scope.Conn.Exec(ctx, query, company.ID, company.Name, company.Code, company.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf("owner company code %q already exists", company.Code))
		}
		return fmt.Errorf("failed to create owner company: %w", err)
	}

	return nil
}

// Get retrieves a company by ID.
func (r *ownerCompanyRepository) Get(ctx context.Context, id uuid.UUID) (*models.OwnerCompany, error) {
	return r.getOne(ctx, `SELECT id, name, code, created_at FROM owner_companies WHERE id = $1`, id)
}

// GetByCode retrieves a company by its (case-insensitive) code.
func (r *ownerCompanyRepository) GetByCode(ctx context.Context, code string) (*models.OwnerCompany, error) {
	return r.getOne(ctx, `SELECT id, name, code, created_at FROM owner_companies WHERE code = $1`,
		models.NormalizeCompanyCode(code))
}

func (r *ownerCompanyRepository) getOne(ctx context.Context, query string, arg any) (*models.OwnerCompany, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var c models.OwnerCompany
	err := scope.Conn.QueryRow(ctx, query, arg).Scan(&c.ID, &c.Name, &c.Code, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "owner company not found")
		}
		return nil, fmt.Errorf("failed to get owner company: %w", err)
	}
	return &c, nil
}

// List returns every company ordered by code.
func (r *ownerCompanyRepository) List(ctx context.Context) ([]*models.OwnerCompany, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, `SELECT id, name, code, created_at FROM owner_companies ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to list owner companies: %w", err)
	}
	defer rows.Close()

	var companies []*models.OwnerCompany
	for rows.Next() {
		var c models.OwnerCompany
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan owner company: %w", err)
		}
		companies = append(companies, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating owner companies: %w", err)
	}

	return companies, nil
}
