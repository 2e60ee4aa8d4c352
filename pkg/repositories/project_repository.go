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

// ProjectRepository defines the interface for project data access.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	Get(ctx context.Context, id uuid.UUID) (*models.Project, error)
	// UpdateOwner changes the owning company, the only mutable project field.
	UpdateOwner(ctx context.Context, id, ownerCompanyID uuid.UUID) (*models.Project, error)
	// ListForUser returns projects where the user holds a role or any grant.
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Project, error)
	ListAll(ctx context.Context) ([]*models.Project, error)
}

// projectRepository implements ProjectRepository using PostgreSQL.
type projectRepository struct{}

// NewProjectRepository creates a new project repository.
func NewProjectRepository() ProjectRepository {
	return &projectRepository{}
}

const projectColumns = `
		SELECT p.id, p.name, p.owner_company_id, c.code, p.created_by, p.created_at, p.updated_at
		FROM projects p
		JOIN owner_companies c ON c.id = p.owner_company_id`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.OwnerCompanyID, &p.OwnerCode, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a new project. The owner company must exist.
func (r *projectRepository) Create(ctx context.Context, project *models.Project) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now()
	project.CreatedAt = now
	project.UpdatedAt = now

	query := `
		INSERT INTO projects (id, name, owner_company_id, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := scope.Conn.Exec(ctx, query,
		project.ID,
		project.Name,
		project.OwnerCompanyID,
		project.CreatedBy,
		project.CreatedAt,
		project.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.Wrap(apperrors.ErrValidation, "owner company does not exist")
		}
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

// Get retrieves a project by ID, including its owner code.
func (r *projectRepository) Get(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	project, err := scanProject(scope.Conn.QueryRow(ctx, projectColumns+` WHERE p.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "project not found")
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// UpdateOwner reassigns the owning company and returns the updated project.
func (r *projectRepository) UpdateOwner(ctx context.Context, id, ownerCompanyID uuid.UUID) (*models.Project, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx,
		`UPDATE projects SET owner_company_id = $1, updated_at = $2 WHERE id = $3`,
		ownerCompanyID, time.Now(), id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "owner company does not exist")
		}
		return nil, fmt.Errorf("failed to update project owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "project not found")
	}

	return r.Get(ctx, id)
}

// ListForUser returns the projects a user can see, ordered by name.
func (r *projectRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.Project, error) {
	return r.list(ctx, projectColumns+`
		WHERE p.id IN (
			SELECT project_id FROM role_assignments WHERE user_id = $1
			UNION
			SELECT project_id FROM permission_grants WHERE user_id = $1
		)
		ORDER BY p.name, p.id`, userID)
}

// ListAll returns every project, ordered by name.
func (r *projectRepository) ListAll(ctx context.Context) ([]*models.Project, error) {
	return r.list(ctx, projectColumns+` ORDER BY p.name, p.id`)
}

func (r *projectRepository) list(ctx context.Context, query string, args ...any) ([]*models.Project, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}

	return projects, nil
}
