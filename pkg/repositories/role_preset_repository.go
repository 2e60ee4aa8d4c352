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

// RolePresetRepository stores project-scoped permission templates.
type RolePresetRepository interface {
	Create(ctx context.Context, preset *models.RolePreset) error
	// CreateMany inserts presets in one transaction, skipping names that exist.
	CreateMany(ctx context.Context, presets []*models.RolePreset) error
	Get(ctx context.Context, projectID uuid.UUID, name string) (*models.RolePreset, error)
	List(ctx context.Context, projectID uuid.UUID) ([]*models.RolePreset, error)
	Update(ctx context.Context, preset *models.RolePreset) error
	Delete(ctx context.Context, projectID uuid.UUID, name string) error
}

type rolePresetRepository struct{}

// NewRolePresetRepository creates a new role preset repository.
func NewRolePresetRepository() RolePresetRepository {
	return &rolePresetRepository{}
}

func permissionStrings(perms []models.PermissionName) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

const insertPreset = `
		INSERT INTO role_presets (id, project_id, name, description, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

func preparePreset(p *models.RolePreset) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
}

func (r *rolePresetRepository) Create(ctx context.Context, preset *models.RolePreset) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	preparePreset(preset)
	_, err := scope.Conn.Exec(ctx, insertPreset,
		preset.ID, preset.ProjectID, preset.Name, preset.Description,
		permissionStrings(preset.Permissions), preset.CreatedAt, preset.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.Wrap(apperrors.ErrConflict, fmt.Sprintf("preset %q already exists", preset.Name))
		}
		return fmt.Errorf("failed to create preset: %w", err)
	}
	return nil
}

func (r *rolePresetRepository) CreateMany(ctx context.Context, presets []*models.RolePreset) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	batch := &pgx.Batch{}
	for _, p := range presets {
		preparePreset(p)
		batch.Queue(insertPreset+` ON CONFLICT (project_id, name) DO NOTHING`,
			p.ID, p.ProjectID, p.Name, p.Description,
			permissionStrings(p.Permissions), p.CreatedAt, p.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to create presets: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func scanPreset(row pgx.Row) (*models.RolePreset, error) {
	var (
		p     models.RolePreset
		perms []string
	)
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Description, &perms, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Permissions = make([]models.PermissionName, len(perms))
	for i, s := range perms {
		p.Permissions[i] = models.PermissionName(s)
	}
	return &p, nil
}

const presetColumns = `SELECT id, project_id, name, description, permissions, created_at, updated_at FROM role_presets`

// Get returns ErrNotFound when the preset does not exist.
func (r *rolePresetRepository) Get(ctx context.Context, projectID uuid.UUID, name string) (*models.RolePreset, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	preset, err := scanPreset(scope.Conn.QueryRow(ctx,
		presetColumns+` WHERE project_id = $1 AND name = $2`, projectID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("preset %q not found", name))
		}
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return preset, nil
}

func (r *rolePresetRepository) List(ctx context.Context, projectID uuid.UUID) ([]*models.RolePreset, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, presetColumns+` WHERE project_id = $1 ORDER BY name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list presets: %w", err)
	}
	defer rows.Close()

	var presets []*models.RolePreset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan preset: %w", err)
		}
		presets = append(presets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating presets: %w", err)
	}
	return presets, nil
}

// Update rewrites description and permissions of an existing preset.
func (r *rolePresetRepository) Update(ctx context.Context, preset *models.RolePreset) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	preset.UpdatedAt = time.Now()
	err := scope.Conn.QueryRow(ctx, `
		UPDATE role_presets
		SET description = $1, permissions = $2, updated_at = $3
		WHERE project_id = $4 AND name = $5
		RETURNING id, created_at`,
		preset.Description, permissionStrings(preset.Permissions), preset.UpdatedAt,
		preset.ProjectID, preset.Name,
	).Scan(&preset.ID, &preset.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("preset %q not found", preset.Name))
		}
		return fmt.Errorf("failed to update preset: %w", err)
	}
	return nil
}

func (r *rolePresetRepository) Delete(ctx context.Context, projectID uuid.UUID, name string) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM role_presets WHERE project_id = $1 AND name = $2`, projectID, name)
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("preset %q not found", name))
	}
	return nil
}
