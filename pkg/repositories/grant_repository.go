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

// GrantRepository stores role assignments and direct permission grants.
// Reads always go to the database.
type GrantRepository interface {
	GetRole(ctx context.Context, projectID, userID uuid.UUID) (*models.Role, error)
	// SetRole upserts the user's role. Demoting the last admin returns ErrLastAdmin.
	SetRole(ctx context.Context, projectID, userID uuid.UUID, role models.Role, assignedBy *uuid.UUID) error
	// RemoveRole deletes the user's role. Removing the last admin returns ErrLastAdmin.
	RemoveRole(ctx context.Context, projectID, userID uuid.UUID) error
	CountAdmins(ctx context.Context, projectID uuid.UUID) (int, error)

	ListGrants(ctx context.Context, projectID, userID uuid.UUID) ([]models.PermissionName, error)
	AddGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName, grantedBy *uuid.UUID) error
	// AddGrants inserts every permission in one transaction; existing grants are kept.
	AddGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error
	RemoveGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error
	// ReplaceGrants swaps the full direct grant set in one transaction.
	ReplaceGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error

	ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error)
	ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.ProjectMember, error)
	// ListAllAccess returns every (project, user) pair that has a role or a grant.
	ListAllAccess(ctx context.Context) ([]*models.ProjectMember, error)
}

type grantRepository struct{}

// NewGrantRepository creates a new grant repository.
func NewGrantRepository() GrantRepository {
	return &grantRepository{}
}

// GetRole returns nil when the user has no role in the project.
func (r *grantRepository) GetRole(ctx context.Context, projectID, userID uuid.UUID) (*models.Role, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	var role string
	err := scope.Conn.QueryRow(ctx,
		`SELECT role FROM role_assignments WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}

	out := models.Role(role)
	return &out, nil
}

// lockAdmins locks the project's admin rows and returns how many there are.
// Concurrent demotions serialize on these locks.
func lockAdmins(ctx context.Context, tx pgx.Tx, projectID uuid.UUID) (int, error) {
	rows, err := tx.Query(ctx,
		`SELECT user_id FROM role_assignments WHERE project_id = $1 AND role = 'admin' FOR UPDATE`,
		projectID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock admins: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to lock admins: %w", err)
	}
	return count, nil
}

func currentRole(ctx context.Context, tx pgx.Tx, projectID, userID uuid.UUID) (string, error) {
	var role string
	err := tx.QueryRow(ctx,
		`SELECT role FROM role_assignments WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

func (r *grantRepository) SetRole(ctx context.Context, projectID, userID uuid.UUID, role models.Role, assignedBy *uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if role != models.RoleAdmin {
		admins, err := lockAdmins(ctx, tx, projectID)
		if err != nil {
			return err
		}
		existing, err := currentRole(ctx, tx, projectID, userID)
		if err != nil {
			return err
		}
		if existing == string(models.RoleAdmin) && admins <= 1 {
			return apperrors.Wrap(apperrors.ErrLastAdmin, "cannot demote the last admin of a project")
		}
	}

	query := `
		INSERT INTO role_assignments (project_id, user_id, role, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, user_id) DO UPDATE
		SET role = EXCLUDED.role,
		    assigned_by = EXCLUDED.assigned_by,
		    assigned_at = EXCLUDED.assigned_at`

	if _, err := tx.Exec(ctx, query, projectID, userID, string(role), assignedBy, time.Now()); err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.Wrap(apperrors.ErrNotFound, "project or user not found")
		}
		return fmt.Errorf("failed to set role: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *grantRepository) RemoveRole(ctx context.Context, projectID, userID uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	admins, err := lockAdmins(ctx, tx, projectID)
	if err != nil {
		return err
	}
	existing, err := currentRole(ctx, tx, projectID, userID)
	if err != nil {
		return err
	}
	if existing == "" {
		return nil
	}
	if existing == string(models.RoleAdmin) && admins <= 1 {
		return apperrors.Wrap(apperrors.ErrLastAdmin, "cannot remove the last admin of a project")
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM role_assignments WHERE project_id = $1 AND user_id = $2`,
		projectID, userID); err != nil {
		return fmt.Errorf("failed to remove role: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountAdmins returns the number of admin users in a project.
func (r *grantRepository) CountAdmins(ctx context.Context, projectID uuid.UUID) (int, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var count int
	err := scope.Conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM role_assignments WHERE project_id = $1 AND role = 'admin'`,
		projectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count admins: %w", err)
	}
	return count, nil
}

// ListGrants returns the user's direct grants in lexical order.
func (r *grantRepository) ListGrants(ctx context.Context, projectID, userID uuid.UUID) ([]models.PermissionName, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx,
		`SELECT permission FROM permission_grants WHERE project_id = $1 AND user_id = $2 ORDER BY permission`,
		projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var perms []models.PermissionName
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		perms = append(perms, models.PermissionName(p))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return perms, nil
}

const insertGrant = `
		INSERT INTO permission_grants (project_id, user_id, permission, granted_by, granted_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (project_id, user_id, permission) DO NOTHING`

// AddGrant is idempotent.
func (r *grantRepository) AddGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName, grantedBy *uuid.UUID) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if _, err := scope.Conn.Exec(ctx, insertGrant, projectID, userID, string(perm), grantedBy, time.Now()); err != nil {
		if isForeignKeyViolation(err) {
			return apperrors.Wrap(apperrors.ErrNotFound, "project or user not found")
		}
		return fmt.Errorf("failed to add grant: %w", err)
	}
	return nil
}

func (r *grantRepository) AddGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error {
	return r.writeGrants(ctx, projectID, userID, perms, grantedBy, false)
}

func (r *grantRepository) ReplaceGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID) error {
	return r.writeGrants(ctx, projectID, userID, perms, grantedBy, true)
}

func (r *grantRepository) writeGrants(ctx context.Context, projectID, userID uuid.UUID, perms []models.PermissionName, grantedBy *uuid.UUID, replace bool) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	if replace {
		if _, err := tx.Exec(ctx,
			`DELETE FROM permission_grants WHERE project_id = $1 AND user_id = $2`,
			projectID, userID); err != nil {
			return fmt.Errorf("failed to clear grants: %w", err)
		}
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, p := range perms {
		batch.Queue(insertGrant, projectID, userID, string(p), grantedBy, now)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isForeignKeyViolation(err) {
				return apperrors.Wrap(apperrors.ErrNotFound, "project or user not found")
			}
			return fmt.Errorf("failed to write grants: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RemoveGrant is idempotent.
func (r *grantRepository) RemoveGrant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return fmt.Errorf("no tenant scope in context")
	}

	if _, err := scope.Conn.Exec(ctx,
		`DELETE FROM permission_grants WHERE project_id = $1 AND user_id = $2 AND permission = $3`,
		projectID, userID, string(perm)); err != nil {
		return fmt.Errorf("failed to remove grant: %w", err)
	}
	return nil
}

// memberQuery aggregates role and direct grants per (project, user) pair.
// %s is replaced by a WHERE clause on the access CTE.
const memberQuery = `
		WITH access AS (
			SELECT project_id, user_id FROM role_assignments
			UNION
			SELECT project_id, user_id FROM permission_grants
		)
		SELECT a.project_id, p.name, a.user_id, u.email, u.full_name, ra.role,
		       COALESCE(array_agg(pg.permission ORDER BY pg.permission)
		                FILTER (WHERE pg.permission IS NOT NULL), '{}')
		FROM access a
		JOIN projects p ON p.id = a.project_id
		JOIN users u ON u.id = a.user_id
		LEFT JOIN role_assignments ra ON ra.project_id = a.project_id AND ra.user_id = a.user_id
		LEFT JOIN permission_grants pg ON pg.project_id = a.project_id AND pg.user_id = a.user_id
		%s
		GROUP BY a.project_id, p.name, a.user_id, u.email, u.full_name, ra.role
		ORDER BY u.email, p.name`

func (r *grantRepository) ListProjectMembers(ctx context.Context, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	return r.listMembers(ctx, fmt.Sprintf(memberQuery, "WHERE a.project_id = $1"), projectID)
}

func (r *grantRepository) ListUserMemberships(ctx context.Context, userID uuid.UUID) ([]*models.ProjectMember, error) {
	return r.listMembers(ctx, fmt.Sprintf(memberQuery, "WHERE a.user_id = $1"), userID)
}

func (r *grantRepository) ListAllAccess(ctx context.Context) ([]*models.ProjectMember, error) {
	return r.listMembers(ctx, fmt.Sprintf(memberQuery, ""))
}

func (r *grantRepository) listMembers(ctx context.Context, query string, args ...any) ([]*models.ProjectMember, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return nil, fmt.Errorf("no tenant scope in context")
	}

	rows, err := scope.Conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.ProjectMember
	for rows.Next() {
		var (
			m      models.ProjectMember
			role   *string
			grants []string
		)
		if err := rows.Scan(&m.ProjectID, &m.ProjectName, &m.UserID, &m.Email, &m.FullName, &role, &grants); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		if role != nil {
			r := models.Role(*role)
			m.Role = &r
		}
		m.DirectGrants = make([]models.PermissionName, 0, len(grants))
		for _, g := range grants {
			m.DirectGrants = append(m.DirectGrants, models.PermissionName(g))
		}
		members = append(members, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating members: %w", err)
	}
	return members, nil
}
