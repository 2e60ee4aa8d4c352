package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

// UserPermissions is a user's access in one project as shown to administrators.
type UserPermissions struct {
	ProjectID            uuid.UUID               `json:"project_id"`
	UserID               uuid.UUID               `json:"user_id"`
	Role                 *models.Role            `json:"role,omitempty"`
	DirectGrants         []models.PermissionName `json:"direct_grants"`
	EffectivePermissions []models.PermissionName `json:"effective_permissions"`
}

// AccessAdminService is permission administration on behalf of a caller.
// Every operation checks the caller's own permissions and the delegation
// rules: without admin.all a caller may only hand out permissions they hold
// and may only assign roles ranked at or below their own.
type AccessAdminService interface {
	Catalog(ctx context.Context, caller, projectID uuid.UUID) ([]models.PermissionGroup, error)
	ListMembers(ctx context.Context, caller, projectID uuid.UUID) ([]*models.ProjectMember, error)
	GetUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID) (*UserPermissions, error)
	ReplaceUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID, permissions []string) (*UserPermissions, error)
	GrantPermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*UserPermissions, error)
	RevokePermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*UserPermissions, error)
	AssignRole(ctx context.Context, caller, projectID, userID uuid.UUID, role string) (*UserPermissions, error)
	RemoveRole(ctx context.Context, caller, projectID, userID uuid.UUID) (*UserPermissions, error)
	ApplyPreset(ctx context.Context, caller, projectID, userID uuid.UUID, presetName string) (*UserPermissions, error)
}

type accessAdminService struct {
	authz   AuthorizationService
	grants  repositories.GrantRepository
	presets repositories.RolePresetRepository
	auditor *audit.SecurityAuditor
	logger  *zap.Logger
}

// NewAccessAdminService creates the permission administration service.
func NewAccessAdminService(
	authz AuthorizationService,
	grants repositories.GrantRepository,
	presets repositories.RolePresetRepository,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) AccessAdminService {
	return &accessAdminService{
		authz:   authz,
		grants:  grants,
		presets: presets,
		auditor: auditor,
		logger:  logger.Named("access_admin"),
	}
}

func (s *accessAdminService) Catalog(ctx context.Context, caller, projectID uuid.UUID) ([]models.PermissionGroup, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesView); err != nil {
		return nil, err
	}
	return models.Catalog(), nil
}

func (s *accessAdminService) ListMembers(ctx context.Context, caller, projectID uuid.UUID) ([]*models.ProjectMember, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermUsersView); err != nil {
		return nil, err
	}
	members, err := s.grants.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list project members: %w", err)
	}
	return members, nil
}

func (s *accessAdminService) GetUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID) (*UserPermissions, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesView); err != nil {
		return nil, err
	}
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) ReplaceUserPermissions(ctx context.Context, caller, projectID, userID uuid.UUID, permissions []string) (*UserPermissions, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesManage); err != nil {
		return nil, err
	}
	desired, err := models.ParsePermissionNames(permissions)
	if err != nil {
		return nil, err
	}
	current, err := s.authz.DirectGrants(ctx, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read current grants: %w", err)
	}

	changed := models.PermissionSet{}
	currentSet := models.NewPermissionSet(current...)
	for p := range desired {
		if !currentSet.Has(p) {
			changed[p] = struct{}{}
		}
	}
	for p := range currentSet {
		if !desired.Has(p) {
			changed[p] = struct{}{}
		}
	}
	if err := s.requireDelegable(ctx, caller, projectID, changed); err != nil {
		return nil, err
	}

	if err := s.authz.ReplaceGrants(ctx, projectID, userID, desired, &caller); err != nil {
		return nil, err
	}
	s.auditPermissions(ctx, projectID, userID, "replace", desired.Strings())
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) GrantPermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*UserPermissions, error) {
	perm, err := s.prepareSingle(ctx, caller, projectID, permission)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Grant(ctx, projectID, userID, perm, &caller); err != nil {
		return nil, err
	}
	s.auditPermissions(ctx, projectID, userID, "grant", []string{string(perm)})
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) RevokePermission(ctx context.Context, caller, projectID, userID uuid.UUID, permission string) (*UserPermissions, error) {
	perm, err := s.prepareSingle(ctx, caller, projectID, permission)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Revoke(ctx, projectID, userID, perm); err != nil {
		return nil, err
	}
	s.auditPermissions(ctx, projectID, userID, "revoke", []string{string(perm)})
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) prepareSingle(ctx context.Context, caller, projectID uuid.UUID, permission string) (models.PermissionName, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesManage); err != nil {
		return "", err
	}
	perm, err := models.ParsePermissionName(permission)
	if err != nil {
		return "", err
	}
	if err := s.requireDelegable(ctx, caller, projectID, models.NewPermissionSet(perm)); err != nil {
		return "", err
	}
	return perm, nil
}

func (s *accessAdminService) AssignRole(ctx context.Context, caller, projectID, userID uuid.UUID, role string) (*UserPermissions, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesAssign); err != nil {
		return nil, err
	}
	if !models.IsValidRole(role) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRole, fmt.Sprintf("invalid role %q", role))
	}
	newRole := models.Role(role)
	if err := s.requireRoleAuthority(ctx, caller, projectID, userID, newRole.Rank()); err != nil {
		return nil, err
	}

	if err := s.authz.AssignRole(ctx, projectID, userID, newRole, &caller); err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.LogRoleChange(ctx, projectID, userID, role)
	}
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) RemoveRole(ctx context.Context, caller, projectID, userID uuid.UUID) (*UserPermissions, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesAssign); err != nil {
		return nil, err
	}
	if err := s.requireRoleAuthority(ctx, caller, projectID, userID, 0); err != nil {
		return nil, err
	}

	if err := s.authz.RemoveRole(ctx, projectID, userID); err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.LogRoleChange(ctx, projectID, userID, "")
	}
	return s.snapshot(ctx, projectID, userID)
}

func (s *accessAdminService) ApplyPreset(ctx context.Context, caller, projectID, userID uuid.UUID, presetName string) (*UserPermissions, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermRolesAssign); err != nil {
		return nil, err
	}

	preset, err := s.presets.Get(ctx, projectID, presetName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrStaleState, fmt.Sprintf("preset %q no longer exists", presetName))
		}
		return nil, err
	}
	if err := s.requireDelegable(ctx, caller, projectID, models.NewPermissionSet(preset.Permissions...)); err != nil {
		return nil, err
	}

	applied, err := s.authz.ApplyPreset(ctx, projectID, userID, presetName, &caller)
	if err != nil {
		return nil, err
	}
	if s.auditor != nil {
		s.auditor.LogPresetApplied(ctx, projectID, userID, presetName, models.NewPermissionSet(applied...).Strings())
	}
	return s.snapshot(ctx, projectID, userID)
}

// requireDelegable rejects changes to permissions the caller does not hold.
func (s *accessAdminService) requireDelegable(ctx context.Context, caller, projectID uuid.UUID, perms models.PermissionSet) error {
	held := s.authz.ResolveEffective(ctx, projectID, caller)
	if held.Has(models.PermAdminAll) {
		return nil
	}
	for _, p := range perms.Sorted() {
		if !held.Has(p) {
			return apperrors.Wrap(apperrors.ErrForbidden,
				fmt.Sprintf("cannot delegate %s: caller does not hold it", p))
		}
	}
	return nil
}

// requireRoleAuthority rejects role changes above the caller's own rank, and
// changes to users who already outrank the caller.
func (s *accessAdminService) requireRoleAuthority(ctx context.Context, caller, projectID, target uuid.UUID, newRank int) error {
	if s.authz.Check(ctx, projectID, caller, models.PermAdminAll) {
		return nil
	}

	callerRank := 0
	callerRole, err := s.authz.Role(ctx, projectID, caller)
	if err != nil {
		return fmt.Errorf("failed to read caller role: %w", err)
	}
	if callerRole != nil {
		callerRank = callerRole.Rank()
	}

	if newRank > callerRank {
		return apperrors.Wrap(apperrors.ErrForbidden, "cannot assign a role ranked above your own")
	}

	targetRole, err := s.authz.Role(ctx, projectID, target)
	if err != nil {
		return fmt.Errorf("failed to read target role: %w", err)
	}
	if targetRole != nil && targetRole.Rank() > callerRank {
		return apperrors.Wrap(apperrors.ErrForbidden, "cannot change the role of a user ranked above you")
	}
	return nil
}

func (s *accessAdminService) snapshot(ctx context.Context, projectID, userID uuid.UUID) (*UserPermissions, error) {
	role, err := s.authz.Role(ctx, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read role: %w", err)
	}
	direct, err := s.authz.DirectGrants(ctx, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return &UserPermissions{
		ProjectID:            projectID,
		UserID:               userID,
		Role:                 role,
		DirectGrants:         direct,
		EffectivePermissions: s.authz.ResolveEffective(ctx, projectID, userID).Sorted(),
	}, nil
}

func (s *accessAdminService) auditPermissions(ctx context.Context, projectID, userID uuid.UUID, action string, perms []string) {
	if s.auditor == nil {
		return
	}
	s.auditor.LogPermissionChange(ctx, projectID, userID, audit.PermissionChangeDetails{
		Action:      action,
		Permissions: perms,
	})
}

var _ AccessAdminService = (*accessAdminService)(nil)
