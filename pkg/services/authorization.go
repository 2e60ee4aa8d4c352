package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

// AuthorizationService resolves effective permissions and mutates the raw
// role and grant state. It enforces catalog validity but no delegation rules;
// see AccessAdminService for caller-checked administration.
type AuthorizationService interface {
	// ResolveEffective returns role-implied permissions united with direct
	// grants, with admin.all expanded. Lookup failures yield an empty set.
	ResolveEffective(ctx context.Context, projectID, userID uuid.UUID) models.PermissionSet
	// Check never errors: anything but a positive answer is a denial.
	Check(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) bool
	// Require is Check that returns ErrForbidden and records the denial.
	Require(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error
	// HoldsAnywhere reports whether the user holds perm in at least one project.
	HoldsAnywhere(ctx context.Context, userID uuid.UUID, perm models.PermissionName) bool

	Role(ctx context.Context, projectID, userID uuid.UUID) (*models.Role, error)
	DirectGrants(ctx context.Context, projectID, userID uuid.UUID) ([]models.PermissionName, error)

	Grant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName, by *uuid.UUID) error
	Revoke(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error
	ReplaceGrants(ctx context.Context, projectID, userID uuid.UUID, perms models.PermissionSet, by *uuid.UUID) error
	// ApplyPreset copies the preset's permissions into direct grants. A missing
	// preset returns ErrStaleState and changes nothing.
	ApplyPreset(ctx context.Context, projectID, userID uuid.UUID, presetName string, by *uuid.UUID) ([]models.PermissionName, error)
	AssignRole(ctx context.Context, projectID, userID uuid.UUID, role models.Role, by *uuid.UUID) error
	RemoveRole(ctx context.Context, projectID, userID uuid.UUID) error
}

type authorizationService struct {
	grants  repositories.GrantRepository
	presets repositories.RolePresetRepository
	auditor *audit.SecurityAuditor
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuthorizationService creates the resolver.
func NewAuthorizationService(
	grants repositories.GrantRepository,
	presets repositories.RolePresetRepository,
	auditor *audit.SecurityAuditor,
	m *metrics.Metrics,
	logger *zap.Logger,
) AuthorizationService {
	return &authorizationService{
		grants:  grants,
		presets: presets,
		auditor: auditor,
		metrics: m,
		logger:  logger.Named("authorization"),
	}
}

func (s *authorizationService) ResolveEffective(ctx context.Context, projectID, userID uuid.UUID) models.PermissionSet {
	set := models.PermissionSet{}

	role, err := s.grants.GetRole(ctx, projectID, userID)
	if err != nil {
		s.logger.Error("Role lookup failed, denying",
			zap.String("project_id", projectID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return models.PermissionSet{}
	}
	if role != nil {
		set.Add(role.Permissions())
	}

	direct, err := s.grants.ListGrants(ctx, projectID, userID)
	if err != nil {
		s.logger.Error("Grant lookup failed, denying",
			zap.String("project_id", projectID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return models.PermissionSet{}
	}
	for _, p := range direct {
		if p.Valid() {
			set[p] = struct{}{}
		}
	}

	return set.Expand()
}

func (s *authorizationService) Check(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) bool {
	if projectID == uuid.Nil || userID == uuid.Nil || !perm.Valid() {
		return false
	}
	return s.ResolveEffective(ctx, projectID, userID).Has(perm)
}

func (s *authorizationService) Require(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error {
	if s.Check(ctx, projectID, userID, perm) {
		return nil
	}
	s.metrics.RecordAuthorizationDenied(string(perm))
	if s.auditor != nil {
		s.auditor.LogAuthorizationDenied(ctx, projectID, userID, string(perm))
	}
	return apperrors.Wrap(apperrors.ErrForbidden, fmt.Sprintf("missing permission %s", perm))
}

func (s *authorizationService) HoldsAnywhere(ctx context.Context, userID uuid.UUID, perm models.PermissionName) bool {
	memberships, err := s.grants.ListUserMemberships(ctx, userID)
	if err != nil {
		s.logger.Error("Membership lookup failed, denying",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return false
	}
	for _, m := range memberships {
		if m.Effective().Has(perm) {
			return true
		}
	}
	return false
}

func (s *authorizationService) Role(ctx context.Context, projectID, userID uuid.UUID) (*models.Role, error) {
	return s.grants.GetRole(ctx, projectID, userID)
}

func (s *authorizationService) DirectGrants(ctx context.Context, projectID, userID uuid.UUID) ([]models.PermissionName, error) {
	grants, err := s.grants.ListGrants(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if grants == nil {
		grants = []models.PermissionName{}
	}
	return grants, nil
}

func (s *authorizationService) Grant(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName, by *uuid.UUID) error {
	if !perm.Valid() {
		return apperrors.Wrap(apperrors.ErrUnknownPermission, fmt.Sprintf("unknown permission %q", perm))
	}
	return s.grants.AddGrant(ctx, projectID, userID, perm, by)
}

func (s *authorizationService) Revoke(ctx context.Context, projectID, userID uuid.UUID, perm models.PermissionName) error {
	if !perm.Valid() {
		return apperrors.Wrap(apperrors.ErrUnknownPermission, fmt.Sprintf("unknown permission %q", perm))
	}
	return s.grants.RemoveGrant(ctx, projectID, userID, perm)
}

func (s *authorizationService) ReplaceGrants(ctx context.Context, projectID, userID uuid.UUID, perms models.PermissionSet, by *uuid.UUID) error {
	for p := range perms {
		if !p.Valid() {
			return apperrors.Wrap(apperrors.ErrUnknownPermission, fmt.Sprintf("unknown permission %q", p))
		}
	}
	return s.grants.ReplaceGrants(ctx, projectID, userID, perms.Sorted(), by)
}

func (s *authorizationService) ApplyPreset(ctx context.Context, projectID, userID uuid.UUID, presetName string, by *uuid.UUID) ([]models.PermissionName, error) {
	preset, err := s.presets.Get(ctx, projectID, presetName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrStaleState, fmt.Sprintf("preset %q no longer exists", presetName))
		}
		return nil, err
	}

	perms := make([]models.PermissionName, 0, len(preset.Permissions))
	for _, p := range preset.Permissions {
		if !p.Valid() {
			return nil, apperrors.Wrap(apperrors.ErrStaleState,
				fmt.Sprintf("preset %q references unknown permission %q", presetName, p))
		}
		perms = append(perms, p)
	}

	if err := s.grants.AddGrants(ctx, projectID, userID, perms, by); err != nil {
		return nil, err
	}
	return perms, nil
}

func (s *authorizationService) AssignRole(ctx context.Context, projectID, userID uuid.UUID, role models.Role, by *uuid.UUID) error {
	if !models.IsValidRole(string(role)) {
		return apperrors.Wrap(apperrors.ErrInvalidRole, fmt.Sprintf("invalid role %q", role))
	}
	return s.grants.SetRole(ctx, projectID, userID, role, by)
}

func (s *authorizationService) RemoveRole(ctx context.Context, projectID, userID uuid.UUID) error {
	return s.grants.RemoveRole(ctx, projectID, userID)
}

var _ AuthorizationService = (*authorizationService)(nil)
