package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

const maxPresetNameLength = 64

// PresetInput is the writable part of a role preset.
type PresetInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

// RolePresetService manages a project's permission templates. Permissions are
// validated against the catalog at write time.
type RolePresetService interface {
	List(ctx context.Context, caller, projectID uuid.UUID) ([]*models.RolePreset, error)
	Create(ctx context.Context, caller, projectID uuid.UUID, in PresetInput) (*models.RolePreset, error)
	Update(ctx context.Context, caller, projectID uuid.UUID, name string, in PresetInput) (*models.RolePreset, error)
	Delete(ctx context.Context, caller, projectID uuid.UUID, name string) error
	// SeedDefaults creates one preset per built-in role, skipping existing names.
	SeedDefaults(ctx context.Context, projectID uuid.UUID) error
}

type rolePresetService struct {
	authz   AuthorizationService
	presets repositories.RolePresetRepository
	logger  *zap.Logger
}

// NewRolePresetService creates a preset service.
func NewRolePresetService(authz AuthorizationService, presets repositories.RolePresetRepository, logger *zap.Logger) RolePresetService {
	return &rolePresetService{
		authz:   authz,
		presets: presets,
		logger:  logger.Named("role_presets"),
	}
}

func (s *rolePresetService) List(ctx context.Context, caller, projectID uuid.UUID) ([]*models.RolePreset, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermPresetsView); err != nil {
		return nil, err
	}
	return s.presets.List(ctx, projectID)
}

func (s *rolePresetService) Create(ctx context.Context, caller, projectID uuid.UUID, in PresetInput) (*models.RolePreset, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermPresetsManage); err != nil {
		return nil, err
	}
	preset, err := buildPreset(projectID, in.Name, in)
	if err != nil {
		return nil, err
	}
	if err := s.presets.Create(ctx, preset); err != nil {
		return nil, err
	}
	s.logger.Info("Role preset created",
		zap.String("project_id", projectID.String()),
		zap.String("preset", preset.Name))
	return preset, nil
}

func (s *rolePresetService) Update(ctx context.Context, caller, projectID uuid.UUID, name string, in PresetInput) (*models.RolePreset, error) {
	if err := s.authz.Require(ctx, projectID, caller, models.PermPresetsManage); err != nil {
		return nil, err
	}
	if in.Name != "" && strings.TrimSpace(in.Name) != name {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "preset name cannot be changed")
	}
	preset, err := buildPreset(projectID, name, in)
	if err != nil {
		return nil, err
	}
	if err := s.presets.Update(ctx, preset); err != nil {
		return nil, err
	}
	return preset, nil
}

func (s *rolePresetService) Delete(ctx context.Context, caller, projectID uuid.UUID, name string) error {
	if err := s.authz.Require(ctx, projectID, caller, models.PermPresetsManage); err != nil {
		return err
	}
	return s.presets.Delete(ctx, projectID, name)
}

func (s *rolePresetService) SeedDefaults(ctx context.Context, projectID uuid.UUID) error {
	if err := s.presets.CreateMany(ctx, models.DefaultPresets(projectID)); err != nil {
		return fmt.Errorf("failed to seed default presets: %w", err)
	}
	return nil
}

func buildPreset(projectID uuid.UUID, name string, in PresetInput) (*models.RolePreset, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "preset name is required")
	}
	if len(name) > maxPresetNameLength {
		return nil, apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("preset name must be at most %d characters", maxPresetNameLength))
	}
	perms, err := models.ParsePermissionNames(in.Permissions)
	if err != nil {
		return nil, err
	}
	return &models.RolePreset{
		ProjectID:   projectID,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Permissions: perms.Sorted(),
	}, nil
}

var _ RolePresetService = (*rolePresetService)(nil)
