package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

const maxProjectNameLength = 200

// CreateProjectInput describes a new project.
type CreateProjectInput struct {
	Name           string    `json:"name"`
	OwnerCompanyID uuid.UUID `json:"owner_company_id"`
}

// ProjectService defines the interface for project operations.
type ProjectService interface {
	// Create makes the caller admin of the new project, does the same for every
	// configured admin email and seeds the default presets.
	Create(ctx context.Context, caller Caller, in CreateProjectInput) (*models.Project, error)
	Get(ctx context.Context, caller Caller, id uuid.UUID) (*models.Project, error)
	// ListMine returns projects where the caller holds a role or any grant.
	ListMine(ctx context.Context, caller Caller) ([]*models.Project, error)
	// UpdateOwner moves the project to another owner company. Serial codes
	// already issued keep the previous owner code.
	UpdateOwner(ctx context.Context, caller Caller, id, ownerCompanyID uuid.UUID) (*models.Project, error)
}

type projectService struct {
	projects     repositories.ProjectRepository
	companies    repositories.OwnerCompanyRepository
	users        repositories.UserRepository
	grants       repositories.GrantRepository
	presets      RolePresetService
	authz        AuthorizationService
	isAdminEmail AdminEmailFunc
	logger       *zap.Logger
}

// NewProjectService creates a new project service.
func NewProjectService(
	projects repositories.ProjectRepository,
	companies repositories.OwnerCompanyRepository,
	users repositories.UserRepository,
	grants repositories.GrantRepository,
	presets RolePresetService,
	authz AuthorizationService,
	isAdminEmail AdminEmailFunc,
	logger *zap.Logger,
) ProjectService {
	return &projectService{
		projects:     projects,
		companies:    companies,
		users:        users,
		grants:       grants,
		presets:      presets,
		authz:        authz,
		isAdminEmail: isAdminEmail,
		logger:       logger.Named("projects"),
	}
}

func (s *projectService) Create(ctx context.Context, caller Caller, in CreateProjectInput) (*models.Project, error) {
	if !s.isAdminEmail.matches(caller.Email) && !s.authz.HoldsAnywhere(ctx, caller.UserID, models.PermProjectsCreate) {
		return nil, apperrors.Wrap(apperrors.ErrForbidden, fmt.Sprintf("missing permission %s", models.PermProjectsCreate))
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "project name is required")
	}
	if len(name) > maxProjectNameLength {
		return nil, apperrors.Wrap(apperrors.ErrValidation,
			fmt.Sprintf("project name must be at most %d characters", maxProjectNameLength))
	}
	company, err := s.requireCompany(ctx, in.OwnerCompanyID)
	if err != nil {
		return nil, err
	}

	creator := caller.UserID
	project := &models.Project{
		Name:           name,
		OwnerCompanyID: company.ID,
		CreatedBy:      &creator,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	project.OwnerCode = company.Code

	if err := s.grants.SetRole(ctx, project.ID, creator, models.RoleAdmin, &creator); err != nil {
		return nil, fmt.Errorf("failed to make creator admin: %w", err)
	}
	s.grantConfiguredAdmins(ctx, project.ID, creator)

	if err := s.presets.SeedDefaults(ctx, project.ID); err != nil {
		return nil, err
	}

	s.logger.Info("Project created",
		zap.String("project_id", project.ID.String()),
		zap.String("owner_code", company.Code),
		zap.String("created_by", creator.String()))
	return project, nil
}

// grantConfiguredAdmins makes every existing user with a configured admin
// email an admin of the project. Failures are logged, not returned.
func (s *projectService) grantConfiguredAdmins(ctx context.Context, projectID, creator uuid.UUID) {
	if s.isAdminEmail == nil {
		return
	}
	users, err := s.users.List(ctx)
	if err != nil {
		s.logger.Error("Failed to list users for admin grants", zap.Error(err))
		return
	}
	for _, u := range users {
		if u.ID == creator || !s.isAdminEmail.matches(u.Email) {
			continue
		}
		if err := s.grants.SetRole(ctx, projectID, u.ID, models.RoleAdmin, &creator); err != nil {
			s.logger.Error("Failed to grant configured admin",
				zap.String("project_id", projectID.String()),
				zap.String("user_id", u.ID.String()),
				zap.Error(err))
		}
	}
}

func (s *projectService) Get(ctx context.Context, caller Caller, id uuid.UUID) (*models.Project, error) {
	if err := s.authz.Require(ctx, id, caller.UserID, models.PermProjectsView); err != nil {
		return nil, err
	}
	return s.projects.Get(ctx, id)
}

func (s *projectService) ListMine(ctx context.Context, caller Caller) ([]*models.Project, error) {
	projects, err := s.projects.ListForUser(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []*models.Project{}
	}
	return projects, nil
}

func (s *projectService) UpdateOwner(ctx context.Context, caller Caller, id, ownerCompanyID uuid.UUID) (*models.Project, error) {
	if err := s.authz.Require(ctx, id, caller.UserID, models.PermProjectsUpdate); err != nil {
		return nil, err
	}
	if _, err := s.requireCompany(ctx, ownerCompanyID); err != nil {
		return nil, err
	}
	project, err := s.projects.UpdateOwner(ctx, id, ownerCompanyID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Project owner changed",
		zap.String("project_id", id.String()),
		zap.String("owner_company_id", ownerCompanyID.String()))
	return project, nil
}

func (s *projectService) requireCompany(ctx context.Context, id uuid.UUID) (*models.OwnerCompany, error) {
	if id == uuid.Nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "owner_company_id is required")
	}
	company, err := s.companies.Get(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "owner company does not exist")
		}
		return nil, err
	}
	return company, nil
}

// Ensure projectService implements ProjectService at compile time.
var _ ProjectService = (*projectService)(nil)
