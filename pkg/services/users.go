package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

// CreateUserInput describes a new account and its optional initial access.
type CreateUserInput struct {
	Email       string     `json:"email"`
	FullName    string     `json:"full_name"`
	Password    string     `json:"password"`
	ProjectID   *uuid.UUID `json:"project_id,omitempty"`
	Role        string     `json:"role,omitempty"`
	Permissions []string   `json:"permissions,omitempty"`
}

// LoginResult is a freshly issued session token.
type LoginResult struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

// UserService defines the interface for user operations.
type UserService interface {
	// Login checks the password and issues a first-party token. Every failure
	// is reported as the same ErrUnauthorized.
	Login(ctx context.Context, email, password string) (*LoginResult, error)
	// Me returns the caller's profile with role, grants and effective
	// permissions in each project.
	Me(ctx context.Context, caller Caller) (*models.UserAccessSummary, error)
	// Create adds an account. With a project, the caller needs users.create
	// there and role or permissions follow the delegation rules.
	Create(ctx context.Context, caller Caller, in CreateUserInput) (*models.User, error)
	// AdminOverview lists users with their access in every project where the
	// caller holds users.view. Configured admin emails see all projects.
	AdminOverview(ctx context.Context, caller Caller) ([]*models.UserAccessSummary, error)
}

// userService implements UserService.
type userService struct {
	users        repositories.UserRepository
	grants       repositories.GrantRepository
	authz        AuthorizationService
	access       AccessAdminService
	issuer       *auth.TokenIssuer
	isAdminEmail AdminEmailFunc
	logger       *zap.Logger
}

// NewUserService creates a new user service with dependencies.
func NewUserService(
	users repositories.UserRepository,
	grants repositories.GrantRepository,
	authz AuthorizationService,
	access AccessAdminService,
	issuer *auth.TokenIssuer,
	isAdminEmail AdminEmailFunc,
	logger *zap.Logger,
) UserService {
	return &userService{
		users:        users,
		grants:       grants,
		authz:        authz,
		access:       access,
		issuer:       issuer,
		isAdminEmail: isAdminEmail,
		logger:       logger.Named("users"),
	}
}

func (s *userService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	invalid := apperrors.Wrap(apperrors.ErrUnauthorized, auth.ErrInvalidCredentials.Error())
	if s.issuer == nil {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "password login is not enabled")
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, invalid
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, invalid
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		s.logger.Debug("Login rejected", zap.String("user_id", user.ID.String()))
		return nil, invalid
	}

	token, expiresAt, err := s.issuer.Issue(user.ID, user.Email, user.FullName)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

func (s *userService) Me(ctx context.Context, caller Caller) (*models.UserAccessSummary, error) {
	user, err := s.users.GetByID(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	memberships, err := s.grants.ListUserMemberships(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}

	summary := &models.UserAccessSummary{User: user, Projects: []*models.ProjectAccessSummary{}}
	for _, m := range memberships {
		summary.Projects = append(summary.Projects, accessSummary(m))
	}
	return summary, nil
}

func (s *userService) Create(ctx context.Context, caller Caller, in CreateUserInput) (*models.User, error) {
	if in.ProjectID == nil {
		if !s.isAdminEmail.matches(caller.Email) {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "project_id is required")
		}
	} else if err := s.authz.Require(ctx, *in.ProjectID, caller.UserID, models.PermUsersCreate); err != nil {
		return nil, err
	}
	if in.ProjectID == nil && (in.Role != "" || len(in.Permissions) > 0) {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "role and permissions require project_id")
	}

	email := models.NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "a valid email is required")
	}
	if in.Role != "" && !models.IsValidRole(in.Role) {
		return nil, apperrors.Wrap(apperrors.ErrInvalidRole, fmt.Sprintf("invalid role %q", in.Role))
	}
	if _, err := models.ParsePermissionNames(in.Permissions); err != nil {
		return nil, err
	}

	user := &models.User{
		Email:    email,
		FullName: strings.TrimSpace(in.FullName),
		IsActive: true,
	}
	if in.Password != "" {
		hash, err := auth.HashPassword(in.Password)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, err.Error())
		}
		user.PasswordHash = hash
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("User created",
		zap.String("user_id", user.ID.String()),
		zap.String("created_by", caller.UserID.String()))

	if in.ProjectID != nil {
		if in.Role != "" {
			if _, err := s.access.AssignRole(ctx, caller.UserID, *in.ProjectID, user.ID, in.Role); err != nil {
				return user, fmt.Errorf("user created but role not assigned: %w", err)
			}
		}
		if len(in.Permissions) > 0 {
			if _, err := s.access.ReplaceUserPermissions(ctx, caller.UserID, *in.ProjectID, user.ID, in.Permissions); err != nil {
				return user, fmt.Errorf("user created but permissions not granted: %w", err)
			}
		}
	}
	return user, nil
}

func (s *userService) AdminOverview(ctx context.Context, caller Caller) ([]*models.UserAccessSummary, error) {
	seeAll := s.isAdminEmail.matches(caller.Email)
	visible := map[uuid.UUID]bool{}
	if !seeAll {
		memberships, err := s.grants.ListUserMemberships(ctx, caller.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to list memberships: %w", err)
		}
		for _, m := range memberships {
			if m.Effective().Has(models.PermUsersView) {
				visible[m.ProjectID] = true
			}
		}
		if len(visible) == 0 {
			return nil, apperrors.Wrap(apperrors.ErrForbidden, fmt.Sprintf("missing permission %s", models.PermUsersView))
		}
	}

	access, err := s.grants.ListAllAccess(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list access: %w", err)
	}
	users, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}

	byUser := make(map[uuid.UUID]*models.UserAccessSummary, len(users))
	for _, m := range access {
		if !seeAll && !visible[m.ProjectID] {
			continue
		}
		summary, ok := byUser[m.UserID]
		if !ok {
			summary = &models.UserAccessSummary{Projects: []*models.ProjectAccessSummary{}}
			byUser[m.UserID] = summary
		}
		summary.Projects = append(summary.Projects, accessSummary(m))
	}

	out := make([]*models.UserAccessSummary, 0, len(byUser))
	for _, u := range users {
		summary, ok := byUser[u.ID]
		if !ok {
			if !seeAll {
				continue
			}
			summary = &models.UserAccessSummary{Projects: []*models.ProjectAccessSummary{}}
		}
		summary.User = u
		out = append(out, summary)
	}
	return out, nil
}

func accessSummary(m *models.ProjectMember) *models.ProjectAccessSummary {
	direct := models.NewPermissionSet(m.DirectGrants...)
	return &models.ProjectAccessSummary{
		ProjectID:            m.ProjectID,
		ProjectName:          m.ProjectName,
		Role:                 m.Role,
		DirectGrants:         direct.Strings(),
		EffectivePermissions: m.Effective().Strings(),
	}
}

// Ensure userService implements UserService at compile time.
var _ UserService = (*userService)(nil)
