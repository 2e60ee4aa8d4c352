package services

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
)

// CreateCompanyInput describes a new owner company.
type CreateCompanyInput struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// OwnerCompanyService manages owner companies. Companies are global; the
// right to create or list them comes from holding the permission in any project.
type OwnerCompanyService interface {
	Create(ctx context.Context, caller Caller, in CreateCompanyInput) (*models.OwnerCompany, error)
	List(ctx context.Context, caller Caller) ([]*models.OwnerCompany, error)
}

type ownerCompanyService struct {
	companies    repositories.OwnerCompanyRepository
	authz        AuthorizationService
	isAdminEmail AdminEmailFunc
	logger       *zap.Logger
}

// NewOwnerCompanyService creates an owner company service.
func NewOwnerCompanyService(
	companies repositories.OwnerCompanyRepository,
	authz AuthorizationService,
	isAdminEmail AdminEmailFunc,
	logger *zap.Logger,
) OwnerCompanyService {
	return &ownerCompanyService{
		companies:    companies,
		authz:        authz,
		isAdminEmail: isAdminEmail,
		logger:       logger.Named("owner_companies"),
	}
}

func (s *ownerCompanyService) Create(ctx context.Context, caller Caller, in CreateCompanyInput) (*models.OwnerCompany, error) {
	if err := s.requireAnywhere(ctx, caller, models.PermCompaniesCreate); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	code := models.NormalizeCompanyCode(in.Code)
	if name == "" {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "company name is required")
	}
	if !models.ValidCompanyCode(code) {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "company code must be 2-16 letters or digits")
	}

	company := &models.OwnerCompany{Name: name, Code: code}
	if err := s.companies.Create(ctx, company); err != nil {
		return nil, err
	}
	s.logger.Info("Owner company created",
		zap.String("company_id", company.ID.String()),
		zap.String("code", code))
	return company, nil
}

func (s *ownerCompanyService) List(ctx context.Context, caller Caller) ([]*models.OwnerCompany, error) {
	if err := s.requireAnywhere(ctx, caller, models.PermCompaniesView); err != nil {
		return nil, err
	}
	companies, err := s.companies.List(ctx)
	if err != nil {
		return nil, err
	}
	if companies == nil {
		companies = []*models.OwnerCompany{}
	}
	return companies, nil
}

func (s *ownerCompanyService) requireAnywhere(ctx context.Context, caller Caller, perm models.PermissionName) error {
	if s.isAdminEmail.matches(caller.Email) || s.authz.HoldsAnywhere(ctx, caller.UserID, perm) {
		return nil
	}
	return apperrors.Wrap(apperrors.ErrForbidden, fmt.Sprintf("missing permission %s", perm))
}

var _ OwnerCompanyService = (*ownerCompanyService)(nil)
