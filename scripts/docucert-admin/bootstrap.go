package main

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/models"
)

// passwordEnv keeps passwords out of shell history and process listings.
const passwordEnv = "DOCUCERT_PASSWORD"

type userInput struct {
	Email    string
	FullName string
	Password string
}

type projectInput struct {
	Name        string
	CompanyCode string
	AdminEmail  string
}

func newCreateUserCmd(a *app) *cobra.Command {
	var in userInput
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a login account (password from " + passwordEnv + ")",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Password = os.Getenv(passwordEnv)
			user, err := a.createUser(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&in.FullName, "name", "", "Full name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newCreateCompanyCmd(a *app) *cobra.Command {
	var name, code string
	cmd := &cobra.Command{
		Use:   "create-company",
		Short: "Create an owner company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			company, err := a.createCompany(cmd.Context(), name, code)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created company %s [%s] (%s)\n", company.Name, company.Code, company.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Company name (required)")
	cmd.Flags().StringVar(&code, "code", "", "Serial code prefix, 2-16 letters or digits (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newCreateProjectCmd(a *app) *cobra.Command {
	var in projectInput
	cmd := &cobra.Command{
		Use:   "create-project",
		Short: "Create a project with an initial admin and the default presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := a.createProject(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created project %s (%s)\n", project.Name, project.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "Project name (required)")
	cmd.Flags().StringVar(&in.CompanyCode, "company", "", "Owner company code (required)")
	cmd.Flags().StringVar(&in.AdminEmail, "admin", "", "Email of the user to make project admin (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("company")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

func newAssignRoleCmd(a *app) *cobra.Command {
	var projectID, email, role string
	cmd := &cobra.Command{
		Use:   "assign-role",
		Short: "Set a user's role in a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := uuid.Parse(projectID)
			if err != nil {
				return fmt.Errorf("invalid project id %q: %w", projectID, err)
			}
			if err := a.assignRole(cmd.Context(), pid, email, role); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %s to %s in %s\n", role, email, pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "Project id (required)")
	cmd.Flags().StringVar(&email, "email", "", "User email (required)")
	cmd.Flags().StringVar(&role, "role", "", "One of admin, manager, uploader, viewer (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func (a *app) createUser(ctx context.Context, in userInput) (*models.User, error) {
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, fmt.Errorf("invalid email %q", in.Email)
	}
	if in.Password == "" {
		return nil, fmt.Errorf("%s must be set", passwordEnv)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:        in.Email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		IsActive:     true,
	}
	err = a.inTenant.InTenant(ctx, uuid.Nil, func(ctx context.Context) error {
		return a.users.Create(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("User created", zap.String("user_id", user.ID.String()))
	return user, nil
}

func (a *app) createCompany(ctx context.Context, name, code string) (*models.OwnerCompany, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("company name is required")
	}
	code = models.NormalizeCompanyCode(code)
	if !models.ValidCompanyCode(code) {
		return nil, fmt.Errorf("invalid company code %q", code)
	}
	company := &models.OwnerCompany{Name: name, Code: code}
	err := a.inTenant.InTenant(ctx, uuid.Nil, func(ctx context.Context) error {
		return a.companies.Create(ctx, company)
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("Owner company created",
		zap.String("company_id", company.ID.String()),
		zap.String("code", company.Code))
	return company, nil
}

// createProject mirrors project creation through the API: the admin user and
// every configured admin email become project admins and the default presets
// are seeded.
func (a *app) createProject(ctx context.Context, in projectInput) (*models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.New("project name is required")
	}

	var (
		project *models.Project
		admins  []uuid.UUID
	)
	err := a.inTenant.InTenant(ctx, uuid.Nil, func(ctx context.Context) error {
		company, err := a.companies.GetByCode(ctx, models.NormalizeCompanyCode(in.CompanyCode))
		if err != nil {
			return fmt.Errorf("owner company %q: %w", in.CompanyCode, err)
		}
		admin, err := a.users.GetByEmail(ctx, in.AdminEmail)
		if err != nil {
			return fmt.Errorf("admin user %q: %w", in.AdminEmail, err)
		}
		admins = append(admins, admin.ID)

		users, err := a.users.List(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			if u.ID != admin.ID && a.cfg.IsAdminEmail(u.Email) {
				admins = append(admins, u.ID)
			}
		}

		project = &models.Project{Name: name, OwnerCompanyID: company.ID, CreatedBy: &admin.ID}
		return a.projects.Create(ctx, project)
	})
	if err != nil {
		return nil, err
	}

	err = a.inTenant.InTenant(ctx, project.ID, func(ctx context.Context) error {
		for _, id := range admins {
			if err := a.grants.SetRole(ctx, project.ID, id, models.RoleAdmin, nil); err != nil {
				return fmt.Errorf("failed to make %s admin: %w", id, err)
			}
		}
		return a.presets.CreateMany(ctx, models.DefaultPresets(project.ID))
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("Project created",
		zap.String("project_id", project.ID.String()),
		zap.Int("admins", len(admins)))
	return project, nil
}

func (a *app) assignRole(ctx context.Context, projectID uuid.UUID, email, role string) error {
	if !models.IsValidRole(role) {
		return apperrors.Wrap(apperrors.ErrInvalidRole, "invalid role: "+role)
	}

	var userID uuid.UUID
	err := a.inTenant.InTenant(ctx, uuid.Nil, func(ctx context.Context) error {
		if _, err := a.projects.Get(ctx, projectID); err != nil {
			return fmt.Errorf("project %s: %w", projectID, err)
		}
		user, err := a.users.GetByEmail(ctx, email)
		if err != nil {
			return fmt.Errorf("user %q: %w", email, err)
		}
		userID = user.ID
		return nil
	})
	if err != nil {
		return err
	}

	return a.inTenant.InTenant(ctx, projectID, func(ctx context.Context) error {
		return a.grants.SetRole(ctx, projectID, userID, models.Role(role), nil)
	})
}
