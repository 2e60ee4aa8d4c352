// docucert-admin is the operator tool for a docucert database: it applies
// migrations and bootstraps users, owner companies and projects without going
// through the HTTP API, which needs an existing admin to authorize anything.
//
// Usage:
//
//	docucert-admin migrate up
//	docucert-admin migrate version
//	docucert-admin create-user --email ops@example.com --name "Ops" (password from DOCUCERT_PASSWORD)
//	docucert-admin create-company --name "Acme Corp" --code ACME
//	docucert-admin create-project --name "Bridge" --company ACME --admin ops@example.com
//	docucert-admin assign-role --project <uuid> --email bob@example.com --role uploader
//
// Database connection: uses the same configuration as the server (config.yaml
// and PG* environment variables).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/config"
	"github.com/ekaya-inc/docucert/pkg/database"
	"github.com/ekaya-inc/docucert/pkg/logging"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

// app holds the connections shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *database.DB
	inTenant services.TenantContextFunc

	users     repositories.UserRepository
	companies repositories.OwnerCompanyRepository
	projects  repositories.ProjectRepository
	grants    repositories.GrantRepository
	presets   repositories.RolePresetRepository
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "docucert-admin",
		Short:         "Operator tool for docucert",
		Long:          "Applies migrations and bootstraps users, owner companies and projects directly in the database.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd, verbose)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newMigrateCmd(a),
		newCreateUserCmd(a),
		newCreateCompanyCmd(a),
		newCreateProjectCmd(a),
		newAssignRoleCmd(a),
	)
	return root
}

func (a *app) open(cmd *cobra.Command, verbose bool) error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	zapCfg := zap.NewDevelopmentConfig()
	if !verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger

	db, err := database.NewConnection(cmd.Context(), &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: 4,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w",
			logging.SanitizeConnectionString(cfg.Database.ConnectionString()), err)
	}
	a.attach(db)
	return nil
}

// attach wires the repositories onto an open database.
func (a *app) attach(db *database.DB) {
	a.db = db
	a.inTenant = services.NewTenantContextFunc(db)

	a.users = repositories.NewUserRepository()
	a.companies = repositories.NewOwnerCompanyRepository()
	a.projects = repositories.NewProjectRepository()
	a.grants = repositories.NewGrantRepository()
	a.presets = repositories.NewRolePresetRepository()
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
