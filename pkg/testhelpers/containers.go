package testhelpers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/database"
)

// PostgresImage is the image used for integration tests.
const PostgresImage = "postgres:17-alpine"

const (
	superUser     = "docucert"
	superPassword = "test_password"
	appUser       = "docucert_app"
	appPassword   = "app_password"
	testDatabase  = "docucert_test"
)

// EngineDB holds connections to a migrated test database.
// DB connects as a non-superuser role so row level security applies;
// AdminDB connects as the owner for fixtures and cleanup.
type EngineDB struct {
	Container testcontainers.Container
	DB        *database.DB
	AdminDB   *database.DB
	ConnStr   string
}

var (
	sharedEngineDB     *EngineDB
	sharedEngineDBOnce sync.Once
	sharedEngineDBErr  error
)

// GetEngineDB returns a shared, migrated PostgreSQL database for integration
// tests. The container is created once and reused across the run.
func GetEngineDB(t *testing.T) *EngineDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedEngineDBOnce.Do(func() {
		sharedEngineDB, sharedEngineDBErr = setupEngineDB()
	})

	if sharedEngineDBErr != nil {
		t.Fatalf("Failed to setup engine database: %v", sharedEngineDBErr)
	}

	return sharedEngineDB
}

func setupEngineDB() (*EngineDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     superUser,
			"POSTGRES_PASSWORD": superPassword,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	adminConnStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		superUser, superPassword, host, port.Port(), testDatabase)
	adminDB, err := database.NewConnection(ctx, &database.Config{URL: adminConnStr, MaxConnections: 5})
	if err != nil {
		return nil, fmt.Errorf("failed to connect as owner: %w", err)
	}

	sqlDB := adminDB.SQLDB()
	defer sqlDB.Close()
	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	grants := []string{
		fmt.Sprintf(`CREATE ROLE %s LOGIN PASSWORD '%s'`, appUser, appPassword),
		fmt.Sprintf(`GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO %s`, appUser),
	}
	for _, stmt := range grants {
		if _, err := adminDB.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to prepare app role: %w", err)
		}
	}

	appConnStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		appUser, appPassword, host, port.Port(), testDatabase)
	appDB, err := database.NewConnection(ctx, &database.Config{URL: appConnStr, MaxConnections: 10})
	if err != nil {
		return nil, fmt.Errorf("failed to connect as app role: %w", err)
	}

	return &EngineDB{
		Container: container,
		DB:        appDB,
		AdminDB:   adminDB,
		ConnStr:   appConnStr,
	}, nil
}

// ScopedContext returns a context carrying a tenant scope for projectID
// (uuid.Nil for an unscoped connection). The scope is closed on test cleanup.
func (e *EngineDB) ScopedContext(t *testing.T, projectID uuid.UUID) context.Context {
	t.Helper()
	ctx, cleanup, err := database.NewTenantScopeProvider(e.DB).WithTenantScope(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create tenant scope: %v", err)
	}
	t.Cleanup(cleanup)
	return ctx
}

// Exec runs a fixture statement as the database owner.
func (e *EngineDB) Exec(t *testing.T, sql string, args ...any) {
	t.Helper()
	if _, err := e.AdminDB.Exec(context.Background(), sql, args...); err != nil {
		t.Fatalf("fixture statement failed: %v\n%s", err, sql)
	}
}

// Fixture holds ids created by SeedProject.
type Fixture struct {
	CompanyID uuid.UUID
	OwnerCode string
	ProjectID uuid.UUID
	UserID    uuid.UUID
}

// SeedProject inserts a company, a project and a user with unique values.
// Rows are removed on test cleanup.
func (e *EngineDB) SeedProject(t *testing.T) Fixture {
	t.Helper()
	f := Fixture{
		CompanyID: uuid.New(),
		ProjectID: uuid.New(),
		UserID:    uuid.New(),
	}
	f.OwnerCode = strings.ToUpper("T" + uuid.NewString()[:6])
	e.Exec(t, `INSERT INTO owner_companies (id, name, code) VALUES ($1, 'Test Co', $2)`, f.CompanyID, f.OwnerCode)
	e.Exec(t, `INSERT INTO projects (id, name, owner_company_id) VALUES ($1, 'Test Project', $2)`, f.ProjectID, f.CompanyID)
	e.Exec(t, `INSERT INTO users (id, email) VALUES ($1, $2)`, f.UserID, f.UserID.String()+"@example.com")

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = e.AdminDB.Exec(ctx, `DELETE FROM documents WHERE project_id = $1`, f.ProjectID)
		_, _ = e.AdminDB.Exec(ctx, `DELETE FROM projects WHERE id = $1`, f.ProjectID)
		_, _ = e.AdminDB.Exec(ctx, `DELETE FROM owner_companies WHERE id = $1`, f.CompanyID)
		_, _ = e.AdminDB.Exec(ctx, `DELETE FROM users WHERE id = $1`, f.UserID)
	})
	return f
}
