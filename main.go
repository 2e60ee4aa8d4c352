package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/audit"
	"github.com/ekaya-inc/docucert/pkg/auth"
	"github.com/ekaya-inc/docucert/pkg/config"
	"github.com/ekaya-inc/docucert/pkg/database"
	"github.com/ekaya-inc/docucert/pkg/handlers"
	"github.com/ekaya-inc/docucert/pkg/logging"
	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/middleware"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/services"
	"github.com/ekaya-inc/docucert/pkg/stamping"
	"github.com/ekaya-inc/docucert/pkg/storage"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.String("error", logging.SanitizeError(err)))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsLocal() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("base_url", cfg.BaseURL),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.String("storage_root", cfg.Storage.Root),
		zap.Int("admin_emails", len(cfg.AdminEmails)))

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(db.SQLDB(), logger.Named("migrations")); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	fsStore, err := storage.NewFilesystemStore(cfg.Storage.Root, logger)
	if err != nil {
		return err
	}
	store := storage.NewRetryingStore(fsStore, cfg.Storage.OperationTimeout, cfg.Storage.MaxRetries, m, logger)
	signer, err := storage.NewURLSigner(localSecret(cfg, cfg.Storage.SigningSecret, "STORAGE_SIGNING_SECRET", logger), cfg.BaseURL)
	if err != nil {
		return err
	}

	// Auth
	// Without a token secret only externally issued tokens are accepted and
	// POST /api/auth/token rejects every login.
	var (
		issuer     *auth.TokenIssuer
		validators auth.ChainValidator
	)
	if secret := localSecret(cfg, cfg.Auth.TokenSecret, "AUTH_TOKEN_SECRET", logger); secret != "" {
		issuer, err = auth.NewTokenIssuer(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}
		validators = append(validators, issuer)
	}
	if len(cfg.Auth.JWKSEndpoints) > 0 {
		jwksClient, err := auth.NewJWKSClient(&auth.JWKSConfig{
			EnableVerification: cfg.Auth.EnableVerification,
			JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		})
		if err != nil {
			return err
		}
		validators = append(validators, jwksClient)
	}
	defer validators.Close()
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(validators, logger.Named("auth")), logger.Named("auth"))

	// Repositories
	grantRepo := repositories.NewGrantRepository()
	presetRepo := repositories.NewRolePresetRepository()
	projectRepo := repositories.NewProjectRepository()
	companyRepo := repositories.NewOwnerCompanyRepository()
	userRepo := repositories.NewUserRepository()
	documentRepo := repositories.NewDocumentRepository()
	counterRepo := repositories.NewSerialCounterRepository()

	// Services
	auditor := audit.NewSecurityAuditor(logger)
	isAdminEmail := services.AdminEmailFunc(cfg.IsAdminEmail)

	authz := services.NewAuthorizationService(grantRepo, presetRepo, auditor, m, logger)
	presetService := services.NewRolePresetService(authz, presetRepo, logger)
	accessService := services.NewAccessAdminService(authz, grantRepo, presetRepo, auditor, logger)
	projectService := services.NewProjectService(projectRepo, companyRepo, userRepo, grantRepo, presetService, authz, isAdminEmail, logger)
	companyService := services.NewOwnerCompanyService(companyRepo, authz, isAdminEmail, logger)
	userService := services.NewUserService(userRepo, grantRepo, authz, accessService, issuer, isAdminEmail, logger)
	allocator := services.NewSerialAllocator(counterRepo, cfg.Certification.AllocationRetries, m, logger)
	certifier := services.NewDocumentCertifier(authz, projectRepo, allocator, documentRepo,
		stamping.NewPDFStamper(logger), store, auditor, m,
		services.CertifierConfig{
			BaseURL:          cfg.BaseURL,
			VerifyPathMarker: cfg.Certification.VerifyPathMarker,
			MaxUploadBytes:   cfg.Certification.MaxUploadBytes,
			StampTimeout:     cfg.Certification.StampTimeout,
		}, logger)
	documentService := services.NewDocumentService(documentRepo, grantRepo, authz, store, signer, cfg.Storage.SignedURLTTL, logger)
	verificationService := services.NewVerificationService(documentRepo, store, auditor, m, cfg.Certification.VerifyPathMarker, logger)

	// Routes
	mux := http.NewServeMux()
	tenantMiddleware := handlers.TenantMiddleware(database.WithTenantContext(db, logger))
	cookies := auth.DeriveCookieSettings(cfg.BaseURL, cfg.CookieDomain)

	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", m.Handler())
	handlers.NewAuthHandler(userService, cookies, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewVerifyHandler(verificationService, logger).RegisterRoutes(mux, tenantMiddleware)
	handlers.NewOwnerCompaniesHandler(companyService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewProjectsHandler(projectService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewDocumentsHandler(certifier, documentService, cfg.Certification.MaxUploadBytes, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewPermissionsHandler(accessService, presetService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewUsersHandler(userService, accessService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)

	handler := middleware.RequestMetrics(m)(middleware.RequestLogger(logger)(mux))

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting docucert",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version),
			zap.Bool("tls", cfg.TLSCertPath != ""))
		var err error
		if cfg.TLSCertPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// localSecret returns secret, or an ephemeral one in developer environments.
// config.Load already rejects missing secrets elsewhere.
func localSecret(cfg *config.Config, secret, envName string, logger *zap.Logger) string {
	if secret != "" || !cfg.IsLocal() {
		return secret
	}
	logger.Warn("Using an ephemeral secret; tokens and links will not survive a restart",
		zap.String("env", envName))
	return uuid.NewString() + uuid.NewString()
}
