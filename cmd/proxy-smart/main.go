package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/proxy-smart/proxy-smart/internal/admin"
	"github.com/proxy-smart/proxy-smart/internal/config"
	"github.com/proxy-smart/proxy-smart/internal/consent"
	"github.com/proxy-smart/proxy-smart/internal/ial"
	"github.com/proxy-smart/proxy-smart/internal/mtls"
	"github.com/proxy-smart/proxy-smart/internal/platform/db"
	"github.com/proxy-smart/proxy-smart/internal/platform/middleware"
	"github.com/proxy-smart/proxy-smart/internal/proxy"
	"github.com/proxy-smart/proxy-smart/internal/registry"
	"github.com/proxy-smart/proxy-smart/internal/smartconfig"
	"github.com/proxy-smart/proxy-smart/internal/token"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "proxy-smart",
		Short: "SMART on FHIR reverse proxy",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL must be set to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL must be set to inspect migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// The identity provider must be reachable at startup: without its
	// discovery document there is no token endpoint to broker.
	provider, err := token.DiscoverOIDC(cfg.AuthIssuer)
	if err != nil {
		logger.Fatal().Err(err).Str("issuer", cfg.AuthIssuer).Msg("OIDC discovery failed")
	}
	logger.Info().Str("issuer", provider.Issuer).Msg("discovered identity provider")

	jwksURL := cfg.AuthJWKSURL
	if jwksURL == "" {
		jwksURL = provider.JWKSURI
	}
	validator := token.NewValidator(token.ValidatorConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  jwksURL,
	})

	reg := registry.New(cfg.FHIRServerBases, cfg.FHIRSupportedVersions, cfg.RegistryCacheTTL, logger)

	// mTLS configurations persist in Postgres when a database is
	// configured; otherwise they live in memory for the process lifetime.
	var backend mtls.Backend
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		backend = mtls.NewPostgresBackend(pool)
		logger.Info().Msg("mTLS store backed by postgres")
	} else {
		backend = mtls.NewMemoryBackend()
		logger.Warn().Msg("no DATABASE_URL set, mTLS configurations are in-memory only")
	}
	store := mtls.NewStore(backend, cfg.MTLSExpiryWarningDays, logger)

	engine := consent.NewEngine(consent.Config{
		Enabled:                  cfg.ConsentEnabled,
		Mode:                     cfg.ConsentModeResolved(),
		ExemptClients:            cfg.ConsentExemptClients,
		ExemptResourceTypes:      cfg.ConsentExemptResourceTypes,
		RequiredForResourceTypes: cfg.ConsentRequiredResourceTypes,
		CacheTTL:                 cfg.ConsentCacheTTL,
	}, logger)

	checker := ial.NewChecker(ial.Config{
		Enabled:                cfg.IALEnabled,
		MinimumLevel:           ial.NormalizeLevel(cfg.IALMinimumLevel),
		SensitiveResourceTypes: cfg.IALSensitiveResourceTypes,
		SensitiveMinimumLevel:  ial.NormalizeLevel(cfg.IALSensitiveMinimumLevel),
		VerifyPatientLink:      cfg.IALVerifyPatientLink,
		AllowOnLookupFailure:   cfg.IALAllowOnLookupFailure,
		CacheTTL:               cfg.IALCacheTTL,
	}, logger)

	scfg := smartconfig.New(provider, smartconfig.Options{
		BaseURL:         cfg.BaseURL,
		ScopesSupported: cfg.SmartScopesSupported,
		Capabilities:    cfg.SmartCapabilities,
		CacheTTL:        cfg.SmartConfigCacheTTL,
	}, logger)

	// Token exchange advertises every registered server as an authorized
	// resource location.
	locations := func(ctx context.Context) []token.Location {
		servers := reg.List(ctx)
		out := make([]token.Location, 0, len(servers))
		for i := range servers {
			out = append(out, token.Location{
				ProxyBase:   registry.ProxyBase(cfg.BaseURL, cfg.AppName, &servers[i]),
				FHIRVersion: servers[i].FHIRVersion,
			})
		}
		return out
	}
	exchanger := token.NewExchanger(provider, validator, locations, logger)
	authHandler := token.NewHandler(provider, exchanger, validator, cfg.BaseURL, logger)

	proxyHandler := proxy.NewHandler(proxy.Options{
		BaseURL:           cfg.BaseURL,
		AppName:           cfg.AppName,
		SupportedVersions: cfg.FHIRSupportedVersions,
	}, reg, store, engine, validator, scfg, logger)
	if cfg.IALEnabled {
		proxyHandler.SetIALChecker(checker)
	}

	adminHandler := admin.NewHandler(cfg.BaseURL, cfg.AppName, reg, store, engine, checker, scfg, validator, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "20M", "/"+cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "version": "0.1.0"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Root well-known documents. The SMART configuration is also served
	// per-server under the proxy group.
	e.GET("/.well-known/smart-configuration", func(c echo.Context) error {
		return c.JSON(http.StatusOK, scfg.Configuration())
	})
	e.GET("/.well-known/oauth-protected-resource", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"resource":                 cfg.BaseURL,
			"authorization_servers":    []string{provider.Issuer},
			"bearer_methods_supported": []string{"header"},
			"resource_name":            cfg.AppName,
		})
	})

	authHandler.Register(e.Group("/auth"))
	proxyHandler.Register(e.Group("/" + cfg.AppName))
	adminHandler.Register(e.Group("/admin"))

	// Periodic registry refresh keeps cached capability statements warm.
	refreshCtx, stopRefresh := context.WithCancel(ctx)
	defer stopRefresh()
	go func() {
		ticker := time.NewTicker(cfg.RegistryCacheTTL)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				reg.RefreshAll(refreshCtx)
			}
		}
	}()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("base_url", cfg.BaseURL).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
