// @title           Site Provisioner API
// @version         1.0.0
// @description     Provisions isolated tenant sites: database, admin account, uploads namespace and a registry record per identifier.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "API token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness and version endpoints.
//
// @tag.name         Sites
// @tag.description  Tenant site provisioning.

// Package main is the entry point for the site provisioner binary. It dispatches three
// subcommands (serve, migrate and version) from os.Args. serve migrates the control
// database on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the dedicated profiling port, never on the API listener
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/site-provisioner/site-provisioner/internal/api"
	"github.com/site-provisioner/site-provisioner/internal/audit"
	"github.com/site-provisioner/site-provisioner/internal/config"
	"github.com/site-provisioner/site-provisioner/internal/db"
	"github.com/site-provisioner/site-provisioner/internal/db/repositories"
	"github.com/site-provisioner/site-provisioner/internal/dbhost"
	"github.com/site-provisioner/site-provisioner/internal/jobs"
	"github.com/site-provisioner/site-provisioner/internal/middleware"
	"github.com/site-provisioner/site-provisioner/internal/provision"
	"github.com/site-provisioner/site-provisioner/internal/safego"
	"github.com/site-provisioner/site-provisioner/internal/seed"
	"github.com/site-provisioner/site-provisioner/internal/storage"
	"github.com/site-provisioner/site-provisioner/internal/telemetry"
	"github.com/site-provisioner/site-provisioner/internal/tenant"

	// Storage backends register themselves with the factory
	_ "github.com/site-provisioner/site-provisioner/internal/storage/azure"
	_ "github.com/site-provisioner/site-provisioner/internal/storage/gcs"
	_ "github.com/site-provisioner/site-provisioner/internal/storage/local"
	_ "github.com/site-provisioner/site-provisioner/internal/storage/s3"
)

// storageProbeKey is checked by the readiness probe. It never has to exist.
const storageProbeKey = "readiness-probe"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Site Provisioner %s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|force VERSION>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2:])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("connecting to control database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"dbname", cfg.Database.Name, "sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(ctx, database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if version, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("control database schema ready", "version", version, "dirty", dirty)
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	accounts := repositories.NewAccountRepository(database)
	tenants := repositories.NewTenantRepository(sqlxDB)

	host, err := dbhost.New(cfg.TenantHost)
	if err != nil {
		return fmt.Errorf("failed to configure tenant database host: %w", err)
	}

	backend, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	seeds := seed.NewSource(cfg.Tenancy.SeedFile, host.SplitOptions(), cfg.Tenancy.SeedSHA256)
	if cfg.Tenancy.WatchSeed {
		if err := seeds.Watch(ctx); err != nil {
			slog.Warn("seed file watcher disabled", "path", seeds.Path(), "error", err)
		}
	}
	defer seeds.Stop()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	auditor, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("failed to initialize audit shipping: %w", err)
	}
	defer auditor.Close()

	var locker provision.Locker
	if redisClient != nil {
		locker = provision.NewRedisLocker(redisClient, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
	}

	orchestrator := provision.New(provision.Deps{
		Naming: tenant.Naming{
			DatabasePrefix: cfg.Tenancy.DatabasePrefix,
			Scheme:         cfg.Tenancy.Scheme,
			DomainSuffix:   cfg.Tenancy.DomainSuffix,
			StorageRoot:    cfg.Tenancy.StorageRoot,
			StorageURLPath: cfg.Tenancy.StorageURLPath,
		},
		OptionsTable: dbhost.OptionsTable{
			Table:       cfg.Tenancy.OptionsTable,
			NameColumn:  cfg.Tenancy.OptionNameColumn,
			ValueColumn: cfg.Tenancy.OptionValueColumn,
		},
		Host:     host,
		Seeds:    seeds,
		Identity: accounts,
		Storage:  backend,
		Registry: tenants,
		Locker:   locker,
		Audit:    auditor,
		Options: provision.Options{
			StageTimeout:        cfg.Tenancy.StageTimeout,
			SchemaTimeout:       cfg.Tenancy.SchemaTimeout,
			CompensationTimeout: cfg.Tenancy.CompensationTimeout,
		},
	})

	var limiter middleware.Limiter
	if cfg.Security.RateLimiting.Enabled {
		rlCfg := middleware.RateLimitConfig{
			RequestsPerMinute: cfg.Security.RateLimiting.RequestsPerMinute,
			BurstSize:         cfg.Security.RateLimiting.Burst,
		}
		if redisClient != nil {
			limiter = middleware.NewRedisRateLimiter(redisClient, rlCfg, cfg.Redis.KeyPrefix)
		} else {
			memLimiter := middleware.NewRateLimiter(rlCfg)
			defer memLimiter.Stop()
			limiter = memLimiter
		}
	}

	reaper := jobs.NewStaleClaimReaper(tenants, cfg.Tenancy.StaleClaimAfter, cfg.Tenancy.StaleClaimCheckPeriod)
	safego.Go("stale-claim-reaper", func() { reaper.Start(ctx) })
	defer reaper.Stop()

	if cfg.Telemetry.Metrics.Enabled {
		startSideServer("metrics", cfg.Telemetry.Metrics.PrometheusPort, promhttp.Handler(), 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		startSideServer("pprof", cfg.Telemetry.Profiling.Port, http.DefaultServeMux, 30*time.Second) // #nosec G108 -- pprof-only internal port
	}

	router := api.NewRouter(cfg, api.Dependencies{
		Provisioner: orchestrator,
		Tenants:     tenants,
		ControlDB:   database,
		Limiter:     limiter,
		Checks: []api.ReadinessCheck{
			{Name: "database", Check: database.PingContext},
			{Name: "tenant_host", Check: host.Ping},
			{Name: "storage", Check: func(ctx context.Context) error {
				_, err := backend.Exists(ctx, storageProbeKey)
				return err
			}},
			{Name: "seed", Check: func(ctx context.Context) error {
				_, err := seeds.Load(ctx)
				return err
			}},
		},
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server",
			"addr", server.Addr,
			"storage_backend", cfg.Storage.DefaultBackend,
			"tenant_host", cfg.TenantHost.Driver,
			"redis", cfg.Redis.Enabled,
			"version", api.Version)

		var err error
		if cfg.Security.TLS.Enabled {
			slog.Info("TLS enabled", "cert", cfg.Security.TLS.CertFile, "key", cfg.Security.TLS.KeyFile)
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	select {
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// startSideServer serves handler on its own port so that it stays off the public API listener
func startSideServer(name string, port int, handler http.Handler, timeout time.Duration) {
	addr := fmt.Sprintf(":%d", port)
	safego.Go(name+"-server", func() {
		slog.Info("starting side server", "name", name, "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("side server error", "name", name, "error", err)
		}
	})
}

func runMigrations(cfg *config.Config, args []string) error {
	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch args[0] {
	case "up", "down":
		if err := db.RunMigrations(database, args[0]); err != nil {
			return err
		}
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate force VERSION")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid migration version %q: %w", args[1], err)
		}
		if err := db.ForceVersion(database, version); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid migration direction: %s (must be up, down or force)", args[0])
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return err
	}
	fmt.Printf("Migrations %s complete. Current version: %d (dirty: %v)\n", args[0], version, dirty)
	return nil
}
