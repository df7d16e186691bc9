// harei/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"harei/backend"
	"harei/config"
	"harei/database"
	"harei/handlers"
	"harei/inbox"
	"harei/models"
	"harei/session"
	"harei/settings"
	"harei/slideshow"
	"harei/utils"
)

// Client state untouched for this long is dropped.
const stateRetention = 90 * 24 * time.Hour

var cfgFile string

type Application struct {
	cfg         config.AppConfig
	logger      *zap.Logger
	db          *database.DatabaseService
	backend     *backend.Client
	guard       *session.Guard
	settings    *settings.Service
	inboxes     *inbox.Registry
	backgrounds *slideshow.Library
	rateLimiter *models.RateLimiter
}

// Methods to satisfy the handlers.App interface
func (a *Application) Config() config.AppConfig         { return a.cfg }
func (a *Application) Logger() *zap.Logger              { return a.logger }
func (a *Application) Backend() *backend.Client         { return a.backend }
func (a *Application) Guard() *session.Guard            { return a.guard }
func (a *Application) Settings() *settings.Service      { return a.settings }
func (a *Application) Inboxes() *inbox.Registry         { return a.inboxes }
func (a *Application) Backgrounds() *slideshow.Library  { return a.backgrounds }
func (a *Application) RateLimiter() *models.RateLimiter { return a.rateLimiter }

func main() {
	rootCmd := &cobra.Command{
		Use:     "harei-web",
		Short:   "Harei fan site web server",
		Version: config.AppVersion,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("api.base_url"), "Backend API base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("assets-dir", defaults.GetString("assets.dir"), "Directory holding background images")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "assets.dir", "assets-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	dbService, err := database.InitDB(cfg.DatabasePath, logger.Named("database"))
	if err != nil {
		logger.Error("Failed to initialize database", zap.Error(err))
		return err
	}
	defer func() {
		if err := dbService.Close(); err != nil {
			logger.Error("Failed to close database", zap.Error(err))
		}
	}()

	if err := handlers.LoadTemplates("templates"); err != nil {
		logger.Error("Failed to load templates", zap.Error(err))
		return err
	}

	client := backend.New(cfg.APIBaseURL, cfg.APITimeout, logger.Named("backend"))

	guard, err := session.NewGuard(session.GuardConfig{
		Store:     dbService,
		Authority: client,
		Validity:  cfg.SessionValidity,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	// --- Background image source ---
	var source slideshow.Source
	if cfg.S3Enabled {
		s3Store, err := utils.NewS3Storage(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3Region, cfg.S3PublicURL, cfg.S3UseSSL)
		if err != nil {
			logger.Error("Failed to initialize S3 storage", zap.Error(err))
			return err
		}
		source = s3Store
		logger.Info("S3 storage initialized", zap.String("endpoint", cfg.S3Endpoint), zap.String("bucket", cfg.S3Bucket))
	} else {
		source = &utils.LocalStorage{Dir: cfg.AssetsDir, URLPrefix: "/static/" + filepath.Base(cfg.AssetsDir)}
		logger.Info("Local storage initialized", zap.String("dir", cfg.AssetsDir))
	}

	app := &Application{
		cfg:      cfg,
		logger:   logger,
		db:       dbService,
		backend:  client,
		guard:    guard,
		settings: settings.NewService(dbService, settings.NewHub(), logger),
		inboxes: inbox.NewRegistry(inbox.RegistryConfig{
			API:      client,
			Attempts: cfg.ImageRetries,
			Delay:    cfg.ImageRetryDelay,
			IdleTTL:  cfg.WorkspaceIdleTTL,
			Logger:   logger,
		}),
		backgrounds: slideshow.NewLibrary(source, cfg.DesktopPrefix, cfg.MobilePrefix, logger),
		rateLimiter: models.NewRateLimiter(cfg.RateEvery, cfg.RateBurst, cfg.RatePrune, cfg.RateExpire),
	}

	mux := handlers.SetupRouter(app)
	finalHandler := handlers.NewSecurityHeadersMiddleware(cfg.S3PublicURL)(
		handlers.ClientMiddleware(
			handlers.CSRF([]byte(cfg.CSRFKey), false, logger)(mux)))

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Background workers ---
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		app.rateLimiter.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		app.inboxes.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		pruneClientState(workerCtx, dbService, logger)
	}()
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	// --- Graceful Shutdown ---
	server := &http.Server{Addr: cfg.HTTPAddress, Handler: finalHandler}
	// Event streams never go idle on their own.
	server.RegisterOnShutdown(app.settings.Hub().Close)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info("harei server started successfully",
		zap.String("version", config.AppVersion),
		zap.String("address", cfg.HTTPAddress),
		zap.String("api", cfg.APIBaseURL),
	)

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error("Server failed unexpectedly", zap.Error(err))
			return err
		}
		return nil
	case <-signalCtx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}
	logger.Info("Server exiting")
	return nil
}

// pruneClientState drops abandoned client rows once a day.
func pruneClientState(ctx context.Context, db *database.DatabaseService, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneStale(ctx, utils.GetTime().Add(-stateRetention))
			if err != nil {
				logger.Warn("Failed to prune client state", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("Pruned client state", zap.Int64("rows", n))
			}
		}
	}
}
