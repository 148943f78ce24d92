package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fruits-store/internal/auth"
	"fruits-store/internal/cart"
	"fruits-store/internal/category"
	"fruits-store/internal/config"
	"fruits-store/internal/db"
	"fruits-store/internal/maintenance"
	"fruits-store/internal/media"
	"fruits-store/internal/notify"
	"fruits-store/internal/observability"
	"fruits-store/internal/product"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations overrides RUN_MIGRATIONS_ON_STARTUP when set.
	RunMigrations *bool
}

type Runtime struct {
	Handler http.Handler
	Logger  *observability.Logger
	Config  config.Config
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, err
	}
	if options.RunMigrations != nil {
		cfg.RunMigrations = *options.RunMigrations
	}

	logger := observability.NewLogger(observability.LoggerOptions{
		Level:     cfg.LogLevel,
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
	})
	metrics := observability.NewMetrics()

	if err := observability.InitSentry(observability.SentryOptions{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     cfg.SentryRelease,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	if cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database, logger); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	c, err := assemble(cfg, database, dispatcher, logger, metrics)
	if err != nil {
		dispatcher.Close()
		_ = database.Close()
		return nil, err
	}

	if err := c.accounts.BootstrapAdmin(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		dispatcher.Close()
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	logger.Info("app_ready", map[string]any{
		"env":                cfg.AppEnv,
		"login_max_attempts": cfg.LoginMaxAttempts,
		"uploads_enabled":    c.uploader != nil,
		"smtp_enabled":       cfg.SMTPHost != "",
	})

	return &Runtime{
		Handler: newRouter(c),
		Logger:  logger,
		Config:  cfg,
		Close: func() error {
			dispatcher.Close()
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

func newDispatcher(cfg config.Config, logger *observability.Logger) (*notify.Dispatcher, error) {
	if cfg.SMTPHost == "" {
		logger.Warn("smtp_disabled", map[string]any{"reason": "SMTP_HOST is empty; notifications are logged only"})
		return notify.NewDispatcher(notify.NewLogSender(logger), logger), nil
	}

	mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		return nil, fmt.Errorf("init smtp mailer: %w", err)
	}
	return notify.NewDispatcher(mailer, logger), nil
}

// components holds everything the router needs. Tests build it by hand.
type components struct {
	logger     *observability.Logger
	metrics    *observability.Metrics
	authorizer *auth.RequestAuthorizer
	limiter    *auth.LoginRateLimiter
	accounts   *auth.AccountService
	uploader   *media.Cloudinary

	metricsToken string

	authHandler     *auth.Handler
	productHandler  *product.Handler
	categoryHandler *category.Handler
	cartHandler     *cart.Handler
	mediaHandler    *media.UploadHandler
	cleanupHandler  *maintenance.CleanupHandler
	health          http.HandlerFunc
}

func assemble(cfg config.Config, database *sql.DB, dispatcher *notify.Dispatcher, logger *observability.Logger, metrics *observability.Metrics) (*components, error) {
	role, err := auth.ParseRole(cfg.DefaultRole)
	if err != nil {
		return nil, fmt.Errorf("parse DEFAULT_ROLE: %w", err)
	}

	users := auth.NewRepository(database)
	passwords := auth.NewBcryptHasher(cfg.BcryptCost)
	codec := auth.NewTokenCodec(auth.TokenConfig{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      cfg.AccessTokenTTL,
	})
	tracker := auth.NewLoginAttemptTracker(auth.AttemptConfig{
		Window:   cfg.LoginAttemptWindow,
		Capacity: cfg.LoginAttemptCapacity,
	})

	authenticator := auth.NewAuthenticator(users, passwords, codec, tracker, dispatcher)
	authenticator.WithMaxAttempts(cfg.LoginMaxAttempts)
	authenticator.WithObservability(logger, metrics)
	authenticator.WithEventRecorder(users)

	carts := cart.NewRepository(database)
	accounts := auth.NewAccountService(users, passwords, dispatcher, role)
	accounts.WithCustomerProvisioner(carts)
	accounts.WithLogger(logger)

	limiter := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	limiter.WithMetrics(metrics)

	var uploader *media.Cloudinary
	var productUploader product.ImageUploader
	var mediaUploader media.ImageUploader
	if cfg.CloudinaryURL != "" {
		uploader, err = media.NewCloudinary(cfg.CloudinaryURL)
		if err != nil {
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		productUploader = uploader
		mediaUploader = uploader
	} else {
		logger.Warn("cloudinary_disabled", map[string]any{"reason": "CLOUDINARY_URL is empty; image URLs are stored as given"})
	}

	return &components{
		logger:     logger,
		metrics:    metrics,
		authorizer: auth.NewRequestAuthorizer(codec, users, auth.AuthorizerConfig{Prefix: cfg.TokenPrefix}, logger),
		limiter:    limiter,
		accounts:   accounts,
		uploader:   uploader,

		metricsToken: cfg.MetricsToken,

		authHandler:     auth.NewHandler(authenticator, accounts, logger),
		productHandler:  product.NewHandler(product.NewRepository(database), productUploader),
		categoryHandler: category.NewHandler(category.NewRepository(database)),
		cartHandler:     cart.NewHandler(carts),
		mediaHandler:    media.NewUploadHandler(mediaUploader, logger),
		cleanupHandler: maintenance.NewCleanupHandler(
			users,
			tracker,
			logger,
			cfg.CronSecret,
			cfg.AuditRetention,
			cfg.CleanupBatchSize,
		),
		health: healthHandler(database),
	}, nil
}

func newRouter(c *components) http.Handler {
	admin := auth.RequireRole(auth.RoleAdmin)
	customer := auth.RequireRole(auth.RoleCustomer)
	authenticated := auth.RequireAuthenticated

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", c.limiter.Middleware(http.HandlerFunc(c.authHandler.Login)))
	mux.HandleFunc("POST /auth/register", c.authHandler.Register)
	mux.Handle("GET /auth/me", authenticated(http.HandlerFunc(c.authHandler.Me)))
	mux.Handle("PUT /auth/password", authenticated(http.HandlerFunc(c.authHandler.ChangePassword)))

	mux.Handle("POST /auth/lock", admin(http.HandlerFunc(c.authHandler.Lock)))
	mux.Handle("POST /auth/unlock", admin(http.HandlerFunc(c.authHandler.Unlock)))
	mux.Handle("GET /auth/users", admin(http.HandlerFunc(c.authHandler.ListUsers)))
	mux.Handle("GET /auth/customers", admin(http.HandlerFunc(c.authHandler.ListCustomers)))
	mux.Handle("POST /auth/users/{id}/roles", admin(http.HandlerFunc(c.authHandler.AddRole)))
	mux.Handle("DELETE /auth/users/{id}/roles/{role}", admin(http.HandlerFunc(c.authHandler.RemoveRole)))
	mux.Handle("POST /auth/users/{id}/reset-password", admin(http.HandlerFunc(c.authHandler.ResetPassword)))
	mux.Handle("DELETE /auth/users/{id}", admin(http.HandlerFunc(c.authHandler.DeleteUser)))

	mux.HandleFunc("GET /products", c.productHandler.ListProducts)
	mux.HandleFunc("GET /products/{id}", c.productHandler.GetProduct)
	mux.Handle("POST /products", admin(http.HandlerFunc(c.productHandler.CreateProduct)))
	mux.Handle("PUT /products/{id}", admin(http.HandlerFunc(c.productHandler.UpdateProduct)))
	mux.Handle("DELETE /products/{id}", admin(http.HandlerFunc(c.productHandler.DeleteProduct)))

	mux.HandleFunc("GET /categories", c.categoryHandler.ListCategories)
	mux.HandleFunc("GET /categories/{id}", c.categoryHandler.GetCategory)
	mux.Handle("POST /categories", admin(http.HandlerFunc(c.categoryHandler.CreateCategory)))
	mux.Handle("PUT /categories/{id}", admin(http.HandlerFunc(c.categoryHandler.UpdateCategory)))
	mux.Handle("DELETE /categories/{id}", admin(http.HandlerFunc(c.categoryHandler.DeleteCategory)))

	mux.Handle("GET /cart", customer(http.HandlerFunc(c.cartHandler.GetCart)))
	mux.Handle("POST /cart/items", customer(http.HandlerFunc(c.cartHandler.AddItem)))
	mux.Handle("DELETE /cart/items/{productId}", customer(http.HandlerFunc(c.cartHandler.RemoveItem)))
	mux.Handle("DELETE /cart", customer(http.HandlerFunc(c.cartHandler.ClearCart)))

	mux.Handle("POST /media/upload", admin(http.HandlerFunc(c.mediaHandler.Upload)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", c.cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", c.cleanupHandler.Handle)
	mux.HandleFunc("GET /health", c.health)
	mux.Handle("GET /metrics", c.metrics.ProtectedHandler(c.metricsToken))

	handler := c.authorizer.Middleware(mux)
	handler = observability.RequestLoggingMiddleware(c.logger, c.metrics, handler)
	return observability.RecoverMiddleware(c.logger, handler)
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			if errors.Is(err, context.DeadlineExceeded) {
				body["reason"] = "database timeout"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
