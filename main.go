package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/faceauth/internal/auth"
	"github.com/example/faceauth/internal/challenge"
	"github.com/example/faceauth/internal/config"
	"github.com/example/faceauth/internal/engine"
	"github.com/example/faceauth/internal/face"
	"github.com/example/faceauth/internal/grpcclient"
	"github.com/example/faceauth/internal/handlers"
	"github.com/example/faceauth/internal/hat"
	"github.com/example/faceauth/internal/lockout"
	"github.com/example/faceauth/internal/logging"
	"github.com/example/faceauth/internal/metrics"
	"github.com/example/faceauth/internal/notify"
	"github.com/example/faceauth/internal/registry"
	"github.com/example/faceauth/internal/repository"
	"github.com/example/faceauth/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	configPath := os.Getenv("FACED_CONFIG")

	root := &cobra.Command{
		Use:          "faced",
		Short:        "Face authentication session daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "YAML configuration file (env FACED_CONFIG)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the face device and its HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runMigrate(cmd.Context(), cfg)
		},
	})

	return root
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.NewLogger(logging.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
}

func runServe(cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: a.router,
	}
	server.RegisterOnShutdown(a.hub.Close)

	logger.Info("faced listening", zap.String("addr", cfg.Server.Addr))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer closeCancel()
	a.close(closeCtx)

	if serveErr != nil {
		logger.Error("server failed", zap.Error(serveErr))
	}
	return serveErr
}

func runMigrate(ctx context.Context, cfg config.Config) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.Storage.Kind != "postgres" {
		return fmt.Errorf("migrate requires postgres storage, configured %q", cfg.Storage.Kind)
	}
	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := repository.NewFaceRepository(db, logger).AutoMigrate(ctx); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return err
	}
	logger.Info("schema up to date")
	return nil
}

// app is the wired daemon.
type app struct {
	device   *session.Device
	hub      *handlers.EventHub
	recorder *repository.EventRecorder
	router   *gin.Engine
	closers  []func() error
	logger   *zap.Logger
}

func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{logger: logger}
	m := metrics.New()
	if err := m.Register(nil); err != nil {
		return nil, err
	}

	lockoutStore, err := a.initLockoutStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var (
		registryStore registry.Store = registry.NewMemoryStore()
		audit         handlers.AuditLog
	)
	if cfg.Storage.Kind == "postgres" {
		db, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		repo := repository.NewFaceRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return nil, err
		}
		registryStore, audit = repo, repo
		a.recorder = repository.NewEventRecorder(repo, cfg.Events.AuditBuffer, logger)
	}

	eng, err := a.initEngine(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	credentialKey, faceKey, err := hatKeys(cfg, logger)
	if err != nil {
		return nil, err
	}

	dispatcher := notify.NewDispatcher(logger, m)
	a.device = session.New(session.Deps{
		Engine:     eng,
		Validator:  challenge.NewValidator(hat.NewHMACSigner(credentialKey), logger, challenge.WithMaxAge(cfg.HAT.MaxAge)),
		Lockout:    lockout.NewTracker(lockoutStore, cfg.LockoutPolicy(), logger),
		Registry:   registry.New(registryStore, logger),
		Signer:     hat.NewHMACSigner(faceKey),
		Dispatcher: dispatcher,
		Metrics:    m,
	}, cfg.SessionConfig(), logger)

	a.hub = handlers.NewEventHub(cfg.Events.SubscriberBuffer, logger)
	if err := a.device.SetNotify(ctx, a.deliver); err != nil {
		return nil, err
	}

	if !cfg.Dev() {
		gin.SetMode(gin.ReleaseMode)
	}
	a.router = gin.Default()
	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "dev-secret"
	}
	handlers.RegisterRoutes(a.router, handlers.NewAPI(a.device, a.hub, audit, logger), auth.JWTMiddleware(jwtSecret, cfg.Auth.JWTAudience))

	return a, nil
}

// deliver is the only notify callback: it feeds the event stream and the
// audit log.
func (a *app) deliver(msg face.Message) {
	a.hub.Publish(msg)
	if a.recorder == nil {
		return
	}
	if scope, ok := a.device.ActiveGroup(); ok {
		a.recorder.Record(scope, msg)
	}
}

func (a *app) close(ctx context.Context) {
	a.hub.Close()
	if err := a.device.Close(ctx); err != nil {
		a.logger.Warn("device close failed", zap.Error(err))
	}
	if a.recorder != nil {
		a.recorder.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *app) initLockoutStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (lockout.Store, error) {
	if cfg.Lockout.Store != "redis" {
		logger.Warn("lockout state is kept in memory and does not survive restarts")
		return lockout.NewMemoryStore(), nil
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := initRedis(redisCtx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	return lockout.NewRedisStore(lockout.NewRedisCache(client), logger), nil
}

func (a *app) initEngine(ctx context.Context, cfg config.Config, logger *zap.Logger) (engine.Engine, error) {
	if cfg.Engine.Kind != "grpc" {
		return engine.NewSimulated(cfg.Engine.EnrollSteps, logger), nil
	}
	eng, conn, err := grpcclient.DialEngine(ctx, cfg.Engine.Addr, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to recognition engine: %w", err)
	}
	a.closers = append(a.closers, conn.Close)
	return eng, nil
}

// hatKeys derives the credential and face token keys. Development runs
// without a configured secret get a random one.
func hatKeys(cfg config.Config, logger *zap.Logger) ([]byte, []byte, error) {
	secret := []byte(cfg.HAT.Secret)
	if len(secret) == 0 {
		logger.Warn("no HAT secret configured, using an ephemeral one")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, nil, err
		}
	}
	credentialKey, err := hat.DeriveKey(secret, hat.InfoCredential)
	if err != nil {
		return nil, nil, err
	}
	faceKey, err := hat.DeriveKey(secret, hat.InfoFace)
	if err != nil {
		return nil, nil, err
	}
	return credentialKey, faceKey, nil
}

func initDatabase(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (*gorm.DB, error) {
	logMode := gormlogger.Warn
	if cfg.Dev() {
		logMode = gormlogger.Info
	}
	db, err := gorm.Open(postgres.Open(cfg.Storage.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(logMode)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Error("failed to access db handle", zap.Error(err))
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.Storage.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Storage.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.Storage.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	return db, nil
}

func initRedis(ctx context.Context, cfg config.Config, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Lockout.RedisAddr, DB: cfg.Lockout.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Error("redis connection failed", zap.Error(err))
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
