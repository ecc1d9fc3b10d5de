package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/anemia-screen/internal/auth"
	"github.com/example/anemia-screen/internal/config"
	"github.com/example/anemia-screen/internal/handlers"
	"github.com/example/anemia-screen/internal/identity"
	"github.com/example/anemia-screen/internal/imaging"
	"github.com/example/anemia-screen/internal/inference"
	"github.com/example/anemia-screen/internal/logging"
	"github.com/example/anemia-screen/internal/modelbackend"
	"github.com/example/anemia-screen/internal/repository"
	"github.com/example/anemia-screen/internal/syncqueue"
	"github.com/example/anemia-screen/internal/usecase"
)

func main() {
	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startupCancel()

	db := initDatabase(startupCtx, cfg, logger)
	repo := repository.NewScanRepository(db, logger)
	if err := repo.AutoMigrate(startupCtx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	if err := identity.AutoMigrate(startupCtx, db); err != nil {
		logger.Fatal("identity migrate failed", zap.Error(err))
	}
	deviceID, err := identity.EnsureDeviceID(startupCtx, db, logger)
	if err != nil {
		logger.Fatal("device identity unavailable", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(startupCtx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	// The model backend is optional equipment: a dial failure means this
	// device screens with the heuristic until the next restart.
	var backend inference.Backend
	if cfg.Model.Addr == "" {
		logger.Info("no model backend configured, scans use heuristic scoring")
	} else {
		client, err := modelbackend.Dial(startupCtx, cfg.Model, logger)
		if err != nil {
			logger.Warn("model backend unavailable, scans use heuristic scoring", zap.Error(err))
		} else {
			defer client.Close() //nolint:errcheck
			backend = client
		}
	}

	engine := inference.NewEngine(backend, logger)
	cache := usecase.NewRedisCache(redisClient)
	decoder := imaging.Decoder{MaxSide: cfg.Scan.MaxImageSide, MaxPixels: cfg.Scan.MaxPixels}
	uc := usecase.NewScreeningUseCase(repo, cache, engine, decoder, imaging.NewExtractor(cfg.Scan.InferenceSize), logger)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	worker := usecase.NewAnalysisWorker(uc, cfg.Live.MinInterval, logger)
	go worker.Start(appCtx)

	var syncRunner handlers.SyncRunner
	if cfg.Sync.Enabled {
		manager := syncqueue.NewManager(repo, syncqueue.NewHTTPTransport(cfg.Sync, logger), deviceID, cfg.Sync.BatchLimit, logger)
		scheduler := syncqueue.NewScheduler(manager, cfg.Sync.Interval, logger)
		go scheduler.Start(appCtx)
		syncRunner = manager
	}

	h := handlers.NewHandler(uc, worker, syncRunner, handlers.SyncInfo{
		Enabled:  cfg.Sync.Enabled,
		DeviceID: deviceID,
		Interval: cfg.Sync.Interval,
	}, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, h, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("anemia screening service listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.Bool("model_backend", engine.BackendAvailable()),
		zap.Bool("sync_enabled", cfg.Sync.Enabled),
		zap.String("device_id", deviceID))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
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
