package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/palmid/internal/auth"
	"github.com/example/palmid/internal/config"
	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/decoder"
	"github.com/example/palmid/internal/detector"
	"github.com/example/palmid/internal/grpcclient"
	"github.com/example/palmid/internal/handlers"
	"github.com/example/palmid/internal/license"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/metrics"
	"github.com/example/palmid/internal/repository"
	"github.com/example/palmid/internal/secure"
	"github.com/example/palmid/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(os.Getenv("PALMID_CONFIG"))
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	key, err := cfg.SealingKey()
	if err != nil {
		logger.Fatal("invalid sealing key", zap.Error(err))
	}
	aead, err := secure.NewAEAD(key)
	if err != nil {
		logger.Fatal("failed to initialise sealing", zap.Error(err))
	}

	var (
		inner     credential.Store
		matchRepo usecase.MatchRepository
	)
	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		inner = repository.NewCredentialRepository(db, logger)
		logs := repository.NewMatchRepository(db, logger)
		if err := logs.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		matchRepo = logs
	} else {
		logger.Warn("no database configured, credentials are kept in memory")
		inner = credential.NewMemoryStore()
		matchRepo = usecase.NewMemoryMatchRepository(0)
	}
	store := credential.NewSealedStore(inner, aead)
	if err := store.Init(ctx); err != nil {
		logger.Fatal("credential store init failed", zap.Error(err))
	}
	defer store.Close() //nolint:errcheck

	var cache usecase.Cache = usecase.NoopCache{}
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		redisCancel()
		defer redisClient.Close() //nolint:errcheck
		cache = usecase.NewRedisCache(redisClient, cfg.Redis.Prefix)
	}

	var validator license.Validator = license.NewOffline()
	if cfg.Session.ServerURL != "" {
		client, conn, err := grpcclient.DialLicenseServer(ctx, cfg.Session.ServerURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to license server", zap.Error(err))
		}
		defer conn.Close()
		validator = client
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pipeline := metrics.New(registry)

	decoderCfg, err := cfg.DecoderConfig()
	if err != nil {
		logger.Fatal("invalid decoder configuration", zap.Error(err))
	}
	decoderCfg.ErrorHandler = func(err error) {
		logger.Error("background decoder failure", zap.Error(err))
	}
	dec, err := decoder.New(decoderCfg, decoder.Deps{
		Detector:  detector.NewPalm(detector.DefaultConfig()),
		Store:     store,
		Validator: validator,
		Logger:    logger,
		Recorder:  pipeline,
	})
	if err != nil {
		logger.Fatal("failed to create decoder", zap.Error(err))
	}
	if err := dec.Start(ctx); err != nil {
		logger.Fatal("failed to start decoder", zap.Error(err))
	}
	events, err := dec.Subscribe()
	if err != nil {
		logger.Fatal("failed to subscribe to decoder", zap.Error(err))
	}

	uc := usecase.NewMatchUseCase(matchRepo, cache, logger)

	r := gin.Default()
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	handlers.RegisterRoutes(r, handlers.Deps{
		Session:    dec,
		Store:      store,
		Results:    uc,
		AuthMethod: cfg.AuthMethod(),
		Logger:     logger,
	}, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.Audience), auth.RequireScope(cfg.Auth.AdminScope))

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return uc.Consume(gctx, dec.ID(), events)
	})
	g.Go(func() error {
		logger.Info("palmd listening", zap.String("addr", cfg.HTTP.Addr), zap.String("decoder_id", dec.ID()))
		err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger)
		if closeErr := dec.Close(); closeErr != nil {
			logger.Warn("decoder close failed", zap.Error(closeErr))
		}
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}
