package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	callHandler "socialhub-backend/internal/handler/http/call"
	pushHandler "socialhub-backend/internal/handler/http/push"
	wsHandler "socialhub-backend/internal/handler/ws"
	"socialhub-backend/internal/media"
	"socialhub-backend/internal/middleware"
	cassandraRepo "socialhub-backend/internal/repository/cassandra"
	"socialhub-backend/internal/repository/cockroach"
	"socialhub-backend/internal/repository/objectstore"
	redisRepo "socialhub-backend/internal/repository/redis"
	callService "socialhub-backend/internal/service/call"
	"socialhub-backend/internal/signaling"
	"socialhub-backend/pkg/config"
	"socialhub-backend/pkg/database"
	"socialhub-backend/pkg/jwt"
	"socialhub-backend/pkg/logger"
	"socialhub-backend/pkg/metrics"
	"socialhub-backend/pkg/push"
)

const (
	accessTokenTTL   = 15 * time.Minute
	connectRetries   = 5
	connectBaseDelay = time.Second
	connectMaxDelay  = 30 * time.Second
)

func main() {
	ctx := context.Background()

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.With(
		zap.String("service", cfg.Server.ServiceName),
		zap.String("user_id", cfg.Agent.LocalUserID.String()),
	)

	jwtSecret := cfg.JWT.Secret
	if jwtSecret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(jwtSecret, accessTokenTTL)

	// 2. CockroachDB holds call history; the agent cannot run without it
	db, err := connectCockroach(ctx, &database.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	historyRepo := cockroach.NewCallHistoryRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)

	// 3. Redis backs signaling, push tokens and token revocation. Without it
	// the agent falls back to in-process signaling and skips push.
	var (
		broker     signaling.Broker
		revocation middleware.RevocationChecker
		pushSvc    *push.Service
	)
	redisDB, err := database.NewRedisDB(ctx, &database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Warn("Redis unavailable, running without push and revocation", zap.Error(err))
	} else {
		defer redisDB.Close()
		revocation = redisRepo.NewRevocationRepository(redisDB.Client)
		logger.Info("Connected to Redis")
	}

	if cfg.Call.Broker == "redis" && redisDB != nil {
		broker = redisRepo.NewStreamBroker(redisDB.Client, cfg.Call.SignalingRetention, int(cfg.Call.SignalingMaxLen), log)
		logger.Info("Using Redis Streams signaling broker")
	} else {
		broker = signaling.NewMemoryBroker(nil, cfg.Call.SignalingRetention, int(cfg.Call.SignalingMaxLen))
		logger.Warn("Using in-process signaling broker; only sessions inside this process can reach each other")
	}

	// 4. Cassandra event timeline and MinIO diagnostics are optional
	var (
		eventLog callService.EventLog
		archive  callService.DiagnosticsArchive
	)
	cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
		Hosts:       cfg.Cassandra.Hosts,
		Keyspace:    cfg.Cassandra.Keyspace,
		Consistency: cfg.Cassandra.Consistency,
		Timeout:     cfg.Cassandra.Timeout,
	})
	if err != nil {
		logger.Warn("Cassandra unavailable, call events will not be kept", zap.Error(err))
	} else {
		defer cassandraDB.Close()
		eventLog = cassandraRepo.NewCallEventRepository(cassandraDB.Session)
		logger.Info("Connected to Cassandra")
	}

	minioClient, err := objectstore.NewMinioClient(ctx, objectstore.Config{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		UseSSL:    cfg.MinIO.UseSSL,
		Bucket:    cfg.MinIO.Bucket,
	})
	if err != nil {
		logger.Warn("MinIO unavailable, failed-call diagnostics will not be archived", zap.Error(err))
	} else {
		archive = objectstore.NewDiagnosticsRepository(minioClient, cfg.MinIO.Bucket)
		logger.Info("Connected to MinIO", zap.String("bucket", cfg.MinIO.Bucket))
	}

	recorder := callService.NewRecorder(historyRepo, eventLog, archive, cfg.Call.HistoryWriteTimeout, log)

	// 5. Push notifications
	if redisDB != nil {
		if cfg.Server.Environment == "production" && cfg.Push.Provider != string(push.ProviderFirebase) {
			logger.Fatal("PUSH_PROVIDER must be firebase in production", zap.String("provider", cfg.Push.Provider))
		}
		provider, err := push.NewProvider(push.FactoryConfig{
			Provider:        cfg.Push.Provider,
			ProjectID:       cfg.Push.ProjectID,
			CredentialsPath: cfg.Push.CredentialsPath,
		})
		if err != nil {
			logger.Fatal("Failed to create push provider", zap.Error(err))
		}
		pushSvc = push.NewService(provider, redisRepo.NewPushTokenRepository(redisDB.Client), int(cfg.Call.RingTimeout.Seconds()))
		logger.Info("Push notifications enabled", zap.String("provider", cfg.Push.Provider))
	}

	// 6. Media: local devices and the pion negotiation primitive
	devices, err := media.NewDeviceCapturer(log)
	if err != nil {
		logger.Fatal("Failed to init capture devices", zap.Error(err))
	}
	capturer := media.NewExclusiveCapturer(devices)

	peers, err := media.NewPionFactory(media.PionConfig{
		ICEServers: cfg.Call.ICEServers,
		Codecs:     devices,
	}, log)
	if err != nil {
		logger.Fatal("Failed to init WebRTC", zap.Error(err))
	}

	// 7. Call services
	adapter := signaling.NewAdapter(broker, cfg.Agent.LocalUserID, log)

	managerDeps := callService.ManagerDeps{
		Session: callService.Dependencies{
			Signaler: adapter,
			Peers:    peers,
			Capturer: capturer,
			History:  recorder,
			Events:   eventLog,
			Logger:   log,
		},
		Invites:       adapter,
		Conversations: conversationRepo,
		Users:         userRepo,
		Devices:       capturer,
	}
	notifierDeps := callService.NotifierDeps{
		Invites: adapter,
		History: recorder,
		Logger:  log,
	}
	if pushSvc != nil {
		managerDeps.Push = pushSvc
		notifierDeps.Push = pushSvc
	}

	manager := callService.NewManager(callService.ManagerConfig{
		LocalID:   cfg.Agent.LocalUserID,
		LocalName: cfg.Agent.DisplayName,
		Controller: callService.ControllerConfig{
			ConnectTimeout: cfg.Call.ConnectTimeout,
			TickInterval:   cfg.Call.TickInterval,
		},
	}, managerDeps)

	notifierDeps.Acceptor = manager
	notifier := callService.NewNotifier(callService.NotifierConfig{
		LocalID:     cfg.Agent.LocalUserID,
		RingTimeout: cfg.Call.RingTimeout,
	}, notifierDeps)
	if err := notifier.Start(ctx); err != nil {
		logger.Fatal("Failed to subscribe to incoming calls", zap.Error(err))
	}

	// 8. HTTP server
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	router := gin.New()
	if err := router.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to set trusted proxies", zap.Error(err))
	}
	router.Use(middleware.HealthCheck(cfg.Server.ServiceName))
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())

	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocation, cfg.Agent.LocalUserID))
	callHandler.NewHandler(manager, notifier, recorder).RegisterRoutes(v1)
	wsHandler.NewCallStreamHandler(manager, notifier, appMetrics, middleware.AllowsOrigin(cfg.Server.AllowedOrigins)).RegisterRoutes(v1)
	if pushSvc != nil {
		pushHandler.NewHandler(pushSvc).RegisterRoutes(v1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call agent starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 9. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down call agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := notifier.Close(); err != nil {
		logger.Warn("Failed to close incoming-call subscription", zap.Error(err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("Live sessions did not finish teardown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
}

// connectCockroach retries with exponential backoff so the agent survives
// the database starting after it.
func connectCockroach(ctx context.Context, cfg *database.CockroachConfig) (*database.CockroachDB, error) {
	var err error
	for attempt := 1; attempt <= connectRetries; attempt++ {
		var db *database.CockroachDB
		db, err = database.NewCockroachDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		if attempt == connectRetries {
			break
		}
		delay := time.Duration(float64(connectBaseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > connectMaxDelay {
			delay = connectMaxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", connectRetries, err)
}
