// internal/app/server.go
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"billing-service/internal/config"
	"billing-service/internal/db"
	schedulerHandler "billing-service/internal/handlers/scheduler"
	subscriptionHandler "billing-service/internal/handlers/subscription"
	webhookHandler "billing-service/internal/handlers/webhook"
	"billing-service/internal/middleware"
	"billing-service/internal/pkg/lock"
	"billing-service/internal/repository/postgres"
	gatewayClient "billing-service/internal/service/gateway"
	schedulerUsecase "billing-service/internal/service/scheduler"
	subscriptionUsecase "billing-service/internal/service/subscription"
	webhookUsecase "billing-service/internal/service/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	cfg       config.AppConfig
	engine    *gin.Engine
	logger    *zap.Logger
	httpSrv   *http.Server
	scheduler *schedulerUsecase.Scheduler
}

func NewServer() *Server {
	cfg := config.Load()
	engine := gin.New()
	return &Server{cfg: cfg, engine: engine}
}

func (s *Server) Start() error {
	ctx := context.Background()

	// ----- Logger -----
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	s.logger = logger

	// An empty secret would make every empty-key HMAC verify; refuse to boot.
	if s.cfg.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET must be set")
	}

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	log.Println("[POSTGRES] ✅ Connected successfully")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPass,
		DB:       0,
		PoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	log.Println("[REDIS] ✅ Connected successfully")

	// ----- Repositories -----
	subscriptionRepo := postgres.NewSubscriptionRepository(pool)
	transactionRepo := postgres.NewTransactionRepository(pool)
	planRepo := postgres.NewPlanRepository(pool)
	userRepo := postgres.NewUserRepository(pool)

	// ----- Gateway client -----
	gatewayC := gatewayClient.NewClient(s.cfg.GatewayURL, s.cfg.GatewaySecret, logger)

	// ----- Services (Usecases) -----
	lifecycleService := subscriptionUsecase.NewLifecycleService(
		subscriptionRepo,
		planRepo,
		userRepo,
		gatewayC,
		logger,
	)
	reconciler := webhookUsecase.NewReconciler(
		subscriptionRepo,
		transactionRepo,
		[]byte(s.cfg.WebhookSecret),
		logger,
	)
	s.scheduler = schedulerUsecase.NewScheduler(
		subscriptionRepo,
		transactionRepo,
		planRepo,
		lifecycleService,
		gatewayC,
		lock.NewRedisLocker(redisClient),
		schedulerUsecase.Config{
			Interval:    s.cfg.SchedulerInterval,
			GracePeriod: s.cfg.RenewalGracePeriod,
		},
		logger,
	)
	s.scheduler.Start(ctx)

	// ----- Handlers -----
	webhookHandlerInst := webhookHandler.NewWebhookHandler(reconciler, s.cfg.SignatureHeader, logger)
	subscriptionHandlerInst := subscriptionHandler.NewSubscriptionHandler(lifecycleService)
	schedulerHandlerInst := schedulerHandler.NewSchedulerHandler(s.scheduler)

	// ----- Middlewares -----
	opsAuth := middleware.NewOpsAuthMiddleware(s.cfg.OpsTokenSecret)

	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(),
	)

	// ----- Router -----
	handlers := &Handlers{
		WebhookHandler:      webhookHandlerInst,
		SubscriptionHandler: subscriptionHandlerInst,
		SchedulerHandler:    schedulerHandlerInst,
		OpsAuth:             opsAuth,
	}
	SetupRouter(s.engine, logger, handlers)

	// ----- Start HTTP -----
	s.httpSrv = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.engine}
	log.Printf("🚀 Server running on %s", s.cfg.HTTPAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the scheduler and drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.logger != nil {
		defer s.logger.Sync()
	}
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
