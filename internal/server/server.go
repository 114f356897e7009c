package server

import (
	"context"
	"net/http"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/counter"
	"github.com/draftforge/draftforge/internal/handler"
	"github.com/draftforge/draftforge/internal/llm"
	"github.com/draftforge/draftforge/internal/middleware"
	"github.com/draftforge/draftforge/internal/quota"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/draftforge/draftforge/internal/repository"
	"github.com/draftforge/draftforge/internal/service"
	"github.com/draftforge/draftforge/internal/storage"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	redis      *storage.RedisClient
	postgres   *storage.Postgres
	httpServer *http.Server

	memoryStore  *counter.MemoryStore
	counterStore counter.Store
	fallback     *counter.FallbackStore
	ledger       *quota.Ledger
	dispatcher   *llm.Dispatcher

	apiKeyService    *service.APIKeyService
	authService      *service.AuthService
	analyticsService *service.AnalyticsService

	apiKeyHandler    *handler.APIKeyHandler
	authHandler      *handler.AuthHandler
	analyticsHandler *handler.AnalyticsHandler
	generateHandler  *handler.GenerateHandler
	systemHandler    *handler.SystemHandler

	retentionStop chan struct{}
}

// redis may be nil; counters then live in process memory only.
func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:   gin.New(),
		config:   cfg,
		redis:    redis,
		postgres: postgres,
	}

	if err := s.initLimiters(); err != nil {
		return nil, err
	}
	s.initServices()
	s.setupMiddleware()
	s.setupRoutes()
	s.startLogRetention()

	return s, nil
}

func (s *Server) initLimiters() error {
	// The in-memory store is always built: it is either the sole backend or
	// the degradation target when Redis is unreachable.
	s.memoryStore = counter.NewMemoryStore(s.config.RateLimit.MaxTrackedKeys)
	sweep := time.Duration(s.config.RateLimit.SweepSeconds) * time.Second
	if sweep <= 0 {
		sweep = counter.DefaultSweepInterval
	}
	s.memoryStore.StartSweeper(sweep)

	if s.config.Redis.Addr() != "" && s.redis != nil {
		s.fallback = counter.NewFallbackStore(counter.NewRedisStore(s.redis), s.memoryStore)
		s.counterStore = s.fallback
	} else {
		s.counterStore = s.memoryStore
	}

	fileStore, err := quota.NewFileStore(s.config.Quota.FallbackDir)
	if err != nil {
		return err
	}
	s.ledger = quota.NewLedger(quota.NewGormStore(s.postgres), fileStore, s.config.Tiers)

	dispatcher, err := llm.NewDispatcher(s.config.LLM)
	if err != nil {
		return err
	}
	s.dispatcher = dispatcher

	return nil
}

func (s *Server) initServices() {
	apiKeyRepo := repository.NewAPIKeyRepository(s.postgres)
	userRepo := repository.NewUserRepository(s.postgres)
	logRepo := repository.NewRequestLogRepository(s.postgres)

	s.apiKeyService = service.NewAPIKeyService(apiKeyRepo, s.redis)
	s.authService = service.NewAuthService(userRepo, s.config.Auth.JWTSecret, s.config.Auth.JWTExpiryHours)
	s.analyticsService = service.NewAnalyticsService(logRepo)

	s.apiKeyHandler = handler.NewAPIKeyHandler(s.apiKeyService, s.config.Tiers)
	s.authHandler = handler.NewAuthHandler(s.authService)
	s.analyticsHandler = handler.NewAnalyticsHandler(s.analyticsService)
	s.generateHandler = handler.NewGenerateHandler(llm.NewGenerator(s.dispatcher))
	s.systemHandler = handler.NewSystemHandler(s.dispatcher, s.fallback, s.ledger)

	middleware.InitRequestLogger(s.postgres, 1000)
}

// startLogRetention purges old request logs once a day.
func (s *Server) startLogRetention() {
	days := s.config.Server.LogRetentionDays
	if days <= 0 {
		return
	}

	s.retentionStop = make(chan struct{})

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				deleted, err := s.analyticsService.CleanupOldLogs(ctx, days)
				cancel()

				if err != nil {
					log.WithError(err).Warn("request log cleanup failed")
				} else if deleted > 0 {
					log.WithField("deleted", deleted).Info("purged old request logs")
				}
			case <-s.retentionStop:
				return
			}
		}
	}()
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.RequestLogger())
	s.router.Use(middleware.Admission(s.counterStore, s.config))
	s.router.Use(middleware.APIKeyValidator(s.apiKeyService))

	tierLimiter := ratelimit.NewTierLimiter(s.counterStore, s.config.Tiers)
	s.router.Use(middleware.TierRateLimit(tierLimiter, s.config.Server.UpgradeURL))
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.authHandler.Register)
		auth.POST("/login", s.authHandler.Login)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth(s.authService))
	{
		admin.GET("/me", s.authHandler.Me)

		admin.POST("/keys", s.apiKeyHandler.Create)
		admin.GET("/keys", s.apiKeyHandler.List)
		admin.GET("/keys/:id", s.apiKeyHandler.Get)
		admin.PATCH("/keys/:id", s.apiKeyHandler.Update)
		admin.DELETE("/keys/:id", s.apiKeyHandler.Delete)
		admin.GET("/tiers", s.apiKeyHandler.Tiers)

		admin.GET("/analytics", s.analyticsHandler.GetSummary)
		admin.GET("/analytics/keys/:id", s.analyticsHandler.GetAPIKeyStats)
		admin.GET("/logs", s.analyticsHandler.GetLogs)

		admin.GET("/system/limiters", s.systemHandler.Limiters)
	}

	generate := s.router.Group("/api/v1/generate")
	generate.Use(middleware.QuotaCheck(s.ledger, s.config))
	{
		generate.POST("/blog", s.generateHandler.Blog)
		generate.POST("/outline", s.generateHandler.Outline)
		generate.POST("/image", s.generateHandler.Image)
		generate.POST("/brand-voice", s.generateHandler.BrandVoice)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	redisHealthy := true
	if s.redis != nil {
		if err := s.redis.Ping(c.Request.Context()); err != nil {
			redisHealthy = false
			log.WithError(err).Warn("redis health check failed")
		}
	}

	dbHealthy := true
	if err := s.postgres.Ping(c.Request.Context()); err != nil {
		dbHealthy = false
		log.WithError(err).Warn("database health check failed")
	}

	status := "healthy"
	statusCode := http.StatusOK

	// Redis loss alone is degraded-but-serving: counters fall back to the
	// in-memory store.
	if !dbHealthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else if !redisHealthy {
		status = "degraded"
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "draftforge",
		"version":   "1.0.0",
		"timestamp": time.Now().Unix(),
		"checks": gin.H{
			"redis":    redisHealthy,
			"database": dbHealthy,
		},
	})
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 150 * time.Second, // generation calls can be slow
		IdleTimeout:  60 * time.Second,
	}

	log.WithFields(log.Fields{
		"addr":        addr,
		"environment": s.config.Server.Environment,
	}).Info("starting server")

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down server")

	s.dispatcher.Close()
	s.memoryStore.StopSweeper()
	if s.retentionStop != nil {
		close(s.retentionStop)
	}

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}
