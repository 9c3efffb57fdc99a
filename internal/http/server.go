package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/pressroom/campaign-engine/internal/config"
	"github.com/pressroom/campaign-engine/internal/control"
	"github.com/pressroom/campaign-engine/internal/dispatch"
	"github.com/pressroom/campaign-engine/internal/http/middleware"
	"github.com/pressroom/campaign-engine/internal/launch"
	"github.com/pressroom/campaign-engine/internal/metrics"
	"github.com/pressroom/campaign-engine/internal/repository"
	"github.com/pressroom/campaign-engine/internal/snapshot"
	"github.com/pressroom/campaign-engine/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct{ e *echo.Echo }

func NewServer(
	cfg config.Config,
	mysqlDB, clickhouseDB *sqlx.DB,
	rds *redis.Client,
	compiler snapshot.TemplateCompiler,
	source snapshot.ContentSource,
) *Server {
	// repos (MySQL)
	operatorsRepo := repository.NewOperatorsRepository(mysqlDB)
	campaignsRepo := repository.NewCampaignsRepository(mysqlDB)
	recipientsRepo := repository.NewRecipientsRepository(mysqlDB)
	deliveriesRepo := repository.NewDeliveriesRepository(mysqlDB)
	snapshotsRepo := repository.NewSnapshotsRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	chDeliveriesRepo := repository.NewCHDeliveriesRepository(clickhouseDB)

	// services
	gate := control.NewGate(rds, campaignsRepo, cfg.Control.CacheTTL)
	builder := snapshot.NewBuilder(campaignsRepo, snapshotsRepo, recipientsRepo, compiler, source)
	launcher := launch.New(mysqlDB, campaignsRepo, recipientsRepo, deliveriesRepo, snapshotsRepo, outboxRepo, builder)
	controlSvc := control.NewService(mysqlDB, campaignsRepo, deliveriesRepo, outboxRepo, gate, cfg.Dispatcher.MaxRetries)
	dispatchSvc := dispatch.NewService(mysqlDB, campaignsRepo, deliveriesRepo, outboxRepo)
	statsSvc := stats.NewService(campaignsRepo, deliveriesRepo, cfg.Dispatcher.MaxAttempts)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(operatorsRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:op:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/campaigns/:id/start", startCampaignHandler(launcher))
	v1.POST("/campaigns/:id/pause", pauseCampaignHandler(controlSvc))
	v1.POST("/campaigns/:id/resume", resumeCampaignHandler(controlSvc))
	v1.POST("/campaigns/:id/cancel", cancelCampaignHandler(controlSvc))
	v1.POST("/campaigns/emergency-stop", emergencyStopHandler(controlSvc))
	v1.POST("/campaigns/:id/retries", retryDeliveriesHandler(dispatchSvc, cfg.Dispatcher.MaxRetries))
	v1.POST("/campaigns/:id/dead-letters", deadLetterHandler(dispatchSvc, cfg.Dispatcher.MaxAttempts))
	v1.POST("/campaigns/:id/snapshot", createSnapshotHandler(builder))
	v1.GET("/campaigns/:id/snapshot/verify", verifySnapshotHandler(builder))
	v1.GET("/campaigns/:id/stats", campaignStatsHandler(statsSvc))
	v1.GET("/campaigns/:id/deliveries", listDeliveriesHandler(chDeliveriesRepo))
	v1.POST("/deliveries/:id/engagement", recordEngagementHandler(dispatchSvc))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
