package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/shiftmarket/escrow/internal/audit/domain"
	"github.com/shiftmarket/escrow/internal/config"
	disputedomain "github.com/shiftmarket/escrow/internal/dispute/domain"
	escrowdomain "github.com/shiftmarket/escrow/internal/escrow/domain"
	ledgerdomain "github.com/shiftmarket/escrow/internal/ledger/domain"
	payoutdomain "github.com/shiftmarket/escrow/internal/payout/domain"
	webhookdomain "github.com/shiftmarket/escrow/internal/webhook/domain"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	DB      *gorm.DB
	Escrow  escrowdomain.Service
	Dispute disputedomain.Service
	Payout  payoutdomain.Service
	Ledger  ledgerdomain.Recorder
	Webhook webhookdomain.Reconciler
	Audit   auditdomain.Recorder
}

type Server struct {
	engine *gin.Engine

	cfg        config.Config
	log        *zap.Logger
	db         *gorm.DB
	escrowSvc  escrowdomain.Service
	disputeSvc disputedomain.Service
	payoutSvc  payoutdomain.Service
	ledgerSvc  ledgerdomain.Recorder
	webhookSvc webhookdomain.Reconciler
	audit      auditdomain.Recorder

	webhookLimiter *rateLimiter
}

func NewEngine(cfg config.Config) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	return engine
}

func NewServer(engine *gin.Engine, p Params) *Server {
	return &Server{
		engine:     engine,
		cfg:        p.Config,
		log:        p.Log.Named("server"),
		db:         p.DB,
		escrowSvc:  p.Escrow,
		disputeSvc: p.Dispute,
		payoutSvc:  p.Payout,
		ledgerSvc:  p.Ledger,
		webhookSvc: p.Webhook,
		audit:      p.Audit,

		webhookLimiter: newRateLimiter(120, time.Minute),
	}
}

// RegisterAPIRoutes wires every endpoint. Webhooks authenticate by
// signature, not by bearer token; everything else under /api requires
// a valid token.
func (s *Server) RegisterAPIRoutes() {
	s.engine.GET("/healthz", s.Healthz)
	s.engine.POST("/payments/webhooks/:processor", s.limitWebhooks(), s.HandleWebhook)

	api := s.engine.Group("/api")
	api.Use(s.jwtAuth())
	{
		payments := api.Group("/payments")
		payments.POST("/authorize", s.requireRole("service", "admin"), s.AuthorizePayment)
		payments.POST("/refund", s.RefundPayment)
		payments.GET("/:id", s.GetPayment)
		payments.POST("/:id/release", s.ReleasePayment)

		disputes := api.Group("/disputes")
		disputes.POST("", s.OpenDispute)
		disputes.GET("/:id", s.GetDispute)
		disputes.POST("/:id/review", s.requireRole("admin"), s.ReviewDispute)
		disputes.POST("/:id/resolve", s.requireRole("admin"), s.ResolveDispute)
		disputes.POST("/:id/close", s.requireRole("admin"), s.CloseDispute)

		payouts := api.Group("/payouts")
		payouts.GET("/balance", s.GetBalance)
		payouts.POST("/request", s.RequestPayout)
		payouts.GET("/:id", s.GetPayout)
		payouts.POST("/:id/process", s.requireRole("admin", "service"), s.ProcessPayout)

		api.GET("/transactions", s.ListTransactions)
		api.GET("/audit", s.requireRole("admin"), s.ListAuditLogs)
	}
}

// limitWebhooks throttles webhook deliveries per source address. A
// misbehaving sender gets 429s while signed traffic from other sources
// keeps flowing.
func (s *Server) limitWebhooks() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Allow(c.ClientIP()) {
			AbortWithError(c, &APIError{
				Status:  http.StatusTooManyRequests,
				Code:    "rate_limited",
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP starts the listener under the fx lifecycle.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
