package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/recurbill/internal/clock"
	"github.com/smallbiznis/recurbill/internal/config"
	"github.com/smallbiznis/recurbill/internal/observability"
	obslogger "github.com/smallbiznis/recurbill/internal/observability/logger"
	obstracing "github.com/smallbiznis/recurbill/internal/observability/tracing"
	recurringdomain "github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultHTTPAddr = ":8080"

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Correlation())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log = log.Named("http")

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.start", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	clock     clock.Clock
	recurring recurringdomain.Service
	scanner   *scheduler.Scanner
}

type ServerParams struct {
	fx.In

	Gin       *gin.Engine
	Cfg       config.Config
	Clock     clock.Clock
	Recurring recurringdomain.Service
	Scanner   *scheduler.Scanner
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		cfg:       p.Cfg,
		clock:     p.Clock,
		recurring: p.Recurring,
		scanner:   p.Scanner,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(OwnerRequired())

	recurring := api.Group("/recurring-invoices")
	recurring.POST("", s.CreateRecurringTemplate)
	recurring.GET("", s.ListRecurringTemplates)
	recurring.GET("/stats", s.GetRecurringStats)
	recurring.POST("/generate", s.GenerateDueInvoices)
	recurring.POST("/preview", s.PreviewRecurrenceRule)
	recurring.GET("/:id", s.GetRecurringTemplate)
	recurring.PUT("/:id", s.UpdateRecurringTemplate)
	recurring.DELETE("/:id", s.DeleteRecurringTemplate)
	recurring.POST("/:id/toggle", s.ToggleRecurringTemplate)
	recurring.GET("/:id/preview", s.PreviewRecurringTemplate)
	recurring.GET("/:id/history", s.GetRecurringHistory)
	recurring.POST("/:id/generate", s.GenerateRecurringInvoice)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
