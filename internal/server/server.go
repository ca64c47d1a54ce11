// Package server exposes the HTTP surface: usage ingestion, manual
// export, dry-run, and export status, plus health and metrics.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	"github.com/smallbiznis/meterline/internal/observability"
	obsmiddleware "github.com/smallbiznis/meterline/internal/observability/logger"
	obstracing "github.com/smallbiznis/meterline/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type Server struct {
	cfg       config.Config
	log       *zap.Logger
	clock     clock.Clock
	usageSvc  usagedomain.Service
	exportSvc exportdomain.Service
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
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
	return NewEngine(obsCfg)
}

func NewServer(
	r *gin.Engine,
	cfg config.Config,
	log *zap.Logger,
	clk clock.Clock,
	usageSvc usagedomain.Service,
	exportSvc exportdomain.Service,
) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.Named("server"),
		clock:     clk,
		usageSvc:  usageSvc,
		exportSvc: exportSvc,
	}
	s.registerRoutes(r)
	return s
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.POST("/usage", s.ExportAuthRequired(), s.IngestUsage)

	exportGroup := r.Group("/export", s.ExportAuthRequired())
	exportGroup.POST("", s.Export)
	exportGroup.POST("/dry-run", s.DryRun)
	exportGroup.GET("/status", s.ExportStatus)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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
