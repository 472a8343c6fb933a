package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/carehub/internal/attendance"
	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/observability"
	obsmiddleware "github.com/smallbiznis/carehub/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/carehub/internal/observability/metrics"
	obstracing "github.com/smallbiznis/carehub/internal/observability/tracing"
	"github.com/smallbiznis/carehub/internal/ratelimit"
	recorddomain "github.com/smallbiznis/carehub/internal/record/domain"
	"github.com/smallbiznis/carehub/internal/session"
	visitdomain "github.com/smallbiznis/carehub/internal/visit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		TenantID:        obsCfg.TenantID,
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(obsmetrics.GinMiddleware(httpMetrics))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	sessions   *session.Registry
	policy     *authorization.Policy
	records    recorddomain.Service
	visits     visitdomain.Service
	attendance *attendance.Service
	limiter    *ratelimit.WriteLimiter
	obsMetrics *obsmetrics.Metrics
	verifier   *tokenVerifier
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Sessions   *session.Registry
	Policy     *authorization.Policy
	Records    recorddomain.Service
	Visits     visitdomain.Service
	Attendance *attendance.Service
	Limiter    *ratelimit.WriteLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        log.Named("http.server"),
		sessions:   p.Sessions,
		policy:     p.Policy,
		records:    p.Records,
		visits:     p.Visits,
		attendance: p.Attendance,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
		verifier:   newTokenVerifier(p.Cfg.AuthJWTSecret, p.Cfg.AuthJWTIssuer),
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")
	api.Use(s.PrincipalRequired())

	// -------- Session --------
	api.POST("/session", s.OpenSession)
	api.GET("/session", s.SessionRequired(), s.GetSession)
	api.DELETE("/session", s.CloseSession)
	api.PUT("/session/focus", s.SessionRequired(), s.ActiveRequired(), s.SetFocus)
	api.GET("/modules", s.SessionRequired(), s.ListModules)

	active := api.Group("", s.SessionRequired(), s.ActiveRequired())

	// -------- Records --------
	active.GET("/records/:category", s.RequireVisible(), s.ListRecords)
	active.POST("/records/:category", s.RequireVisible(), s.WriteRateLimit(), s.CreateRecord)
	active.PATCH("/records/:category/:id", s.RequireVisible(), s.WriteRateLimit(), s.UpdateRecord)
	active.POST("/records/:category/:id/archive", s.RequireVisible(), s.WriteRateLimit(), s.ArchiveRecord)
	active.GET("/live/:category", s.RequireVisible(), s.StreamCategory)

	// -------- Workflows --------
	active.POST("/clients/:id/discharge", s.WriteRateLimit(), s.DischargeClient)
	active.POST("/visits/:id/complete", s.WriteRateLimit(), s.CompleteVisit)
	active.POST("/attendance/call-off", s.WriteRateLimit(), s.CallOff)
	active.POST("/broadcasts", s.WriteRateLimit(), s.SendBroadcast)

	// -------- Dashboard --------
	active.GET("/dashboard", s.GetDashboard)
	active.GET("/schedule/matrix", s.GetScheduleMatrix)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
