package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/coursepay/internal/checkout"
	"github.com/smallbiznis/coursepay/internal/config"
	coursedomain "github.com/smallbiznis/coursepay/internal/course/domain"
	entitlementdomain "github.com/smallbiznis/coursepay/internal/entitlement/domain"
	"github.com/smallbiznis/coursepay/internal/identity"
	"github.com/smallbiznis/coursepay/internal/observability"
	obsmiddleware "github.com/smallbiznis/coursepay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/coursepay/internal/observability/tracing"
	"github.com/smallbiznis/coursepay/internal/payment/webhook"
	"github.com/smallbiznis/coursepay/internal/restore"
	subscriptiondomain "github.com/smallbiznis/coursepay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxWebhookBody caps notification payloads read into memory.
const maxWebhookBody = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
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
	engine        *gin.Engine
	db            *gorm.DB
	cfg           config.Config
	log           *zap.Logger
	verifier      identity.Verifier
	checkout      *checkout.Service
	restore       *restore.Service
	webhooks      *webhook.Service
	courses       coursedomain.Service
	entitlements  entitlementdomain.Service
	subscriptions subscriptiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	DB            *gorm.DB
	Cfg           config.Config
	Log           *zap.Logger
	Verifier      identity.Verifier
	Checkout      *checkout.Service
	Restore       *restore.Service
	Webhooks      *webhook.Service
	Courses       coursedomain.Service
	Entitlements  entitlementdomain.Service
	Subscriptions subscriptiondomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		db:            p.DB,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		verifier:      p.Verifier,
		checkout:      p.Checkout,
		restore:       p.Restore,
		webhooks:      p.Webhooks,
		courses:       p.Courses,
		entitlements:  p.Entitlements,
		subscriptions: p.Subscriptions,
	}

	svc.engine.GET("/health", svc.Health)
	svc.registerAPIRoutes()
	svc.registerInternalRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Payment Webhooks --------
	api.POST("/payments/webhooks/stripe", s.HandleStripeWebhook)

	authed := api.Group("", s.SubjectRequired())

	// -------- Checkout --------
	authed.POST("/checkout", s.CreateCheckoutSession)
	authed.POST("/checkout/verify", s.VerifyCheckoutSession)

	// -------- Purchases --------
	authed.POST("/purchases/restore", s.RestorePurchases)

	// -------- Subscriptions --------
	authed.POST("/subscriptions/cancel", s.CancelSubscription)

	// -------- Entitlements --------
	authed.GET("/entitlements", s.ListEntitlements)
	authed.GET("/entitlements/:course_id", s.GetEntitlement)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.AdminRequired())

	internal.POST("/courses/:id/sync-price", s.SyncCoursePrice)
	internal.GET("/notifications", s.ListNotifications)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
