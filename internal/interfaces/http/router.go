// Package http exposes the request lifecycle over REST.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/infrastructure/monitoring"
	"github.com/eldorplus/pki/internal/infrastructure/ratelimit"
	"github.com/eldorplus/pki/internal/interfaces/http/handlers"
	"github.com/eldorplus/pki/internal/interfaces/http/middleware"
	"github.com/eldorplus/pki/pkg/logger"
	"github.com/eldorplus/pki/pkg/utils"
)

// Deps are the collaborators the router mounts.
type Deps struct {
	Gate    middleware.Authenticator
	KRA     *handlers.KRAHandler
	CA      *handlers.CAHandler
	Health  *handlers.HealthHandler
	Metrics *monitoring.Metrics
	// Limiter is optional.
	Limiter ratelimit.Limiter
}

// Router HTTP 路由器
type Router struct {
	engine *gin.Engine
	cfg    *config.Config
	log    logger.Logger
	server *http.Server
}

// NewRouter builds the gin engine and mounts every route.
func NewRouter(cfg *config.Config, deps Deps, log logger.Logger) *Router {
	utils.RegisterValidations()
	engine := gin.New()
	r := &Router{engine: engine, cfg: cfg, log: log.WithComponent("HTTPRouter")}
	r.setupRoutes(deps)
	return r
}

func (r *Router) setupRoutes(deps Deps) {
	r.engine.Use(gin.Recovery(), middleware.RequestID(), middleware.Logging(r.log))
	if deps.Metrics != nil {
		r.engine.Use(middleware.Observability(deps.Metrics.HTTPRequests, deps.Metrics.HTTPDuration))
	}

	origins := r.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.engine.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", middleware.HeaderRequestID},
		ExposeHeaders: []string{middleware.HeaderRequestID, "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}))

	if deps.Health != nil {
		r.engine.GET("/health", deps.Health.Health)
	}
	if deps.Metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}
	if r.cfg.Server.EnablePprof {
		pprof.Register(r.engine)
	}

	api := r.engine.Group("/", middleware.Credentials(r.cfg.Auth.DefaultManager))
	agent := []gin.HandlerFunc{middleware.Authenticate(deps.Gate, r.log)}
	if deps.Limiter != nil {
		agent = append(agent, middleware.RateLimit(deps.Limiter, r.log))
	}

	if deps.KRA != nil {
		deps.KRA.Register(api.Group("/kra", agent...))
	}
	if deps.CA != nil {
		public := api.Group("/ca")
		if deps.Limiter != nil {
			public.Use(middleware.RateLimit(deps.Limiter, r.log))
		}
		deps.CA.RegisterPublic(public)
		deps.CA.RegisterAgent(api.Group("/ca", agent...))
	}

	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":             "not_found",
			"error_description": "The requested resource was not found",
		})
	})
}

// Handler returns the instrumented root handler.
func (r *Router) Handler() http.Handler {
	return otelhttp.NewHandler(r.engine, "pki-http")
}

// Engine exposes the gin engine, mainly for tests.
func (r *Router) Engine() *gin.Engine { return r.engine }

// Start serves until Stop is called or the listener fails.
func (r *Router) Start() error {
	addr := fmt.Sprintf("%s:%d", r.cfg.Server.Host, r.cfg.Server.Port)
	r.server = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadTimeout:       r.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      r.cfg.Server.WriteTimeout,
		MaxHeaderBytes:    1 << 20,
	}
	r.log.Info(context.Background(), "starting HTTP server", logger.String("address", addr))
	if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight calls.
func (r *Router) Stop(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	r.log.Info(ctx, "stopping HTTP server")
	return r.server.Shutdown(ctx)
}
