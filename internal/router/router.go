package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/deadline-sync/internal/middleware"
	"github.com/jwalitptl/deadline-sync/pkg/logger"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type RouterConfig struct {
	RateLimit      rate.Limit
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodySize    int64
	CORSConfig     middleware.CORSConfig
	// Gatherer backs the metrics endpoint. Nil serves the default registry.
	Gatherer    prometheus.Gatherer
	MetricsPath string
}

type Router struct {
	engine *gin.Engine
	health Handler
	api    []Handler
	config RouterConfig
}

// NewRouter builds the engine and its middleware chain. health is mounted
// at the root; api handlers under /api/v1.
func NewRouter(log *logger.Logger, m *metrics.Metrics, health Handler, api []Handler, config RouterConfig) *Router {
	engine := gin.New()

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = middleware.DefaultTimeoutConfig().Duration
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = middleware.DefaultSizeLimitConfig().MaxBodySize
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		middleware.ErrorHandler(log),
		middleware.Metrics(m),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(config.CORSConfig),
	)

	return &Router{
		engine: engine,
		health: health,
		api:    api,
		config: config,
	}
}

func (r *Router) Setup() {
	root := r.engine.Group("")
	r.health.RegisterRoutes(root)
	r.engine.GET(r.config.MetricsPath, gin.WrapH(promhttp.HandlerFor(r.config.Gatherer, promhttp.HandlerOpts{})))

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  r.config.RateLimit,
		Burst: r.config.RateBurst,
	})

	api := r.engine.Group("/api/v1")
	api.Use(
		rateLimiter.RateLimit(),
		middleware.Timeout(middleware.TimeoutConfig{Duration: r.config.RequestTimeout}),
		middleware.SizeLimit(middleware.SizeLimitConfig{
			MaxBodySize:  r.config.MaxBodySize,
			ErrorMessage: middleware.DefaultSizeLimitConfig().ErrorMessage,
		}),
	)
	for _, h := range r.api {
		h.RegisterRoutes(api)
	}
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
