package http

import (
	"time"

	"lime_farm/internal/http/handlers"
	"lime_farm/internal/http/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouteConfig carries what RegisterRoutes needs beyond the handlers.
type RouteConfig struct {
	Version string
	// StoreBackend is reported by /readyz ("postgres" or "memory").
	StoreBackend string

	// Redis, when set, backs the rate limits; otherwise a per-process
	// limiter is used.
	Redis         *middleware.RedisLimiter
	APIRateLimit  int
	APIRateWindow time.Duration
}

func (rc RouteConfig) limiter(maxRequests int, window time.Duration, key middleware.KeyFunc) gin.HandlerFunc {
	if maxRequests <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if rc.Redis != nil {
		return rc.Redis.Limit(maxRequests, window, key)
	}
	return middleware.NewLocalLimiter(maxRequests, window).Limit(key)
}

func RegisterRoutes(r *gin.Engine, h *handlers.Handler, rc RouteConfig) {
	if rc.APIRateWindow <= 0 {
		rc.APIRateWindow = time.Minute
	}
	authRateLimit := rc.APIRateLimit / 6
	if rc.APIRateLimit > 0 && authRateLimit < 1 {
		authRateLimit = 1
	}

	r.Use(middleware.RequestID(), middleware.Metrics())

	healthHandler := handlers.NewHealthHandler(h.Ledger, rc.StoreBackend, rc.Version, h.Production())

	// Health checks (no rate limiting)
	r.GET("/health", healthHandler.Health)
	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	userLimit := rc.limiter(rc.APIRateLimit, rc.APIRateWindow, middleware.ByUser)
	authLimit := rc.limiter(authRateLimit, rc.APIRateWindow, middleware.ByClientIP)

	v1 := r.Group("/api/v1")
	registerAPIRoutes(v1, h, userLimit, authLimit)

	// Legacy /api routes for clients built before versioning
	api := r.Group("/api")
	api.GET("/health", healthHandler.Health)
	registerAPIRoutes(api, h, userLimit, authLimit)
}

func registerAPIRoutes(api *gin.RouterGroup, h *handlers.Handler, userLimit, authLimit gin.HandlerFunc) {
	api.POST("/auth", authLimit, h.Auth)

	users := api.Group("/users/:userId")
	users.Use(userLimit, middleware.Auth(h.Tokens))
	{
		users.GET("", h.GetUser)
		users.PUT("", h.UpdateUser)
		users.POST("/start-farming", h.StartFarming)
		users.POST("/daily-reward", h.ClaimDailyReward)
		users.POST("/attempts", h.UpdateAttempts)
		users.GET("/referrals", h.GetReferrals)
		users.POST("/referrals", h.ApplyReferral)
		users.GET("/history", h.History)
	}
}
