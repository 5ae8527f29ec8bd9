package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lime_farm/internal/bootstrap"
	"lime_farm/internal/config"
	httpServer "lime_farm/internal/http"
	"lime_farm/internal/http/handlers"
	"lime_farm/internal/http/middleware"
	"lime_farm/internal/logger"
	"lime_farm/internal/service"

	"github.com/gin-gonic/gin"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", "error", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogJSON)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Open(ctx, cfg, bootstrap.Options{Migrate: true})
	if err != nil {
		logger.Fatal("open ledger store", "error", err)
	}
	defer stack.Close()

	var tokens *service.TokenIssuer
	if cfg.JWTSecret != "" {
		if tokens, err = service.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL); err != nil {
			logger.Fatal("jwt", "error", err)
		}
	} else {
		logger.Warn("JWT_SECRET not set; user routes are unauthenticated")
	}

	var redisLimiter *middleware.RedisLimiter
	if cfg.RedisAddr != "" {
		redisLimiter, err = middleware.NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Warn("redis unavailable; using per-process rate limits", "error", err)
			redisLimiter = nil
		} else {
			defer redisLimiter.Close()
		}
	}

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS for the Mini App frontend served from another origin
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	h := handlers.NewHandler(stack.Ledger, handlers.HandlerConfig{
		BotToken:   cfg.BotToken,
		Tokens:     tokens,
		AuthMaxAge: cfg.AuthMaxAge,
		Production: cfg.Production(),
	})
	httpServer.RegisterRoutes(r, h, httpServer.RouteConfig{
		Version:       version,
		StoreBackend:  stack.Backend,
		Redis:         redisLimiter,
		APIRateLimit:  cfg.APIRateLimit,
		APIRateWindow: cfg.APIRateWindow,
	})

	sweeper := service.NewSweeper(stack.Ledger, cfg.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server started", "port", cfg.AppPort, "store", stack.Backend, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}
