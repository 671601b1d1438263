package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/api/handlers"
	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/middleware"
	"github.com/apk-analysis/apk-rebuild-go/internal/service"
)

// HealthCheck 依赖健康检查，返回 nil 表示正常
type HealthCheck func(ctx context.Context) error

// Dependencies 路由所需的组件
type Dependencies struct {
	Service service.RebuildService
	Metrics *middleware.PrometheusMetrics // 可为 nil
	Checks  map[string]HealthCheck
}

func SetupRouter(cfg *config.Config, logger *logrus.Logger, deps Dependencies) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
		r.GET("/metrics", deps.Metrics.Handler())
	}

	r.GET("/health", healthHandler(deps.Checks))

	rebuildHandler := handlers.NewRebuildHandler(
		deps.Service,
		logger,
		cfg.Storage.InputDir,
		cfg.Server.MaxUploadMB,
		cfg.Server.SyncByDefault,
	)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.TokenAuth(cfg.Server.APIToken))
	{
		v1.POST("/rebuilds", rebuildHandler.CreateRebuild)
		v1.GET("/rebuilds", rebuildHandler.ListRebuilds)
		v1.GET("/rebuilds/:id", rebuildHandler.GetRebuild)
		v1.GET("/rebuilds/:id/download", rebuildHandler.DownloadRebuild)
		v1.GET("/stats", rebuildHandler.GetStats)
	}

	return r
}

func healthHandler(checks map[string]HealthCheck) gin.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		components := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				components[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			components[name] = "ok"
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		c.JSON(status, gin.H{
			"status":     overall,
			"components": components,
		})
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition, X-Content-SHA256")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
