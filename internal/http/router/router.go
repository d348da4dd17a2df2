package router

import (
	"net/http"
	"strings"
	"time"

	apphttp "chatbridge_backend/internal/http"
	"chatbridge_backend/internal/http/middleware"
	"chatbridge_backend/platform/config"
	"chatbridge_backend/platform/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func New(cfg *config.Config, log *logger.Logger, modules []apphttp.Module) *gin.Engine {
	if !strings.EqualFold(cfg.Env, "development") {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(log))
	engine.Use(cors.New(corsConfig(cfg)))

	engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/api/v1")
	ctx := &apphttp.RouterContext{Engine: engine, V1: v1}
	for _, m := range modules {
		m.RegisterRoutes(ctx)
		log.Info("registered http module", "module", m.Name())
	}

	return engine
}

func corsConfig(cfg *config.Config) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if cfg.CORSAllowAll {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.CORSOrigins
	}
	return corsCfg
}
