package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpsync/config"
	"perpsync/database"
	"perpsync/logger"
	"perpsync/order"
	"perpsync/position"
	"perpsync/storage"
)

// WebServer Web服务器
type WebServer struct {
	server     *http.Server
	cfg        *config.Config
	db         database.Database
	manager    *position.Manager
	dispatcher *order.Dispatcher
	logStore   *storage.LogStorage // 可为 nil
}

// NewWebServer 创建Web服务器
func NewWebServer(cfg *config.Config, db database.Database, manager *position.Manager, dispatcher *order.Dispatcher, logStore *storage.LogStorage) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	// 设置Gin模式
	if strings.EqualFold(cfg.System.LogLevel, "debug") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ws := &WebServer{
		cfg:        cfg,
		db:         db,
		manager:    manager,
		dispatcher: dispatcher,
		logStore:   logStore,
	}

	r := gin.New()
	r.Use(gin.Recovery())

	ws.setupRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	ws.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return ws
}

// setupRoutes 设置路由
func (ws *WebServer) setupRoutes(r *gin.Engine) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 健康检查（不需要认证，供负载均衡探活）
	r.GET("/api/health", ws.getHealth)

	// pprof 性能分析端点（调试用，生产环境建议通过防火墙限制访问）
	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
	}

	// 业务API
	api := r.Group("/api")
	api.Use(ws.apiKeyMiddleware())
	{
		api.GET("/position", ws.getPosition)
		api.GET("/ledger", ws.getLedger)
		api.GET("/events", ws.getEvents)
		api.GET("/snapshots", ws.getSnapshots)
		api.GET("/logs", ws.getLogs)
		api.GET("/status", ws.getStatus)
	}
}

// apiKeyMiddleware API 密钥认证（未配置密钥时放行）
func (ws *WebServer) apiKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ws.cfg.Web.APIKey
		if key == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的 API 密钥"})
			return
		}
		c.Next()
	}
}

// Start 启动Web服务器
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s:%d", ws.cfg.Web.Host, ws.cfg.Web.Port)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
		}
	}()

	// 等待context取消
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("❌ Web服务器关闭失败: %v", err)
		} else {
			logger.Info("✅ Web服务器已关闭")
		}
	}()

	return nil
}

// Stop 停止Web服务器
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
	}
}
