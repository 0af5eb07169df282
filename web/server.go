package web

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autofutures/config"
	"autofutures/database"
	"autofutures/engine"
	"autofutures/event"
	"autofutures/gateway"
	"autofutures/ledger"
	"autofutures/logger"
	"autofutures/monitor"
	"autofutures/storage"
)

// Server HTTP/WebSocket 服务
type Server struct {
	cfg        *config.Config
	db         database.Database
	store      *ledger.Store
	engine     *engine.Manager
	hub        *event.Hub
	logStorage *storage.LogStorage
	collector  *monitor.Collector
	factory    *gateway.Factory

	router *gin.Engine
	srv    *http.Server
}

// NewServer 创建服务并装配路由
func NewServer(cfg *config.Config, db database.Database, store *ledger.Store, eng *engine.Manager, hub *event.Hub, ls *storage.LogStorage, collector *monitor.Collector, factory *gateway.Factory) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        cfg,
		db:         db,
		store:      store,
		engine:     eng,
		hub:        hub,
		logStorage: ls,
		collector:  collector,
		factory:    factory,
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(s.requestMetrics())

	// Prometheus 抓取端点，无需认证
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// pprof 调试端点
	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
	}

	api := r.Group("/api")
	{
		api.GET("/health", s.getHealth)

		// 认证路由，无需登录
		auth := api.Group("/auth")
		{
			auth.POST("/register", s.register)
			auth.POST("/login", s.login)
		}

		// 业务路由，JWT 保护
		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			protected.GET("/auth/me", s.getCurrentUser)

			trade := protected.Group("/trade")
			{
				trade.POST("/start", s.startTrading)
				trade.POST("/stop", s.stopTrading)
				trade.GET("/status", s.getTradeStatus)
				trade.GET("/active", s.getActiveTrades)
				trade.GET("/history", s.getTradeHistory)
				trade.GET("/logs", s.getBotLogs)
				trade.GET("/parameters", s.getParameters)
				trade.PUT("/parameters", s.updateParameters)
			}

			settings := protected.Group("/settings")
			{
				settings.GET("", s.getSettings)
				settings.PUT("", s.updateSettings)
			}

			exchanges := protected.Group("/exchanges")
			{
				exchanges.GET("", s.getExchanges)
				exchanges.POST("/connect", s.connectExchange)
				exchanges.GET("/balances", s.getBalances)
				exchanges.GET("/:exchange/price/:symbol", s.getExchangePrice)
			}

			analytics := protected.Group("/analytics")
			{
				analytics.GET("/pnl", s.getPnLAnalytics)
				analytics.GET("/statistics", s.getStatistics)
			}

			protected.GET("/system", s.getSystemMetrics)
			protected.GET("/logs", s.getAppLogs)
		}

		// WebSocket 在握手参数里带 token
		api.GET("/ws", s.handleWebSocket)
	}
	return r
}

// Start 启动 HTTP 服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket 长连接
	}

	logger.Info("🚀 Web 服务启动: http://%s", addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web 服务异常退出: %v", err)
		}
	}()
	return nil
}

// Stop 优雅停止
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	logger.Info("🛑 停止 Web 服务...")
	return s.srv.Shutdown(ctx)
}

// Router 测试使用
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) getHealth(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
