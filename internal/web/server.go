// internal/web/server.go
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"darn/internal/config"
	"darn/internal/metrics"
	"darn/internal/pipeline"
	"darn/internal/store"
)

type Server struct {
	config  *config.Config
	store   store.Store
	engine  *pipeline.Engine
	metrics *metrics.Collector
	router  *gin.Engine
	server  *http.Server

	wsMu      sync.Mutex
	wsClients map[*WSClient]bool
}

func NewServer(cfg *config.Config, st store.Store, engine *pipeline.Engine, collector *metrics.Collector) *Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	server := &Server{
		config:    cfg,
		store:     st,
		engine:    engine,
		metrics:   collector,
		router:    router,
		wsClients: make(map[*WSClient]bool),
	}

	server.setupRoutes()

	// Completed verifications and probes go out on the websocket feed.
	engine.Subscribe(func(ev pipeline.Event) {
		server.broadcast(WSMessage{Type: ev.Type, Data: ev.Data})
	})

	return server
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Server.Port,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	logrus.WithField("port", s.config.Server.Port).Info("Starting web server")

	go s.updateMetricsRoutine(ctx)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("Failed to start server")
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.POST("/refresh", s.refresh)
		api.POST("/sweep", s.sweep)
		api.POST("/verify/:ip", s.verifyNow)
		api.POST("/probe/:ip/:model", s.probeNow)

		api.GET("/endpoints", s.getEndpoints)
		api.GET("/endpoints/:ip", s.getEndpoint)
		api.GET("/probes", s.getProbes)

		api.GET("/chat/choices", s.getChatChoices)
		api.POST("/chat/relay", s.chatRelay)

		api.GET("/scheduler", s.getScheduler)
		api.PUT("/scheduler", s.updateScheduler)

		api.GET("/stats", s.getStats)
		api.GET("/health", s.healthCheck)
	}

	// WebSocket endpoint
	s.router.GET("/ws", s.handleWebSocket)

	// Prometheus metrics
	if s.config.Prometheus.Enabled {
		s.router.GET(s.config.Prometheus.MetricsPath, gin.WrapH(promhttp.Handler()))
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) getStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get store stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"store":     stats,
		"scheduler": s.engine.Scheduler().Status(),
	})
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.metrics.UpdateSystemMetrics(ctx); err != nil {
				logrus.WithError(err).Error("Failed to update system metrics")
			}
		}
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
