// Package api exposes a read-only status HTTP server. It reports what
// the engine is doing; it never accepts commands.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"martingrid/executor"
	"martingrid/grid"
	"martingrid/ledger"
	"martingrid/logger"
	"martingrid/store"
)

// StatusSource is what the server reads from the running engine.
type StatusSource interface {
	ActiveGrids() []grid.Snapshot
	OpenPositions() []ledger.PositionRecord
	Stats() ledger.Stats
	PendingOrders(symbol string) []executor.PendingOrder
}

// Server HTTP status server.
type Server struct {
	router     *gin.Engine
	source     StatusSource
	store      *store.Store
	httpServer *http.Server
	port       int
	startTime  time.Time
}

// NewServer creates the status server. The store may be nil when
// persistence is disabled.
func NewServer(source StatusSource, st *store.Store, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router:    router,
		source:    source,
		store:     st,
		port:      port,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/health", s.handleHealth)
		apiGroup.GET("/grids", s.handleGrids)
		apiGroup.GET("/grids/:symbol/events", s.handleGridEvents)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/positions/history", s.handlePositionHistory)
		apiGroup.GET("/orders/pending", s.handlePendingOrders)
		apiGroup.GET("/stats", s.handleStats)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"active_grids":   len(s.source.ActiveGrids()),
	})
}

func (s *Server) handleGrids(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"grids": s.source.ActiveGrids()})
}

func (s *Server) handleGridEvents(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	symbol := c.Param("symbol")
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	events, err := s.store.Grid().RecentEvents(symbol, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "events": events})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.source.OpenPositions()})
}

func (s *Server) handlePositionHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	history, err := s.store.Position().History(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handlePendingOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	c.JSON(http.StatusOK, gin.H{"orders": s.source.PendingOrders(symbol)})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Stats())
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("🌐 Status API starting at http://localhost%s", addr)
	logger.Infof("  • GET /api/health             - Health check")
	logger.Infof("  • GET /api/grids              - Active grid snapshots")
	logger.Infof("  • GET /api/grids/:sym/events  - Grid event journal")
	logger.Infof("  • GET /api/positions          - Open positions")
	logger.Infof("  • GET /api/positions/history  - Closed position history")
	logger.Infof("  • GET /api/orders/pending     - Pending orders")
	logger.Infof("  • GET /api/stats              - Aggregate statistics")

	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
