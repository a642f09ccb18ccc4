// Package api exposes the engine over HTTP with gin: the webhook intake
// endpoint, read-only status/inspection endpoints, and an authenticated
// emergency control surface (spec.md §2 "HTTP API", §4.10 "API Surface").
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/engine"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/leader"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/metrics"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/portfolio"
)

var log = logger.With("api")

// Server holds the collaborators the HTTP surface depends on.
type Server struct {
	engine  *engine.Engine
	store   *portfolio.Store
	elector *leader.Elector
	catalog *instrument.Catalog
	emerg   *EmergencyAuth

	router *gin.Engine
}

// New builds a gin router with every endpoint spec.md §4.10 documents
// wired up.
func New(eng *engine.Engine, store *portfolio.Store, elector *leader.Elector, catalog *instrument.Catalog, emerg *EmergencyAuth) *Server {
	s := &Server{engine: eng, store: store, elector: elector, catalog: catalog, emerg: emerg}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.POST("/webhook", s.handleWebhook)

	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/positions", s.handlePositions)
	r.GET("/config", s.handleConfigSummary)
	r.GET("/webhook/stats", s.handleWebhookStats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	emergency := r.Group("/emergency")
	emergency.Use(s.requireEmergencyAuth())
	emergency.POST("/stop", s.handleEmergencyStop)
	emergency.POST("/resume", s.handleEmergencyResume)
	emergency.POST("/close-all", s.handleEmergencyCloseAll)

	s.router = r
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Infof("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read body"})
		return
	}

	outcome, err := s.engine.ProcessSignal(c.Request.Context(), body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if outcome.Status == engine.OutcomeRejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"status":      outcome.Status,
		"reason":      outcome.Reason,
		"position_id": outcome.PositionID,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"is_leader": s.elector.IsLeader(),
		"time":      time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	state, err := s.store.GetState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"closed_equity":     state.ClosedEquity,
		"equity_high":       state.EquityHigh,
		"total_risk_pct":    state.TotalRiskPct,
		"total_vol_amount":  state.TotalVolAmount,
		"margin_used":       state.MarginUsed,
		"is_leader":         s.elector.IsLeader(),
		"trading_paused":    s.engine.IsPaused(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.store.ListAllOpenPositions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// handleConfigSummary never serializes secrets (SPEC_FULL.md §3
// supplemented feature: "/config endpoint never serializes secrets").
func (s *Server) handleConfigSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"trading_paused": s.engine.IsPaused(),
		"is_leader":      s.elector.IsLeader(),
	})
}

func (s *Server) handleWebhookStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"note": "see /metrics for engine_signals_* counters"})
}
