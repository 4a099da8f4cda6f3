// internal/web/handlers.go
package web

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"darn/internal/pipeline"
	"darn/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	defaultProbeLim = 100
	maxProbeLim     = 1000
)

type RefreshRequest struct {
	IPs []string `json:"ips"`
}

type SchedulerRequest struct {
	Enabled  *bool  `json:"enabled"`
	Interval string `json:"interval"`
}

// POST /api/refresh - discover candidates (when no IPs supplied) and enqueue
// re-verification of every known host. Returns immediately; results stream
// in over /ws and land in the store.
func (s *Server) refresh(c *gin.Context) {
	var req RefreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	summary, err := s.engine.Refresh(c.Request.Context(), req.IPs)
	if err != nil {
		logrus.WithError(err).Error("Refresh failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": summary})
}

// POST /api/sweep - enqueue an immediate probe for every verified pair.
func (s *Server) sweep(c *gin.Context) {
	scheduled, err := s.engine.Sweep(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule sweep"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"scheduled": scheduled})
}

// POST /api/verify/:ip - synchronous on-demand verification.
func (s *Server) verifyNow(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid IP address"})
		return
	}

	ep, err := s.engine.VerifyNow(c.Request.Context(), ip)
	if err != nil {
		if errors.Is(err, pipeline.ErrInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": "verification already in flight"})
			return
		}
		logrus.WithError(err).WithField("ip", ip).Error("Manual verification failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify endpoint"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ep})
}

// POST /api/probe/:ip/:model - synchronous on-demand probe.
func (s *Server) probeNow(c *gin.Context) {
	ip := c.Param("ip")
	model := c.Param("model")

	rec, err := s.engine.ProbeNow(c.Request.Context(), ip, model)
	if err != nil {
		if errors.Is(err, pipeline.ErrInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": "probe already in flight"})
			return
		}
		logrus.WithError(err).WithFields(logrus.Fields{"ip": ip, "model": model}).Error("Manual probe failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to probe endpoint"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rec})
}

// GET /api/endpoints?page=&per_page=&ok=
func (s *Server) getEndpoints(c *gin.Context) {
	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	perPage := queryInt(c, "per_page", defaultPageSize)
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}

	filters := store.EndpointFilters{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}
	if okStr := c.Query("ok"); okStr != "" {
		ok := okStr == "true"
		filters.OK = &ok
	}

	endpoints, err := s.store.ListEndpoints(c.Request.Context(), filters)
	if err != nil {
		logrus.WithError(err).Error("Failed to list endpoints")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list endpoints"})
		return
	}

	total, err := s.store.CountEndpoints(c.Request.Context(), store.EndpointFilters{OK: filters.OK})
	if err != nil {
		logrus.WithError(err).Error("Failed to count endpoints")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list endpoints"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":     endpoints,
		"count":    len(endpoints),
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// GET /api/endpoints/:ip?limit= - endpoint detail plus recent probe records.
func (s *Server) getEndpoint(c *gin.Context) {
	ip := c.Param("ip")

	ep, err := s.store.GetEndpoint(c.Request.Context(), ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get endpoint"})
		return
	}

	limit := queryInt(c, "limit", defaultProbeLim)
	if limit > maxProbeLim {
		limit = maxProbeLim
	}

	probes, err := s.store.ListProbes(c.Request.Context(), store.ProbeFilters{IP: ip, Limit: limit})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get probe history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   ep,
		"probes": probes,
	})
}

// GET /api/probes?ip=&limit= - recent probes across hosts for trend charts.
func (s *Server) getProbes(c *gin.Context) {
	limit := queryInt(c, "limit", defaultProbeLim)
	if limit > maxProbeLim {
		limit = maxProbeLim
	}

	probes, err := s.store.ListProbes(c.Request.Context(), store.ProbeFilters{
		IP:    c.Query("ip"),
		Limit: limit,
	})
	if err != nil {
		logrus.WithError(err).Error("Failed to list probes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list probes"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  probes,
		"count": len(probes),
	})
}

// GET /api/chat/choices - verified (ip, model) options ranked best first.
func (s *Server) getChatChoices(c *gin.Context) {
	ranked, err := s.engine.Choices(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to rank endpoints")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list choices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  ranked,
		"count": len(ranked),
	})
}

// POST /api/chat/relay
func (s *Server) chatRelay(c *gin.Context) {
	var req pipeline.RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.IP == "" || req.Model == "" || req.Prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ip, model, and prompt are required"})
		return
	}

	result, err := s.engine.Relay(c.Request.Context(), req)
	if err != nil {
		var upstream *pipeline.UpstreamError
		switch {
		case errors.Is(err, pipeline.ErrNotVerified):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &upstream):
			c.JSON(http.StatusBadGateway, gin.H{
				"error":           upstream.Error(),
				"upstream_status": upstream.StatusCode,
				"upstream_body":   upstream.Body,
			})
		default:
			logrus.WithError(err).Error("Relay failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Relay failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// GET /api/scheduler
func (s *Server) getScheduler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.engine.Scheduler().Status()})
}

// PUT /api/scheduler - pause/resume periodic work or change the tick interval.
func (s *Server) updateScheduler(c *gin.Context) {
	var req SchedulerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched := s.engine.Scheduler()
	if req.Enabled != nil {
		sched.SetEnabled(*req.Enabled)
	}
	if req.Interval != "" {
		interval, err := time.ParseDuration(req.Interval)
		if err != nil || interval <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
			return
		}
		sched.SetInterval(interval)
	}

	c.JSON(http.StatusOK, gin.H{"data": sched.Status()})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
