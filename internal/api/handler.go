// Package api is the HTTP/WebSocket boundary: JSON endpoints for the UI to
// request updates, cancel them, manage reminders, and a WebSocket event feed.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"streamwatch/internal/orchestrator"
	"streamwatch/internal/schedule"
	"streamwatch/internal/stream"
)

// Handler wires the orchestrator and schedule set to gin routes.
type Handler struct {
	Orchestrator *orchestrator.Orchestrator
	Schedules    *schedule.Set
	Hub          *Hub
	Logger       *zap.Logger
}

func NewHandler(o *orchestrator.Orchestrator, s *schedule.Set, hub *Hub, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orchestrator: o, Schedules: s, Hub: hub, Logger: logger}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/streams/check", h.checkStreams)
		apiGroup.GET("/streams", h.listStreams)
		apiGroup.POST("/updates/cancel", h.cancelUpdates)
		apiGroup.POST("/schedules/check", h.checkSchedules)
		apiGroup.GET("/schedules", h.listSchedules)
		apiGroup.PUT("/schedules/:id/reminder", h.setReminder)
		apiGroup.GET("/status", h.status)
		apiGroup.GET("/settings", h.getSettings)
		apiGroup.PUT("/settings", h.putSettings)
	}
	r.GET("/ws", h.Hub.ServeWS())
}

type checkRequest struct {
	Platform string `json:"platform"`
}

func (h *Handler) checkStreams(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	target := stream.Platform(req.Platform)
	if target == "" {
		target = stream.All
	}
	report := h.Orchestrator.CheckStreams(c.Request.Context(), target, true)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"outcomes": report.Outcomes,
		"streams":  report.Streams,
	})
}

func (h *Handler) listStreams(c *gin.Context) {
	streams := h.Orchestrator.Results().MergeAll(h.Orchestrator.Order())
	c.JSON(http.StatusOK, gin.H{"success": true, "streams": streams})
}

type cancelRequest struct {
	Platforms []string `json:"platforms"`
}

func (h *Handler) cancelUpdates(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	targets := make([]stream.Platform, 0, len(req.Platforms))
	for _, p := range req.Platforms {
		targets = append(targets, stream.Platform(p))
	}
	if len(targets) == 0 {
		targets = []stream.Platform{stream.All}
	}
	h.Orchestrator.Cancel(targets...)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) checkSchedules(c *gin.Context) {
	schedules, outcomes := h.Orchestrator.CheckSchedules(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"outcomes":  outcomes,
		"schedules": schedules,
	})
}

func (h *Handler) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "schedules": h.Schedules.All()})
}

type reminderRequest struct {
	Minutes int `json:"minutes"`
}

func (h *Handler) setReminder(c *gin.Context) {
	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if !h.Schedules.SetReminder(c.Request.Context(), c.Param("id"), req.Minutes) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "unknown schedule"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) status(c *gin.Context) {
	c.JSON(http.StatusOK, h.Orchestrator.Status())
}

func (h *Handler) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": h.Orchestrator.Settings()})
}

func (h *Handler) putSettings(c *gin.Context) {
	var s stream.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}
	if err := h.Orchestrator.UpdateSettings(c.Request.Context(), s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "settings": s})
}
