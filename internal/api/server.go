// Copyright 2026 The biasrouter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the routing engine over HTTP: decision requests,
// feedback, engine and settings management, and a websocket decision feed.
package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/traylinx/biasrouter/internal/config"
	"github.com/traylinx/biasrouter/internal/feedback"
	"github.com/traylinx/biasrouter/internal/router"
	"github.com/traylinx/biasrouter/internal/rules"
)

// Server wires the orchestrator and its collaborators into a gin engine.
type Server struct {
	orchestrator *router.Orchestrator
	catalog      *rules.Catalog
	settings     *config.Store
	collector    *feedback.Collector
	feed         *DecisionFeed
}

// NewServer creates the API server. collector may be nil when feedback
// persistence is disabled.
func NewServer(orchestrator *router.Orchestrator, catalog *rules.Catalog, settings *config.Store, collector *feedback.Collector) *Server {
	return &Server{
		orchestrator: orchestrator,
		catalog:      catalog,
		settings:     settings,
		collector:    collector,
		feed:         NewDecisionFeed(),
	}
}

// Feed returns the decision feed so the orchestrator hook can broadcast.
func (s *Server) Feed() *DecisionFeed {
	return s.feed
}

// Routes registers all handlers on the gin engine.
func (s *Server) Routes(engine *gin.Engine) {
	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/v1")
	v1.POST("/route", s.handleRoute)
	v1.POST("/feedback", s.handleFeedback)
	v1.GET("/feedback/export", s.handleFeedbackExport)
	v1.GET("/engines", s.handleEngines)
	v1.GET("/settings", s.handleGetSettings)
	v1.PUT("/settings", s.handlePutSettings)
	v1.GET("/stats", s.handleStats)
	v1.GET("/decisions/feed", func(c *gin.Context) {
		s.feed.Handle(c.Writer, c.Request)
	})
}

type routeRequest struct {
	Message       string `json:"message" binding:"required"`
	CurrentEngine string `json:"current_engine"`
}

func (s *Server) handleRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	decision, err := s.orchestrator.Route(req.Message, req.CurrentEngine)
	if err != nil {
		if errors.Is(err, router.ErrNoEngineAvailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, decision)
}

type feedbackRequest struct {
	DecisionID string `json:"decision_id" binding:"required"`
	Feedback   string `json:"feedback" binding:"required"`
}

func (s *Server) handleFeedback(c *gin.Context) {
	if s.collector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback collection disabled"})
		return
	}

	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision_id and feedback are required"})
		return
	}

	if err := s.collector.SetFeedback(req.DecisionID, req.Feedback); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleFeedbackExport(c *gin.Context) {
	if s.collector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "feedback collection disabled"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	jsonl, err := s.collector.ExportJSONL(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/x-ndjson", []byte(jsonl))
}

type engineInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	BiasProfile string `json:"bias_profile,omitempty"`
	Available   bool   `json:"available"`
}

func (s *Server) handleEngines(c *gin.Context) {
	db := s.catalog.Database()
	available := make(map[string]bool)
	for _, id := range s.settings.AvailableEngines(db) {
		available[id] = true
	}

	var engines []engineInfo
	for id, profile := range db.Engines {
		engines = append(engines, engineInfo{
			ID:          id,
			Name:        profile.Name,
			Provider:    profile.Provider,
			BiasProfile: profile.BiasProfile,
			Available:   available[id],
		})
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i].ID < engines[j].ID })

	c.JSON(http.StatusOK, gin.H{"engines": engines})
}

type settingsPayload struct {
	APIKeys                  map[string]string `json:"api_keys,omitempty"`
	DefaultEngine            *string           `json:"default_engine,omitempty"`
	FallbackEngine           *string           `json:"fallback_engine,omitempty"`
	PositiveRoutingEnabled   *bool             `json:"positive_routing_enabled,omitempty"`
	PositiveRoutingThreshold *float64          `json:"positive_routing_threshold,omitempty"`
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings := s.settings.Get()

	// Report which providers hold keys without echoing the secrets.
	providers := make([]string, 0, len(settings.APIKeys))
	for provider := range settings.APIKeys {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	c.JSON(http.StatusOK, gin.H{
		"configured_providers":       providers,
		"default_engine":             settings.DefaultEngine,
		"fallback_engine":            settings.FallbackEngine,
		"positive_routing_enabled":   settings.PositiveRoutingEnabled,
		"positive_routing_threshold": settings.PositiveRoutingThreshold,
	})
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var payload settingsPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}

	err := s.settings.Update(func(settings *config.Settings) {
		for provider, key := range payload.APIKeys {
			if key == "" {
				delete(settings.APIKeys, provider)
			} else {
				settings.APIKeys[provider] = key
			}
		}
		if payload.DefaultEngine != nil {
			settings.DefaultEngine = *payload.DefaultEngine
		}
		if payload.FallbackEngine != nil {
			settings.FallbackEngine = *payload.FallbackEngine
		}
		if payload.PositiveRoutingEnabled != nil {
			settings.PositiveRoutingEnabled = *payload.PositiveRoutingEnabled
		}
		if payload.PositiveRoutingThreshold != nil && *payload.PositiveRoutingThreshold > 0 {
			settings.PositiveRoutingThreshold = *payload.PositiveRoutingThreshold
		}
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.handleGetSettings(c)
}

func (s *Server) handleStats(c *gin.Context) {
	db := s.catalog.Database()
	stats := gin.H{
		"routing":      s.orchestrator.Metrics(),
		"rules":        len(db.RoutingRules),
		"engines":      len(db.Engines),
		"db_version":   db.Metadata.Version,
		"feed_clients": s.feed.ClientCount(),
	}
	if s.collector != nil {
		stats["feedback"] = s.collector.Stats()
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
