// Package server exposes a loaded game system over HTTP: browse
// endpoints for its definitions and a non-interactive flow runner.
// Interactive play belongs to the CLI; a flow that pauses for player
// input here is reported as a conflict the client can resume or cancel
// through the execution endpoints.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/grimoire-rpg/grimoire/internal/config"
	"github.com/grimoire-rpg/grimoire/runtime"
	"github.com/grimoire-rpg/grimoire/system"
)

// Settings configure the HTTP host.
type Settings struct {
	Addr  string `json:"addr" default:":8789" validate:"hostname_port"`
	Debug bool   `json:"debug" default:"false"`
}

// Server hosts one game system and one engine.
type Server struct {
	settings Settings
	logger   *slog.Logger
	sys      *system.System
	engine   *runtime.Engine
	router   *gin.Engine
}

// New builds the server and registers its routes.
func New(sys *system.System, engine *runtime.Engine, logger *slog.Logger, raw map[string]any) (*Server, error) {
	var settings Settings
	if err := config.Prepare(&settings, raw); err != nil {
		return nil, fmt.Errorf("server settings: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if !settings.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		settings: settings,
		logger:   logger,
		sys:      sys,
		engine:   engine,
		router:   gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.routes()
	return s, nil
}

// Router exposes the gin engine for tests and embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run blocks serving HTTP on the configured address.
func (s *Server) Run() error {
	s.logger.Info("serving game system",
		"system", s.sys.ID,
		"addr", s.settings.Addr)
	return s.router.Run(s.settings.Addr)
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api")
	api.GET("/system", s.handleSystem)
	api.GET("/flows", s.handleFlows)
	api.GET("/models", s.handleModels)
	api.GET("/tables", s.handleTables)
	api.GET("/compendiums", s.handleCompendiums)
	api.GET("/compendiums/:id", s.handleCompendium)
	api.POST("/flows/:id/execute", s.handleExecute)
	api.POST("/executions/:id/resume", s.handleResume)
	api.DELETE("/executions/:id", s.handleCancel)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"system": s.sys.ID,
	})
}

func (s *Server) handleSystem(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":          s.sys.ID,
		"name":        s.sys.Name,
		"version":     s.sys.Version,
		"description": s.sys.Description,
		"counts": gin.H{
			"sources":     len(s.sys.Sources),
			"models":      len(s.sys.Models),
			"compendiums": len(s.sys.Compendiums),
			"tables":      len(s.sys.Tables),
			"flows":       len(s.sys.Flows),
			"prompts":     len(s.sys.Prompts),
		},
	})
}

func (s *Server) handleFlows(c *gin.Context) {
	flows := make([]gin.H, 0, len(s.sys.Flows))
	for _, id := range s.sys.FlowIDs() {
		f := s.sys.Flows[id]
		flows = append(flows, gin.H{
			"id":          f.ID,
			"name":        f.Name,
			"description": f.Description,
			"steps":       len(f.Steps),
			"inputs":      flowInputs(f),
		})
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

func flowInputs(f *system.Flow) []gin.H {
	inputs := make([]gin.H, 0, len(f.Inputs))
	for _, in := range f.Inputs {
		inputs = append(inputs, gin.H{
			"name":     in.Name,
			"type":     in.Type,
			"required": in.Required == nil || *in.Required,
		})
	}
	return inputs
}

func (s *Server) handleModels(c *gin.Context) {
	models := make([]gin.H, 0, len(s.sys.Models))
	for _, id := range s.sys.ModelIDs() {
		m := s.sys.Models[id]
		models = append(models, gin.H{
			"id":         m.ID,
			"name":       m.Name,
			"extends":    m.Extends,
			"attributes": len(m.MergedAttributes()),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleTables(c *gin.Context) {
	tables := make([]gin.H, 0, len(s.sys.Tables))
	for _, id := range s.sys.TableIDs() {
		t := s.sys.Tables[id]
		tables = append(tables, gin.H{
			"id":      t.ID,
			"name":    t.Name,
			"roll":    t.Roll,
			"entries": len(t.Entries),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (s *Server) handleCompendiums(c *gin.Context) {
	comps := make([]gin.H, 0, len(s.sys.Compendiums))
	for _, id := range s.sys.CompendiumIDs() {
		comp := s.sys.Compendiums[id]
		comps = append(comps, gin.H{
			"id":      comp.ID,
			"name":    comp.Name,
			"model":   comp.Model,
			"entries": len(comp.Entries),
		})
	}
	c.JSON(http.StatusOK, gin.H{"compendiums": comps})
}

func (s *Server) handleCompendium(c *gin.Context) {
	id := c.Param("id")
	comp, ok := s.sys.Compendiums[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "compendium not found: " + id})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          comp.ID,
		"name":        comp.Name,
		"description": comp.Description,
		"model":       comp.Model,
		"source":      comp.Source,
		"entries":     comp.Entries,
	})
}

type executeRequest struct {
	Inputs map[string]any `json:"inputs"`
}

type resumeRequest struct {
	Input any `json:"input"`
}

func (s *Server) handleExecute(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.sys.Flows[id]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "flow not found: " + id})
		return
	}

	var req executeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body: " + err.Error()})
			return
		}
	}

	outcome, err := s.engine.Run(c.Request.Context(), id, req.Inputs)
	if err != nil {
		s.logger.Error("flow execution failed to start",
			"flow", id,
			"path", c.Request.URL.Path,
			"error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	s.respondOutcome(c, id, outcome)
}

func (s *Server) handleResume(c *gin.Context) {
	id := c.Param("id")

	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid request body: " + err.Error()})
		return
	}

	outcome, err := s.engine.Resume(c.Request.Context(), id, req.Input)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	s.respondOutcome(c, id, outcome)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	result, err := s.engine.Cancel(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// respondOutcome maps an engine outcome onto HTTP: paused runs are a
// conflict carrying the prompt payload, failed runs are unprocessable,
// finished runs are plain 200s.
func (s *Server) respondOutcome(c *gin.Context, flowID string, outcome *runtime.RunOutcome) {
	if outcome.Paused() {
		c.JSON(http.StatusConflict, gin.H{
			"message": "flow is waiting for player input",
			"pending": outcome.Pending,
		})
		return
	}
	result := outcome.Result
	if !result.Success {
		s.logger.Error("flow execution failed",
			"flow", flowID,
			"step", result.CompletedAtStep,
			"error", result.Error)
		c.JSON(http.StatusUnprocessableEntity, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
