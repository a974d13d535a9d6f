// Copyright 2026 The modelmux Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api exposes the HTTP surface: the OpenAI-compatible /v1 endpoints
// that clients talk to, and the /v0/management endpoints operators use to
// administer auth profiles and inspect routing.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/modelmux/internal/authstore"
	"github.com/traylinx/modelmux/internal/config"
	"github.com/traylinx/modelmux/internal/dispatch"
	"github.com/traylinx/modelmux/internal/registry"
	"github.com/traylinx/modelmux/internal/usage"
	"github.com/traylinx/modelmux/internal/util"
)

// Server is the HTTP front end.
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	dispatcher *dispatch.Dispatcher
	profiles   *authstore.Store
	registry   *registry.Registry
	recorder   *usage.Recorder
	box        *util.StateBox
}

// Options carries the server's dependencies.
type Options struct {
	Config     *config.Config
	Dispatcher *dispatch.Dispatcher
	Profiles   *authstore.Store
	Registry   *registry.Registry
	Recorder   *usage.Recorder
	StateBox   *util.StateBox
}

// NewServer builds the HTTP server and registers all routes.
func NewServer(opts Options) *Server {
	if !opts.Config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		cfg:        opts.Config,
		engine:     engine,
		dispatcher: opts.Dispatcher,
		profiles:   opts.Profiles,
		registry:   opts.Registry,
		recorder:   opts.Recorder,
		box:        opts.StateBox,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.Health)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/chat/completions", s.ChatCompletions)
		v1.GET("/models", s.ListModels)
	}

	mgmt := newManagementHandler(s.cfg, s.profiles, s.dispatcher, s.recorder, s.box)
	v0 := s.engine.Group("/v0/management", managementAuth(s.cfg.ManagementKey))
	{
		v0.GET("/status", mgmt.Status)
		v0.GET("/usage", mgmt.Usage)
		v0.POST("/route", mgmt.DryRunRoute)
		v0.GET("/profiles", mgmt.ListProfiles)
		v0.POST("/profiles", mgmt.UpsertProfile)
		v0.DELETE("/profiles/:id", mgmt.DeleteProfile)
		v0.POST("/profiles/:id/clear-cooldown", mgmt.ClearCooldown)
		v0.POST("/reset-cooldowns", mgmt.ResetCooldowns)
	}
}

// Health reports liveness and per-provider profile counts.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"profiles": s.profiles.CountByProvider(),
	})
}

// Run serves HTTP until the context is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown failed: %w", err)
	}
	log.Info("api: server stopped")
	return nil
}

// Engine exposes the underlying router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// requestLogger logs one line per request at debug level.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Round(time.Millisecond).String(),
		}).Debug("request handled")
	}
}

// managementAuth guards the management API with a static key. An empty
// configured key disables the check.
func managementAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Management-Key")
		if provided == "" {
			provided = c.Query("key")
		}
		if provided != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		c.Next()
	}
}
