// Package api binds the HTTP surface: the health and model-list routes, the
// three completion endpoints, local API-key enforcement, and the streaming
// plumbing between the upstream event stream and each client protocol.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/bridgekit-ai/claude-bridge/internal/admission"
	"github.com/bridgekit-ai/claude-bridge/internal/config"
	"github.com/bridgekit-ai/claude-bridge/internal/telemetry"
	"github.com/bridgekit-ai/claude-bridge/internal/upstream"
)

// knownModels backs /v1/models alongside whatever the mapping table names.
var knownModels = []string{
	"claude-opus-4-1",
	"claude-opus-4-5",
	"claude-sonnet-4-5",
	"claude-haiku-4-5",
	"claude-3-5-haiku-20241022",
}

// Server is the HTTP front of the proxy.
type Server struct {
	cfg       atomic.Pointer[config.Config]
	apiKey    atomic.Pointer[string]
	admission *admission.Controller
	upstream  *upstream.Client
	sink      telemetry.Sink
	engine    *gin.Engine
	httpSrv   *http.Server
}

// NewServer wires the collaborators and the route table.
func NewServer(cfg *config.Config, ctrl *admission.Controller, client *upstream.Client, sink telemetry.Sink) *Server {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	s := &Server{
		admission: ctrl,
		upstream:  client,
		sink:      sink,
	}
	s.cfg.Store(cfg)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := engine.Group("/v1", s.requireAPIKey)
	v1.GET("/models", s.handleModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/responses", s.handleResponses)
	v1.POST("/messages", s.handleMessages)

	s.engine = engine
	return s
}

// Config returns the current configuration snapshot.
func (s *Server) Config() *config.Config {
	return s.cfg.Load()
}

// SetConfig swaps the configuration; in-flight requests keep their snapshot.
func (s *Server) SetConfig(cfg *config.Config) {
	s.cfg.Store(cfg)
}

// SetAPIKey swaps the local API key. Empty disables the check.
func (s *Server) SetAPIKey(key string) {
	s.apiKey.Store(&key)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on the configured address until the context is cancelled,
// then drains for up to the grace period.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.cfg.Load()
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprintf("%d", cfg.Server.Port))
	s.httpSrv = &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireAPIKey rejects /v1 requests without the configured key. When no key
// is configured every local caller is accepted.
func (s *Server) requireAPIKey(c *gin.Context) {
	keyPtr := s.apiKey.Load()
	if keyPtr == nil || *keyPtr == "" {
		c.Next()
		return
	}
	if extractAPIKey(c.Request) != *keyPtr {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": "invalid_api_key", "message": "Invalid API key"},
		})
		return
	}
	c.Next()
}

func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleModels(c *gin.Context) {
	cfg := s.cfg.Load()
	seen := map[string]bool{}
	models := make([]gin.H, 0, len(knownModels)+len(cfg.ModelMapping))
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		models = append(models, gin.H{"id": id, "object": "model", "owned_by": "anthropic"})
	}
	for _, id := range knownModels {
		add(id)
	}
	for id := range cfg.ModelMapping {
		add(id)
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}
