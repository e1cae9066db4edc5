// Package api is the gateway's inbound HTTP surface: the dispatcher that
// routes the three dialect endpoints to providers, the model listing, and
// the amp compatibility layer.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/byokey/byokey/internal/auth"
	"github.com/byokey/byokey/internal/config"
	"github.com/byokey/byokey/internal/executor"
	"github.com/byokey/byokey/internal/logging"
	"github.com/byokey/byokey/internal/registry"
)

// Server hosts the gateway HTTP surface. The registry snapshot swaps
// atomically on config reload; in-flight requests keep the snapshot they
// resolved against.
type Server struct {
	store   *config.Store
	auth    *auth.Manager
	reg     atomic.Pointer[registry.Registry]
	engine  *gin.Engine
	httpSrv *http.Server

	// newExecutor builds the upstream caller for a provider. Tests swap it
	// for a stub.
	newExecutor func(provider string, cfg *config.Config) (executor.Executor, error)
}

// NewServer wires the dispatcher over a config store and auth manager.
func NewServer(store *config.Store, manager *auth.Manager) *Server {
	s := &Server{
		store:       store,
		auth:        manager,
		newExecutor: executor.New,
	}
	s.reg.Store(registry.New(store.Snapshot()))
	store.OnReload(func(cfg *config.Config) {
		s.reg.Store(registry.New(cfg))
		log.Info("model registry rebuilt")
	})

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())

	engine.POST("/v1/chat/completions", s.handleOpenAIChat)
	engine.POST("/v1/messages", s.handleClaudeMessages)
	engine.POST("/v1beta/models/*action", s.handleGeminiGenerate)
	engine.GET("/v1/models", s.handleListModels)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("/amp/v1/login", s.handleAmpLogin)
	engine.Any("/amp/v0/management/*path", s.handleAmpManagement)
	engine.POST("/amp/v1/chat/completions", s.handleOpenAIChat)

	s.engine = engine
	return s
}

// registry returns the current registry snapshot.
func (s *Server) registry() *registry.Registry { return s.reg.Load() }

// config returns the current config snapshot.
func (s *Server) config() *config.Config { return s.store.Snapshot() }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.config().Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.httpSrv.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
