/*
Copyright 2024 The Orbit Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ctrl "sigs.k8s.io/controller-runtime"
)

// Config holds the HTTP surface configuration.
type Config struct {
	BindAddress string
	TLSConfig   *tls.Config
}

// Server ties the webhook, health, and metrics endpoints to a single
// gin engine and runs them over one listener.
type Server struct {
	config  Config
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the gin engine and mounts all routes.
func NewServer(config Config, webhook *WebhookServer, health *HealthChecker, metrics *MetricsServer) *Server {
	// Always use release mode to avoid debug messages
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	// Note: We don't use gin.Logger() as we have our own structured logging

	engine.GET("/healthz", health.HealthzHandler)
	engine.GET("/readyz", health.ReadyzHandler)
	engine.GET("/metrics", metrics.MetricsHandler())
	webhook.SetupRoutes(engine)

	return &Server{
		config: config,
		engine: engine,
		httpSrv: &http.Server{
			Addr:              config.BindAddress,
			Handler:           engine,
			TLSConfig:         config.TLSConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Engine exposes the underlying gin engine for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("http-server")

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.httpSrv.TLSConfig != nil {
			log.Info("Starting HTTPS server", "address", s.httpSrv.Addr)
			// Certificates come from TLSConfig.GetCertificate.
			err = s.httpSrv.ListenAndServeTLS("", "")
		} else {
			log.Info("Starting HTTP server", "address", s.httpSrv.Addr)
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
