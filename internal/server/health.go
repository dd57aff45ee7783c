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

// Package server provides the HTTP surface of the orbit controller: the
// admission webhook endpoint plus health and metrics endpoints.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/client-go/kubernetes"
)

// HealthChecker serves liveness and readiness for the controller.
type HealthChecker struct {
	kubeClient kubernetes.Interface
	startTime  time.Time

	mu             sync.RWMutex
	notReadyReason string
}

// NewHealthChecker creates a health checker. The kube client may be nil in
// tests; readiness then skips the API server ping.
func NewHealthChecker(kubeClient kubernetes.Interface) *HealthChecker {
	return &HealthChecker{
		kubeClient: kubeClient,
		startTime:  time.Now(),
	}
}

// SetNotReady marks the controller not ready with a reason; an empty
// reason marks it ready again.
func (h *HealthChecker) SetNotReady(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notReadyReason = reason
}

// HealthzHandler implements the /healthz endpoint. The process serving the
// request is the liveness signal.
func (h *HealthChecker) HealthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadyzHandler implements the /readyz endpoint. Ready means no component
// flagged itself unready and the API server answers a version probe.
func (h *HealthChecker) ReadyzHandler(c *gin.Context) {
	h.mu.RLock()
	notReadyReason := h.notReadyReason
	h.mu.RUnlock()

	if notReadyReason != "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": notReadyReason,
		})
		return
	}

	if h.kubeClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := h.pingAPIServer(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "not ready",
				"component": "kubernetes-api",
				"error":     err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *HealthChecker) pingAPIServer(ctx context.Context) error {
	_, err := h.kubeClient.Discovery().RESTClient().
		Get().AbsPath("/version").DoRaw(ctx)
	return err
}
