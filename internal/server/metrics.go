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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
)

// MetricsServer serves the Prometheus metrics of the controller.
type MetricsServer struct {
	registry *prometheus.Registry
}

// NewMetricsServer creates a metrics server with the orbit collectors
// registered in both a private registry and the controller-runtime one.
func NewMetricsServer(collector *metrics.Collector) *MetricsServer {
	registry := prometheus.NewRegistry()
	if collector != nil {
		collector.Register(registry)
		collector.Register(ctrlmetrics.Registry)
	}
	return &MetricsServer{registry: registry}
}

// MetricsHandler implements the /metrics endpoint.
func (m *MetricsServer) MetricsHandler() gin.HandlerFunc {
	handler := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(handler)
}
