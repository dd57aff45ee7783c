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

// Package metrics provides Prometheus metrics for the admission webhook
// and the watch/queue/worker pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Webhook metrics
	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_webhook_requests_total",
			Help: "Total number of admission webhook requests",
		},
		[]string{"operation", "result"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orbit_webhook_request_duration_seconds",
			Help:    "Admission decision latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	settingsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_podsettings_applied_total",
			Help: "Total number of pod settings merged into admitted pods",
		},
		[]string{"namespace"},
	)

	settingApplyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_podsetting_apply_failures_total",
			Help: "Total number of pod setting applications skipped due to errors",
		},
		[]string{"namespace"},
	)

	settingsCacheRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_settings_cache_refreshes_total",
			Help: "Total number of full pod setting list fetches",
		},
	)

	settingsCacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orbit_settings_cache_invalidations_total",
			Help: "Total number of settings cache invalidations from change events",
		},
	)

	// Pipeline metrics
	watchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_watch_events_total",
			Help: "Total number of change events emitted by the watchers",
		},
		[]string{"module", "type"},
	)

	reconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_reconcile_errors_total",
			Help: "Total number of change events dropped after a failed reconcile",
		},
		[]string{"module"},
	)

	checkpointFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_checkpoint_flushes_total",
			Help: "Total number of watermark checkpoints persisted",
		},
		[]string{"module"},
	)
)

// Collector bundles all orbit metrics for registration.
type Collector struct{}

// NewCollector creates a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		webhookRequests,
		webhookDuration,
		settingsApplied,
		settingApplyFailures,
		settingsCacheRefreshes,
		settingsCacheInvalidations,
		watchEvents,
		reconcileErrors,
		checkpointFlushes,
	}
}

// Register registers all orbit metrics with the given registry. Duplicate
// registration (controller restarts, tests) is ignored.
func (c *Collector) Register(registry prometheus.Registerer) {
	if registry == nil {
		registry = ctrlmetrics.Registry
	}
	for _, collector := range collectors() {
		_ = registry.Register(collector)
	}
}

// RegisterGlobal registers all orbit metrics with the controller-runtime
// registry.
func (c *Collector) RegisterGlobal() {
	c.Register(ctrlmetrics.Registry)
}

// RecordWebhookRequest records one admission decision and its latency.
func RecordWebhookRequest(operation, result string, elapsed time.Duration) {
	webhookRequests.WithLabelValues(operation, result).Inc()
	webhookDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// RecordSettingApplied counts one pod setting merged into a pod.
func RecordSettingApplied(namespace string) {
	settingsApplied.WithLabelValues(namespace).Inc()
}

// RecordSettingApplyFailure counts one pod setting skipped due to an error.
func RecordSettingApplyFailure(namespace string) {
	settingApplyFailures.WithLabelValues(namespace).Inc()
}

// RecordSettingsCacheRefresh counts one full pod setting list fetch.
func RecordSettingsCacheRefresh() {
	settingsCacheRefreshes.Inc()
}

// RecordSettingsCacheInvalidation counts one cache invalidation.
func RecordSettingsCacheInvalidation() {
	settingsCacheInvalidations.Inc()
}

// RecordWatchEvent counts one change event emitted by a watcher.
func RecordWatchEvent(module, eventType string) {
	watchEvents.WithLabelValues(module, eventType).Inc()
}

// RecordReconcileError counts one dropped change event.
func RecordReconcileError(module string) {
	reconcileErrors.WithLabelValues(module).Inc()
}

// RecordCheckpointFlush counts one persisted watermark.
func RecordCheckpointFlush(module string) {
	checkpointFlushes.WithLabelValues(module).Inc()
}
