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

// Package webhook implements the mutating admission decision engine. Per
// incoming pod-creation request it merges every matching PodSetting,
// scoped through the pod namespace's NamespaceSetting, into the pod and
// answers with a JSON patch. The engine is strictly fail-open: it always
// allows, and any internal failure degrades to allow-without-patch.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
)

const (
	// DefaultSystemNamespace holds the NamespaceSettings and the
	// controller's own resources.
	DefaultSystemNamespace = "orbit-system"

	// DefaultDecisionTimeout bounds the control-plane lookups on the
	// decision path. It is deliberately below the webhook's external
	// timeout so an expiry still answers allow instead of failing the
	// caller at the transport level.
	DefaultDecisionTimeout = 8 * time.Second
)

// MutationHandler handles pod admission requests.
type MutationHandler struct {
	client          client.Reader
	cache           *SettingsCache
	decoder         admission.Decoder
	systemNamespace string
	decisionTimeout time.Duration
}

// NewMutationHandler creates a handler reading settings through the given
// client. Empty systemNamespace and non-positive timeout fall back to the
// defaults.
func NewMutationHandler(reader client.Reader, scheme *runtime.Scheme, systemNamespace string, decisionTimeout time.Duration) *MutationHandler {
	if systemNamespace == "" {
		systemNamespace = DefaultSystemNamespace
	}
	if decisionTimeout <= 0 {
		decisionTimeout = DefaultDecisionTimeout
	}
	return &MutationHandler{
		client:          reader,
		cache:           NewSettingsCache(reader),
		decoder:         admission.NewDecoder(scheme),
		systemNamespace: systemNamespace,
		decisionTimeout: decisionTimeout,
	}
}

// Cache exposes the settings cache so the podsettings watcher can be wired
// to invalidate it.
func (m *MutationHandler) Cache() *SettingsCache {
	return m.cache
}

// Handle processes one admission request. It never denies and never lets
// an error or panic escape: the external failure policy of a crashing
// handler must not become the denial mechanism.
func (m *MutationHandler) Handle(ctx context.Context, req admission.Request) (resp admission.Response) {
	start := time.Now()
	logger := log.FromContext(ctx).WithValues(
		"namespace", req.Namespace,
		"name", req.Name,
		"operation", req.Operation,
		"uid", req.UID,
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("panic: %v", r), "Recovered panic in admission handler")
			resp = admission.Allowed("internal error, pod admitted unmodified")
		}
		if !resp.Allowed {
			resp = admission.Allowed("internal error, pod admitted unmodified")
		}
		result := "allowed"
		if len(resp.Patches) > 0 {
			result = "patched"
		}
		metrics.RecordWebhookRequest(string(req.Operation), result, time.Since(start))
	}()

	// Dry runs are answered before any lookup so they cause no side
	// effects, not even a cache population.
	if req.DryRun != nil && *req.DryRun {
		logger.Info("Dry run, skipping pod mutation")
		return admission.Allowed("dry run")
	}

	if req.Kind.Kind != "Pod" {
		return admission.Allowed("unsupported resource kind")
	}

	var pod corev1.Pod
	if err := m.decoder.Decode(req, &pod); err != nil {
		logger.Error(err, "Failed to decode pod, allowing unmodified")
		return admission.Allowed("undecodable pod")
	}

	ctx, cancel := context.WithTimeout(ctx, m.decisionTimeout)
	defer cancel()

	nsSetting, err := m.namespaceSetting(ctx, req.Namespace)
	if err != nil {
		logger.Error(err, "Namespace setting lookup failed, allowing unmodified")
		return admission.Allowed("namespace setting lookup failed")
	}
	if nsSetting == nil {
		logger.Info("No namespace setting for pod namespace, allowing unmodified",
			"systemNamespace", m.systemNamespace)
		return admission.Allowed("namespace not managed")
	}

	settings, err := m.cache.List(ctx)
	if err != nil {
		logger.Error(err, "Pod settings list failed, allowing unmodified")
		return admission.Allowed("pod settings unavailable")
	}

	selected := filterPodSettings(settings, nsSetting.Spec.Team, pod.Labels)
	if len(selected) == 0 {
		return admission.Allowed("no matching pod settings")
	}

	mutated := pod.DeepCopy()
	for _, setting := range selected {
		if err := applyPodSetting(setting, nsSetting, mutated); err != nil {
			// One failed setting must not block the others.
			metrics.RecordSettingApplyFailure(setting.Namespace)
			logger.Error(err, "Failed to apply pod setting, skipping",
				"podsetting", setting.Namespace+"/"+setting.Name)
			continue
		}
		metrics.RecordSettingApplied(setting.Namespace)
	}

	mutatedRaw, err := json.Marshal(mutated)
	if err != nil {
		logger.Error(err, "Failed to encode mutated pod, allowing unmodified")
		return admission.Allowed("patch encoding failed")
	}

	logger.Info("Computed pod mutation", "podsettings", len(selected))
	return admission.PatchResponseFromRaw(req.Object.Raw, mutatedRaw)
}

// namespaceSetting fetches the NamespaceSetting named after the pod's
// namespace from the system namespace. A missing setting is not an error:
// it means the namespace is not managed and the pod passes unmodified.
func (m *MutationHandler) namespaceSetting(ctx context.Context, namespace string) (*orbitv1.NamespaceSetting, error) {
	var setting orbitv1.NamespaceSetting
	key := types.NamespacedName{Namespace: m.systemNamespace, Name: namespace}
	if err := m.client.Get(ctx, key, &setting); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &setting, nil
}

// filterPodSettings selects, preserving list order, the settings defined in
// the team's namespace whose pod selector matches the pod's labels.
func filterPodSettings(settings []orbitv1.PodSetting, team string, podLabels map[string]string) []*orbitv1.PodSetting {
	var selected []*orbitv1.PodSetting
	for i := range settings {
		setting := &settings[i]
		if setting.Namespace != team {
			continue
		}
		if !podSelectorMatches(setting.Spec.PodSelector, podLabels) {
			continue
		}
		selected = append(selected, setting)
	}
	return selected
}
