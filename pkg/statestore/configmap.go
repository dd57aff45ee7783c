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

package statestore

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

// DefaultConfigMapName is the ConfigMap holding all module checkpoints,
// one data key per module.
const DefaultConfigMapName = "orbit-controller-state"

// ConfigMapStore persists module state in a single ConfigMap in the system
// namespace. Each module owns one data key whose value is the JSON-encoded
// ModuleState.
type ConfigMapStore struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewConfigMapStore creates a store backed by the named ConfigMap. An empty
// name falls back to DefaultConfigMapName.
func NewConfigMapStore(client kubernetes.Interface, namespace, name string) *ConfigMapStore {
	if name == "" {
		name = DefaultConfigMapName
	}
	return &ConfigMapStore{
		client:    client,
		namespace: namespace,
		name:      name,
	}
}

// Get implements Store.
func (s *ConfigMapStore) Get(ctx context.Context, module string) (ModuleState, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return ModuleState{}, nil
		}
		return nil, fmt.Errorf("failed to read state configmap %s/%s: %w", s.namespace, s.name, err)
	}

	raw, ok := cm.Data[module]
	if !ok || raw == "" {
		return ModuleState{}, nil
	}

	state := ModuleState{}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		// A corrupt checkpoint behaves like a missing one: the watcher
		// relists and rebuilds it.
		return ModuleState{}, nil
	}
	return state, nil
}

// Put implements Store. It creates the ConfigMap on first use and retries
// on update conflicts with other writers.
func (s *ConfigMapStore) Put(ctx context.Context, module string, state ModuleState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for module %q: %w", module, err)
	}

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Namespace: s.namespace,
					Name:      s.name,
					Labels: map[string]string{
						"app.kubernetes.io/name":       "orbit",
						"app.kubernetes.io/component":  "state-store",
						"app.kubernetes.io/managed-by": "orbit-controller",
					},
				},
				Data: map[string]string{module: string(raw)},
			}
			_, err = s.client.CoreV1().ConfigMaps(s.namespace).Create(ctx, cm, metav1.CreateOptions{})
			return err
		}
		if err != nil {
			return err
		}

		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		cm.Data[module] = string(raw)
		_, err = s.client.CoreV1().ConfigMaps(s.namespace).Update(ctx, cm, metav1.UpdateOptions{})
		return err
	})
}
