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

package webhook

import (
	"context"
	"fmt"
	"sync"

	"sigs.k8s.io/controller-runtime/pkg/client"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
)

// SettingsCache is the process-local read-through cache of the cluster's
// full PodSetting list. The first List populates it behind a mutex so
// concurrent first requests cannot race to fetch twice; afterwards the
// cached slice is treated as immutable and served without copying.
// Invalidate drops it so the next List refetches.
type SettingsCache struct {
	reader client.Reader

	mu       sync.Mutex
	loaded   bool
	settings []orbitv1.PodSetting
}

// NewSettingsCache creates a cache reading through the given client.
func NewSettingsCache(reader client.Reader) *SettingsCache {
	return &SettingsCache{reader: reader}
}

// List returns every PodSetting in the cluster in the order the API server
// returned them. The application order of settings is this list order;
// callers must not resort or mutate the returned slice.
func (c *SettingsCache) List(ctx context.Context) ([]orbitv1.PodSetting, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		var list orbitv1.PodSettingList
		if err := c.reader.List(ctx, &list); err != nil {
			return nil, fmt.Errorf("failed to list pod settings: %w", err)
		}
		c.settings = list.Items
		c.loaded = true
		metrics.RecordSettingsCacheRefresh()
	}
	return c.settings, nil
}

// Invalidate drops the cached list. Wired to the podsettings watcher so
// webhook decisions see changed settings within one watch delivery.
func (c *SettingsCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		c.loaded = false
		c.settings = nil
		metrics.RecordSettingsCacheInvalidation()
	}
}
