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

package watcher

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
	"github.com/chamcca/aws-orbit-workbench/pkg/statestore"
)

// DefaultFlushInterval is how often the StateUpdater persists the in-memory
// watermark. On a crash at most one interval of progress is lost and
// replayed, which reconciliation idempotence tolerates.
const DefaultFlushInterval = 5 * time.Second

// StateUpdater periodically flushes the watcher's in-memory watermark to
// the checkpoint store, coalescing rapid advances into one write per
// interval.
type StateUpdater struct {
	module   string
	state    *ModuleState
	store    statestore.Store
	interval time.Duration
}

// NewStateUpdater creates an updater for one module. A non-positive
// interval falls back to DefaultFlushInterval.
func NewStateUpdater(module string, state *ModuleState, store statestore.Store, interval time.Duration) *StateUpdater {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &StateUpdater{
		module:   module,
		state:    state,
		store:    store,
		interval: interval,
	}
}

// Run flushes on every interval tick until the context is cancelled, then
// makes one best-effort final flush so a clean shutdown loses nothing.
func (u *StateUpdater) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("state-updater").WithValues("module", u.module)
	log.Info("Starting state updater", "interval", u.interval.String())

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.flush(ctx, log)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			u.flush(flushCtx, log)
			cancel()
			return ctx.Err()
		}
	}
}

func (u *StateUpdater) flush(ctx context.Context, log logr.Logger) {
	snapshot, changed := u.state.ConsumeDirty()
	if !changed {
		return
	}
	if err := u.store.Put(ctx, u.module, snapshot); err != nil {
		// Keep the state dirty so the next tick retries the write.
		u.state.markDirty()
		log.Error(err, "Failed to persist module state")
		return
	}
	metrics.RecordCheckpointFlush(u.module)
}
