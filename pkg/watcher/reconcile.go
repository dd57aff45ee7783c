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

	ctrl "sigs.k8s.io/controller-runtime"
)

// Invalidator is anything holding a process-local view that must be
// refreshed when a watched resource changes. The webhook's settings cache
// implements it.
type Invalidator interface {
	Invalidate()
}

// CheckpointReconciler is the reconcile step shared by both watch modules:
// it incorporates the event's position into the shared module state and,
// when wired with an Invalidator, drops any process-local cache of the
// watched kind. Safe to apply any number of times for the same event.
type CheckpointReconciler struct {
	module      string
	state       *ModuleState
	invalidator Invalidator
}

// NewCheckpointReconciler creates the reconcile step for a module. The
// invalidator may be nil.
func NewCheckpointReconciler(module string, state *ModuleState, invalidator Invalidator) *CheckpointReconciler {
	return &CheckpointReconciler{
		module:      module,
		state:       state,
		invalidator: invalidator,
	}
}

// Reconcile implements Reconciler.
func (r *CheckpointReconciler) Reconcile(_ context.Context, ev ChangeEvent) error {
	log := ctrl.Log.WithName("reconcile").WithValues("module", r.module)

	r.state.SetResourceVersion(ev.ResourceVersion)
	if r.invalidator != nil {
		r.invalidator.Invalidate()
	}

	log.V(1).Info("Incorporated change event",
		"kind", ev.Kind, "key", ev.Key(), "type", ev.Type, "resourceVersion", ev.ResourceVersion)
	return nil
}
