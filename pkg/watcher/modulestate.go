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
	"sync"

	"github.com/chamcca/aws-orbit-workbench/pkg/statestore"
)

// ModuleState exclusively owns the in-memory watermark shared between the
// ResourceWatcher (writer) and the StateUpdater (reader). All access goes
// through typed accessors under a mutex; nothing hands out the underlying
// map.
type ModuleState struct {
	mu     sync.RWMutex
	values statestore.ModuleState
	dirty  bool
}

// NewModuleState creates a ModuleState seeded with a persisted checkpoint.
func NewModuleState(initial statestore.ModuleState) *ModuleState {
	values := statestore.ModuleState{}
	for k, v := range initial {
		values[k] = v
	}
	return &ModuleState{values: values}
}

// ResourceVersion returns the latest seen watch position, or "" when the
// module has never observed one.
func (s *ModuleState) ResourceVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values.ResourceVersion()
}

// SetResourceVersion records a newly observed watch position. Setting the
// value already held is a no-op and does not mark the state dirty.
func (s *ModuleState) SetResourceVersion(rv string) {
	if rv == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values[statestore.KeyResourceVersion] == rv {
		return
	}
	s.values[statestore.KeyResourceVersion] = rv
	s.dirty = true
}

// Snapshot returns a copy of the current state.
func (s *ModuleState) Snapshot() statestore.ModuleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := statestore.ModuleState{}
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// markDirty restores the dirty flag after a failed flush so the next
// updater tick retries the write.
func (s *ModuleState) markDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// ConsumeDirty returns a snapshot together with whether the state changed
// since the previous call, clearing the dirty flag. The StateUpdater uses
// it to coalesce rapid watermark advances into one flush per interval.
func (s *ModuleState) ConsumeDirty() (statestore.ModuleState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.dirty
	s.dirty = false
	out := statestore.ModuleState{}
	for k, v := range s.values {
		out[k] = v
	}
	return out, changed
}
