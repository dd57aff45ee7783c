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

// Package statestore persists per-module watch checkpoints so a restarted
// watcher resumes from its last incorporated position instead of replaying
// full history.
package statestore

import "context"

// ModuleState is the opaque checkpoint blob for one module. The watcher
// stores the last seen list/watch position under KeyResourceVersion.
type ModuleState map[string]string

// KeyResourceVersion is the ModuleState key holding the watch watermark.
const KeyResourceVersion = "resourceVersion"

// ResourceVersion returns the stored watch watermark, or "" when the module
// has no checkpoint yet.
func (s ModuleState) ResourceVersion() string {
	return s[KeyResourceVersion]
}

// Store is a durable key/value checkpoint store keyed by module name
// (e.g. "namespace-watcher", "podsetting-watcher").
type Store interface {
	// Get returns the persisted state for a module. A module that was never
	// checkpointed yields an empty, non-nil state and no error.
	Get(ctx context.Context, module string) (ModuleState, error)

	// Put replaces the persisted state for a module.
	Put(ctx context.Context, module string, state ModuleState) error
}
