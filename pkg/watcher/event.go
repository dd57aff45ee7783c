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

// Package watcher implements the watch/queue/worker pipeline that keeps the
// controller's view of the orbit custom resources synchronized with the API
// server. A ResourceWatcher streams change events into a shared work queue,
// a WorkerPool drains it through an idempotent Reconciler, and a
// StateUpdater periodically checkpoints the watch position so a restart
// resumes without replaying history.
package watcher

import (
	"k8s.io/client-go/util/workqueue"
)

// EventType classifies a change event.
type EventType string

const (
	// Added means the object is new to the watcher, either from a watch
	// stream ADDED event or synthesized during a full relist.
	Added EventType = "Added"
	// Modified means an existing object changed.
	Modified EventType = "Modified"
	// Deleted means the object was removed.
	Deleted EventType = "Deleted"
)

// ChangeEvent describes one observed add/modify/delete of a watched
// resource. It is a comparable value so it can ride the work queue.
type ChangeEvent struct {
	Kind            string
	Namespace       string
	Name            string
	Type            EventType
	ResourceVersion string
}

// Key returns the namespace/name identity the reconcile step is keyed by.
func (e ChangeEvent) Key() string {
	if e.Namespace == "" {
		return e.Name
	}
	return e.Namespace + "/" + e.Name
}

// NewChangeQueue creates the shared FIFO the watcher pushes to and the
// worker pool drains. Delivery is at-least-once; Get blocks until an item
// is available or the queue is shut down.
func NewChangeQueue(name string) workqueue.Interface {
	return workqueue.NewNamed(name)
}
