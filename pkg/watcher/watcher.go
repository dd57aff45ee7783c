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
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
)

// errRelist signals that the held watch position is no longer resumable and
// a full list is required.
var errRelist = errors.New("watch position expired")

// ResourceWatcher streams change events for one resource kind into the
// change queue, continuously recording the latest seen position in the
// shared ModuleState. Run never returns on transient stream errors: it
// resumes from the held watermark, or relists when the position expired.
type ResourceWatcher struct {
	client    dynamic.Interface
	gvr       schema.GroupVersionResource
	kind      string
	namespace string
	module    string

	queue   workqueue.Interface
	state   *ModuleState
	limiter *ReconnectLimiter
}

// NewResourceWatcher creates a watcher for the given resource. An empty
// namespace watches across all namespaces.
func NewResourceWatcher(
	client dynamic.Interface,
	gvr schema.GroupVersionResource,
	kind, namespace, module string,
	queue workqueue.Interface,
	state *ModuleState,
) *ResourceWatcher {
	return &ResourceWatcher{
		client:    client,
		gvr:       gvr,
		kind:      kind,
		namespace: namespace,
		module:    module,
		queue:     queue,
		state:     state,
		limiter:   NewReconnectLimiter(),
	}
}

// Run drives the LIST -> WATCH -> resume/relist loop until the context is
// cancelled or an unrecoverable API error occurs. A watcher starting with
// a persisted watermark tries to resume from it and only relists when the
// control plane rejects the position.
func (w *ResourceWatcher) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("watcher").WithValues("kind", w.kind, "module", w.module)

	needList := w.state.ResourceVersion() == ""
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}

		if needList {
			rv, err := w.listAndEmit(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if isFatal(err) {
					return fmt.Errorf("listing %s: %w", w.kind, err)
				}
				w.limiter.RecordFailure()
				log.Error(err, "List failed, retrying")
				continue
			}
			w.state.SetResourceVersion(rv)
			needList = false
			log.Info("Full list complete", "resourceVersion", rv)
		}

		err := w.watchOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errRelist):
			log.Info("Watch position expired, relisting")
			needList = true
		case err != nil && isFatal(err):
			return fmt.Errorf("watching %s: %w", w.kind, err)
		case err != nil:
			w.limiter.RecordFailure()
			log.Error(err, "Watch stream failed, resuming from last position")
		default:
			// Stream ended cleanly; reopen from the held watermark.
		}
	}
}

// listAndEmit enumerates the full current state, emits a synthetic Added
// event per object, and returns the list resourceVersion to watch from.
// Reconciliation idempotence makes the re-emission safe.
func (w *ResourceWatcher) listAndEmit(ctx context.Context) (string, error) {
	list, err := w.resource().List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}

	for i := range list.Items {
		item := &list.Items[i]
		w.enqueue(ChangeEvent{
			Kind:            w.kind,
			Namespace:       item.GetNamespace(),
			Name:            item.GetName(),
			Type:            Added,
			ResourceVersion: item.GetResourceVersion(),
		})
	}
	return list.GetResourceVersion(), nil
}

// watchOnce opens one watch stream from the current watermark and drains it
// until it closes, errors, or the context ends.
func (w *ResourceWatcher) watchOnce(ctx context.Context) error {
	opts := metav1.ListOptions{
		ResourceVersion:     w.state.ResourceVersion(),
		AllowWatchBookmarks: true,
	}

	stream, err := w.resource().Watch(ctx, opts)
	if err != nil {
		if isExpired(err) {
			return errRelist
		}
		return err
	}
	defer stream.Stop()
	w.limiter.RecordSuccess()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return nil
			}
			if err := w.handleEvent(ev); err != nil {
				return err
			}
		}
	}
}

func (w *ResourceWatcher) handleEvent(ev watch.Event) error {
	switch ev.Type {
	case watch.Error:
		err := apierrors.FromObject(ev.Object)
		if isExpired(err) {
			return errRelist
		}
		return err

	case watch.Bookmark:
		if obj, err := meta.Accessor(ev.Object); err == nil {
			w.state.SetResourceVersion(obj.GetResourceVersion())
		}
		return nil

	case watch.Added, watch.Modified, watch.Deleted:
		obj, err := meta.Accessor(ev.Object)
		if err != nil {
			return fmt.Errorf("malformed watch event object: %w", err)
		}
		w.enqueue(ChangeEvent{
			Kind:            w.kind,
			Namespace:       obj.GetNamespace(),
			Name:            obj.GetName(),
			Type:            eventType(ev.Type),
			ResourceVersion: obj.GetResourceVersion(),
		})
		w.state.SetResourceVersion(obj.GetResourceVersion())
		return nil

	default:
		return nil
	}
}

func (w *ResourceWatcher) enqueue(ev ChangeEvent) {
	w.queue.Add(ev)
	metrics.RecordWatchEvent(w.module, string(ev.Type))
}

func (w *ResourceWatcher) resource() dynamic.ResourceInterface {
	if w.namespace == "" {
		return w.client.Resource(w.gvr)
	}
	return w.client.Resource(w.gvr).Namespace(w.namespace)
}

func eventType(t watch.EventType) EventType {
	switch t {
	case watch.Added:
		return Added
	case watch.Modified:
		return Modified
	case watch.Deleted:
		return Deleted
	}
	return EventType(t)
}

// isExpired reports whether the API server rejected our watch position,
// which forces a full relist.
func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

// isFatal reports whether the error cannot be resolved by reconnecting.
// Everything else is a transient stream failure the watcher rides out.
func isFatal(err error) bool {
	return apierrors.IsUnauthorized(err) || apierrors.IsForbidden(err)
}
