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
	"sync"

	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
)

// DefaultWorkers is the worker count used when neither the flag nor the
// environment override supplies one.
const DefaultWorkers = 2

// Reconciler applies one idempotent reconcile step for a change event.
// Events are delivered at least once, so a Reconciler must tolerate
// duplicates and full-state replays after a relist.
type Reconciler interface {
	Reconcile(ctx context.Context, ev ChangeEvent) error
}

// ReconcilerFunc adapts a function to the Reconciler interface.
type ReconcilerFunc func(ctx context.Context, ev ChangeEvent) error

// Reconcile implements Reconciler.
func (f ReconcilerFunc) Reconcile(ctx context.Context, ev ChangeEvent) error {
	return f(ctx, ev)
}

// WorkerPool runs N parallel consumers draining the change queue. A failed
// reconcile is logged and the event dropped; there is no retry or
// dead-letter queue, which the at-least-once delivery and relist behavior
// make acceptable.
type WorkerPool struct {
	module     string
	workers    int
	queue      workqueue.Interface
	reconciler Reconciler
}

// NewWorkerPool creates a pool of the given size. A non-positive size
// falls back to DefaultWorkers.
func NewWorkerPool(module string, workers int, queue workqueue.Interface, reconciler Reconciler) *WorkerPool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &WorkerPool{
		module:     module,
		workers:    workers,
		queue:      queue,
		reconciler: reconciler,
	}
}

// Run starts the workers and blocks until the context is cancelled and all
// workers have drained out. Cancellation shuts the queue down, which wakes
// workers blocked in Get; in-flight items may be lost.
func (p *WorkerPool) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("workers").WithValues("module", p.module)
	log.Info("Starting worker pool", "workers", p.workers)

	go func() {
		<-ctx.Done()
		p.queue.ShutDown()
	}()

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	log.Info("Worker pool stopped")
	return ctx.Err()
}

func (p *WorkerPool) worker(ctx context.Context, id int) {
	log := ctrl.Log.WithName("workers").WithValues("module", p.module, "worker", id)

	for {
		item, shutdown := p.queue.Get()
		if shutdown {
			return
		}

		ev, ok := item.(ChangeEvent)
		if !ok {
			p.queue.Done(item)
			continue
		}

		if err := p.reconciler.Reconcile(ctx, ev); err != nil {
			// The event is dropped; a later event or relist for the same
			// object reconverges the state.
			metrics.RecordReconcileError(p.module)
			log.Error(err, "Reconcile failed, dropping event",
				"kind", ev.Kind, "key", ev.Key(), "type", ev.Type)
		}
		p.queue.Done(item)
	}
}
