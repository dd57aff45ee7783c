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

package operator

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	ctrl "sigs.k8s.io/controller-runtime"

	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/statestore"
	"github.com/chamcca/aws-orbit-workbench/pkg/watcher"
)

// Module names used as state store keys. Renaming one orphans its
// persisted watermark.
const (
	ModuleNamespaceWatcher  = "namespace-watcher"
	ModulePodSettingWatcher = "podsetting-watcher"
)

var (
	namespaceSettingsGVR = schema.GroupVersionResource{
		Group:    orbitv1.GroupVersion.Group,
		Version:  orbitv1.GroupVersion.Version,
		Resource: "namespacesettings",
	}
	podSettingsGVR = schema.GroupVersionResource{
		Group:    orbitv1.GroupVersion.Group,
		Version:  orbitv1.GroupVersion.Version,
		Resource: "podsettings",
	}
)

// PipelineConfig describes one watch pipeline.
type PipelineConfig struct {
	// Module is the state store key for the pipeline's watermark.
	Module string
	// GVR and Kind identify the watched resource.
	GVR  schema.GroupVersionResource
	Kind string
	// Namespace scopes the watch; empty watches all namespaces.
	Namespace string
	// Workers is the reconciler goroutine count.
	Workers int
	// FlushInterval is the checkpoint flush period.
	FlushInterval time.Duration
	// Invalidator, when set, is notified on every reconciled change.
	Invalidator watcher.Invalidator
}

// WatchPipeline is one resource's watch loop, worker pool, and
// checkpoint updater, sharing a ModuleState watermark.
type WatchPipeline struct {
	config  PipelineConfig
	watcher *watcher.ResourceWatcher
	pool    *watcher.WorkerPool
	updater *watcher.StateUpdater
}

// NewWatchPipeline loads the module's persisted state and assembles the
// pipeline around it. The returned pipeline does nothing until Run.
func NewWatchPipeline(ctx context.Context, client dynamic.Interface, store statestore.Store, config PipelineConfig) (*WatchPipeline, error) {
	if config.Workers <= 0 {
		config.Workers = watcher.DefaultWorkers
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = watcher.DefaultFlushInterval
	}

	persisted, err := store.Get(ctx, config.Module)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for module %s: %w", config.Module, err)
	}
	state := watcher.NewModuleState(persisted)

	queue := watcher.NewChangeQueue(config.Module)
	reconciler := watcher.NewCheckpointReconciler(config.Module, state, config.Invalidator)

	return &WatchPipeline{
		config:  config,
		watcher: watcher.NewResourceWatcher(client, config.GVR, config.Kind, config.Namespace, config.Module, queue, state),
		pool:    watcher.NewWorkerPool(config.Module, config.Workers, queue, reconciler),
		updater: watcher.NewStateUpdater(config.Module, state, store, config.FlushInterval),
	}, nil
}

// Run drives the watcher, workers, and updater until the context is
// canceled or the watch fails fatally.
func (p *WatchPipeline) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("pipeline").WithValues("module", p.config.Module)
	log.Info("Starting watch pipeline", "kind", p.config.Kind, "workers", p.config.Workers)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.watcher.Run(ctx) })
	g.Go(func() error { return p.pool.Run(ctx) })
	g.Go(func() error { return p.updater.Run(ctx) })

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch pipeline %s: %w", p.config.Module, err)
	}
	log.Info("Watch pipeline stopped")
	return nil
}

// NamespaceSettingsPipeline builds the pipeline tracking
// NamespaceSettings in the system namespace.
func NamespaceSettingsPipeline(ctx context.Context, client dynamic.Interface, store statestore.Store, systemNamespace string, workers int, flushInterval time.Duration) (*WatchPipeline, error) {
	return NewWatchPipeline(ctx, client, store, PipelineConfig{
		Module:        ModuleNamespaceWatcher,
		GVR:           namespaceSettingsGVR,
		Kind:          "NamespaceSetting",
		Namespace:     systemNamespace,
		Workers:       workers,
		FlushInterval: flushInterval,
	})
}

// PodSettingsPipeline builds the cluster-wide PodSettings pipeline. The
// invalidator, if non-nil, drops the webhook's settings cache whenever a
// PodSetting changes.
func PodSettingsPipeline(ctx context.Context, client dynamic.Interface, store statestore.Store, workers int, flushInterval time.Duration, invalidator watcher.Invalidator) (*WatchPipeline, error) {
	return NewWatchPipeline(ctx, client, store, PipelineConfig{
		Module:        ModulePodSettingWatcher,
		GVR:           podSettingsGVR,
		Kind:          "PodSetting",
		Workers:       workers,
		FlushInterval: flushInterval,
		Invalidator:   invalidator,
	})
}
