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
	"crypto/tls"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/chamcca/aws-orbit-workbench/internal/config"
	"github.com/chamcca/aws-orbit-workbench/internal/server"
	orbitv1 "github.com/chamcca/aws-orbit-workbench/pkg/apis/orbit/v1"
	"github.com/chamcca/aws-orbit-workbench/pkg/metrics"
	"github.com/chamcca/aws-orbit-workbench/pkg/statestore"
	"github.com/chamcca/aws-orbit-workbench/pkg/webhook"
)

// Operator assembles the admission webhook, the settings watch
// pipelines, and the HTTP surface into one process.
type Operator struct {
	config  *config.Config
	clients *KubernetesClientManager
	scheme  *runtime.Scheme

	mutationHandler *webhook.MutationHandler
	certWatcher     *webhook.CertificateWatcher
	httpServer      *server.Server
	healthChecker   *server.HealthChecker

	store     statestore.Store
	pipelines []*WatchPipeline
}

// NewScheme builds the runtime scheme with all types the controller
// decodes: core and admission types plus the orbit API group.
func NewScheme() (*runtime.Scheme, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add client-go types to scheme: %w", err)
	}
	if err := admissionv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add admission types to scheme: %w", err)
	}
	if err := orbitv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add orbit types to scheme: %w", err)
	}
	return scheme, nil
}

// New wires up the operator from configuration. No goroutines start
// until Run.
func New(cfg *config.Config, clients *KubernetesClientManager) (*Operator, error) {
	o := &Operator{
		config:  cfg,
		clients: clients,
		scheme:  clients.GetScheme(),
	}

	if err := o.initializeCoreServices(); err != nil {
		return nil, err
	}
	if err := o.initializeHTTPServer(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Operator) initializeCoreServices() error {
	o.store = statestore.NewConfigMapStore(
		o.clients.GetKubernetesClient(),
		o.config.SystemNamespace,
		o.config.StateStore.ConfigMapName,
	)

	o.mutationHandler = webhook.NewMutationHandler(
		o.clients.GetControllerClient(),
		o.scheme,
		o.config.SystemNamespace,
		o.config.Webhook.DecisionTimeout,
	)
	return nil
}

func (o *Operator) initializeHTTPServer() error {
	var tlsConfig *tls.Config
	if o.config.Webhook.TLSEnabled {
		certPath := filepath.Join(o.config.Webhook.CertDir, o.config.Webhook.CertName)
		keyPath := filepath.Join(o.config.Webhook.CertDir, o.config.Webhook.KeyName)
		cw, err := webhook.NewCertificateWatcher(certPath, keyPath)
		if err != nil {
			return fmt.Errorf("failed to load serving certificate: %w", err)
		}
		o.certWatcher = cw
		tlsConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: cw.GetCertificate,
		}
	}

	o.healthChecker = server.NewHealthChecker(o.clients.GetKubernetesClient())
	webhookServer := server.NewWebhookServer(o.mutationHandler, o.scheme)
	metricsServer := server.NewMetricsServer(metrics.NewCollector())

	o.httpServer = server.NewServer(server.Config{
		BindAddress: o.config.Webhook.BindAddress,
		TLSConfig:   tlsConfig,
	}, webhookServer, o.healthChecker, metricsServer)
	return nil
}

// HealthChecker returns the readiness gate for external wiring.
func (o *Operator) HealthChecker() *server.HealthChecker {
	return o.healthChecker
}

// HTTPServer returns the assembled HTTP surface, mainly for tests.
func (o *Operator) HTTPServer() *server.Server {
	return o.httpServer
}

// Run starts everything and blocks until the context is canceled or a
// component fails fatally.
func (o *Operator) Run(ctx context.Context) error {
	log := ctrl.Log.WithName("operator")
	log.Info("Starting orbit controller",
		"systemNamespace", o.config.SystemNamespace,
		"bindAddress", o.config.Webhook.BindAddress,
		"tls", o.config.Webhook.TLSEnabled)

	nsPipeline, err := NamespaceSettingsPipeline(ctx,
		o.clients.GetDynamicClient(), o.store,
		o.config.SystemNamespace, o.config.Watch.NamespaceWorkers, o.config.Watch.FlushInterval)
	if err != nil {
		return err
	}
	psPipeline, err := PodSettingsPipeline(ctx,
		o.clients.GetDynamicClient(), o.store,
		o.config.Watch.PodSettingsWorkers, o.config.Watch.FlushInterval, o.mutationHandler.Cache())
	if err != nil {
		return err
	}
	o.pipelines = []*WatchPipeline{nsPipeline, psPipeline}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		// Flip readiness so the endpoint stops routing new admission
		// requests during teardown.
		o.healthChecker.SetNotReady("shutting down")
		return nil
	})
	if o.certWatcher != nil {
		g.Go(func() error { return o.certWatcher.Start(ctx) })
	}
	g.Go(func() error { return o.httpServer.Run(ctx) })
	for _, p := range o.pipelines {
		p := p
		g.Go(func() error { return p.Run(ctx) })
	}

	err = g.Wait()
	if err != nil {
		log.Error(err, "Controller stopped with error")
		return err
	}
	log.Info("Controller stopped")
	return nil
}
