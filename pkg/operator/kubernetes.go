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
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// KubernetesConfig contains Kubernetes client configuration.
type KubernetesConfig struct {
	Kubeconfig string
	QPS        float32
	Burst      int
	Timeout    time.Duration
	UserAgent  string
}

// DefaultKubernetesConfig returns default Kubernetes client configuration.
func DefaultKubernetesConfig() *KubernetesConfig {
	return &KubernetesConfig{
		QPS:       20.0,
		Burst:     30,
		Timeout:   30 * time.Second,
		UserAgent: "orbit-controller/1.0",
	}
}

// KubernetesClientManager builds and holds the client set the controller
// needs: a typed clientset for core resources, a dynamic client for the
// orbit custom resources, and a controller-runtime client for the
// webhook's reads.
type KubernetesClientManager struct {
	config        *KubernetesConfig
	restConfig    *rest.Config
	kubeClient    kubernetes.Interface
	dynamicClient dynamic.Interface
	ctrlClient    client.Client
	scheme        *runtime.Scheme
}

// NewKubernetesClientManager creates a new Kubernetes client manager.
func NewKubernetesClientManager(config *KubernetesConfig, scheme *runtime.Scheme) (*KubernetesClientManager, error) {
	if config == nil {
		config = DefaultKubernetesConfig()
	}

	mgr := &KubernetesClientManager{
		config: config,
		scheme: scheme,
	}

	if err := mgr.initializeRESTConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize REST config: %w", err)
	}
	if err := mgr.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	return mgr, nil
}

// GetRESTConfig returns the REST configuration
func (k *KubernetesClientManager) GetRESTConfig() *rest.Config {
	return k.restConfig
}

// GetKubernetesClient returns the Kubernetes client
func (k *KubernetesClientManager) GetKubernetesClient() kubernetes.Interface {
	return k.kubeClient
}

// GetDynamicClient returns the dynamic client
func (k *KubernetesClientManager) GetDynamicClient() dynamic.Interface {
	return k.dynamicClient
}

// GetControllerClient returns the controller-runtime client
func (k *KubernetesClientManager) GetControllerClient() client.Client {
	return k.ctrlClient
}

// GetScheme returns the runtime scheme
func (k *KubernetesClientManager) GetScheme() *runtime.Scheme {
	return k.scheme
}

func (k *KubernetesClientManager) initializeRESTConfig() error {
	var config *rest.Config
	var err error

	if k.config.Kubeconfig != "" {
		config, err = clientcmd.BuildConfigFromFlags("", k.config.Kubeconfig)
		if err != nil {
			return fmt.Errorf("failed to load kubeconfig from %s: %w", k.config.Kubeconfig, err)
		}
	} else {
		// In-cluster config, falling back to the default kubeconfig.
		config, err = ctrl.GetConfig()
		if err != nil {
			return fmt.Errorf("failed to get kubernetes config: %w", err)
		}
	}

	config.QPS = k.config.QPS
	config.Burst = k.config.Burst
	config.Timeout = k.config.Timeout
	config.UserAgent = k.config.UserAgent

	k.restConfig = config
	return nil
}

func (k *KubernetesClientManager) initializeClients() error {
	kubeClient, err := kubernetes.NewForConfig(k.restConfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	k.kubeClient = kubeClient

	dynamicClient, err := dynamic.NewForConfig(k.restConfig)
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}
	k.dynamicClient = dynamicClient

	ctrlClient, err := client.New(k.restConfig, client.Options{
		Scheme: k.scheme,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller client: %w", err)
	}
	k.ctrlClient = ctrlClient

	return nil
}
