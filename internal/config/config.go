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

// Package config loads the controller configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chamcca/aws-orbit-workbench/pkg/logging"
)

// Environment variables honored as overrides.
const (
	EnvSystemNamespace         = "ORBIT_SYSTEM_NAMESPACE"
	EnvNamespaceWatcherWorkers = "NAMESPACE_WATCHER_WORKERS"
	EnvPodSettingsWorkers      = "POD_SETTINGS_WATCHER_WORKERS"
)

// Config is the complete controller configuration.
type Config struct {
	// SystemNamespace holds the NamespaceSettings and the controller's
	// state ConfigMap.
	SystemNamespace string `yaml:"systemNamespace" json:"systemNamespace"`

	Webhook    WebhookConfig    `yaml:"webhook" json:"webhook"`
	Watch      WatchConfig      `yaml:"watch" json:"watch"`
	StateStore StateStoreConfig `yaml:"stateStore" json:"stateStore"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// WebhookConfig configures the admission webhook server.
type WebhookConfig struct {
	BindAddress string `yaml:"bindAddress" json:"bindAddress"`
	CertDir     string `yaml:"certDir" json:"certDir"`
	CertName    string `yaml:"certName" json:"certName"`
	KeyName     string `yaml:"keyName" json:"keyName"`

	// DecisionTimeout bounds the control-plane lookups per admission
	// request. Keep it below the external webhook timeout.
	DecisionTimeout time.Duration `yaml:"decisionTimeout" json:"decisionTimeout"`

	// TLSEnabled can be turned off for local development only.
	TLSEnabled bool `yaml:"tlsEnabled" json:"tlsEnabled"`
}

// WatchConfig configures the watcher pipelines.
type WatchConfig struct {
	NamespaceWorkers   int           `yaml:"namespaceWorkers" json:"namespaceWorkers"`
	PodSettingsWorkers int           `yaml:"podSettingsWorkers" json:"podSettingsWorkers"`
	FlushInterval      time.Duration `yaml:"flushInterval" json:"flushInterval"`
}

// StateStoreConfig configures the checkpoint store.
type StateStoreConfig struct {
	ConfigMapName string `yaml:"configMapName" json:"configMapName"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SystemNamespace: "orbit-system",
		Webhook: WebhookConfig{
			BindAddress:     ":9443",
			CertDir:         "/tmp/k8s-webhook-server/serving-certs",
			CertName:        "tls.crt",
			KeyName:         "tls.key",
			DecisionTimeout: 8 * time.Second,
			TLSEnabled:      true,
		},
		Watch: WatchConfig{
			NamespaceWorkers:   2,
			PodSettingsWorkers: 2,
			FlushInterval:      5 * time.Second,
		},
		StateStore: StateStoreConfig{
			ConfigMapName: "orbit-controller-state",
		},
		Logging: *logging.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 - config path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvSystemNamespace); v != "" {
		c.SystemNamespace = v
	}
	if n, ok := envInt(EnvNamespaceWatcherWorkers); ok {
		c.Watch.NamespaceWorkers = n
	}
	if n, ok := envInt(EnvPodSettingsWorkers); ok {
		c.Watch.PodSettingsWorkers = n
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.SystemNamespace == "" {
		return fmt.Errorf("systemNamespace must not be empty")
	}
	if c.Watch.NamespaceWorkers < 1 {
		return fmt.Errorf("watch.namespaceWorkers must be at least 1, got %d", c.Watch.NamespaceWorkers)
	}
	if c.Watch.PodSettingsWorkers < 1 {
		return fmt.Errorf("watch.podSettingsWorkers must be at least 1, got %d", c.Watch.PodSettingsWorkers)
	}
	if c.Webhook.DecisionTimeout <= 0 {
		return fmt.Errorf("webhook.decisionTimeout must be positive, got %s", c.Webhook.DecisionTimeout)
	}
	if c.Watch.FlushInterval <= 0 {
		return fmt.Errorf("watch.flushInterval must be positive, got %s", c.Watch.FlushInterval)
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
