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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/chamcca/aws-orbit-workbench/internal/config"
	"github.com/chamcca/aws-orbit-workbench/pkg/logging"
	"github.com/chamcca/aws-orbit-workbench/pkg/operator"
	"github.com/chamcca/aws-orbit-workbench/pkg/statestore"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	kubeconfig string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:          "orbit-controller",
		Short:        "Admission controller and settings watcher for Orbit workbench namespaces",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to the controller configuration file.")
	root.PersistentFlags().StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig file. Uses in-cluster config when empty.")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error). Overrides the config file.")

	root.AddCommand(newServeCommand())
	root.AddCommand(newWatchCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		bindAddress     string
		certDir         string
		systemNamespace string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admission webhook server with the settings watch pipelines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, setupLog, err := setup()
			if err != nil {
				return err
			}
			if bindAddress != "" {
				cfg.Webhook.BindAddress = bindAddress
			}
			if certDir != "" {
				cfg.Webhook.CertDir = certDir
			}
			if systemNamespace != "" {
				cfg.SystemNamespace = systemNamespace
			}
			setupLog.Info("Starting orbit controller",
				"version", version,
				"commit", commit,
				"systemNamespace", cfg.SystemNamespace)

			clients, err := newClients(cfg)
			if err != nil {
				setupLog.Error(err, "failed to create kubernetes clients")
				return err
			}

			op, err := operator.New(cfg, clients)
			if err != nil {
				setupLog.Error(err, "failed to create operator")
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := op.Run(ctx); err != nil {
				setupLog.Error(err, "operator stopped with error")
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddress, "bind-address", "", "Address the webhook server listens on. Overrides the config file.")
	cmd.Flags().StringVar(&certDir, "cert-dir", "", "Directory holding the serving certificate pair. Overrides the config file.")
	cmd.Flags().StringVar(&systemNamespace, "system-namespace", "", "Namespace holding NamespaceSettings and controller state. Overrides the config file.")
	return cmd
}

func newWatchCommand() *cobra.Command {
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Run a single settings watch pipeline without the webhook",
	}

	var workers int

	namespaceSettings := &cobra.Command{
		Use:   "namespacesettings",
		Short: "Watch NamespaceSettings in the system namespace",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), func(ctx context.Context, cfg *config.Config, clients *operator.KubernetesClientManager, store statestore.Store) (*operator.WatchPipeline, error) {
				return operator.NamespaceSettingsPipeline(ctx, clients.GetDynamicClient(), store, cfg.SystemNamespace, pickWorkers(workers, cfg.Watch.NamespaceWorkers), cfg.Watch.FlushInterval)
			})
		},
	}

	podSettings := &cobra.Command{
		Use:   "podsettings",
		Short: "Watch PodSettings across all namespaces",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), func(ctx context.Context, cfg *config.Config, clients *operator.KubernetesClientManager, store statestore.Store) (*operator.WatchPipeline, error) {
				return operator.PodSettingsPipeline(ctx, clients.GetDynamicClient(), store, pickWorkers(workers, cfg.Watch.PodSettingsWorkers), cfg.Watch.FlushInterval, nil)
			})
		},
	}

	watch.PersistentFlags().IntVar(&workers, "workers", 0, "Number of reconciler workers. Overrides the config file.")
	watch.AddCommand(namespaceSettings)
	watch.AddCommand(podSettings)
	return watch
}

type pipelineBuilder func(ctx context.Context, cfg *config.Config, clients *operator.KubernetesClientManager, store statestore.Store) (*operator.WatchPipeline, error)

func runWatch(parent context.Context, build pipelineBuilder) error {
	cfg, setupLog, err := setup()
	if err != nil {
		return err
	}

	clients, err := newClients(cfg)
	if err != nil {
		setupLog.Error(err, "failed to create kubernetes clients")
		return err
	}
	store := statestore.NewConfigMapStore(clients.GetKubernetesClient(), cfg.SystemNamespace, cfg.StateStore.ConfigMapName)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline, err := build(ctx, cfg, clients, store)
	if err != nil {
		setupLog.Error(err, "failed to create watch pipeline")
		return err
	}
	if err := pipeline.Run(ctx); err != nil {
		setupLog.Error(err, "watch pipeline stopped with error")
		return err
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Orbit Controller\n")
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
		},
	}
}

// setup loads configuration and installs the global logger.
func setup() (*config.Config, logr.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, logr.Discard(), fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger := logging.Setup(&cfg.Logging)
	return cfg, logger.WithName("setup"), nil
}

func newClients(cfg *config.Config) (*operator.KubernetesClientManager, error) {
	scheme, err := operator.NewScheme()
	if err != nil {
		return nil, err
	}
	kubeCfg := operator.DefaultKubernetesConfig()
	kubeCfg.Kubeconfig = kubeconfig
	return operator.NewKubernetesClientManager(kubeCfg, scheme)
}

func pickWorkers(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}
