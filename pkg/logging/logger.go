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

// Package logging provides structured JSON logging for the orbit controller.
// It integrates with the controller-runtime logging framework so every
// component logs through the same zap core.
package logging

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Config defines the logging configuration.
type Config struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level" json:"level"`

	// Format is the log format (json, console).
	Format string `yaml:"format" json:"format"`
}

// DefaultConfig returns the production logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
	}
}

// NewLogger creates a structured logger from the configuration.
func NewLogger(config *Config) logr.Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := ctrlzap.Options{
		Development: config.Level == "debug" && config.Format != "json",
	}

	if config.Format == "json" {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "time"
		encoderConfig.LevelKey = "level"
		encoderConfig.MessageKey = "msg"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		opts.Encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		opts.Encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	level := parseLogLevel(config.Level)
	opts.Level = &level

	return ctrlzap.New(ctrlzap.UseFlagOptions(&opts))
}

// Setup creates a logger and installs it as the controller-runtime global
// logger, returning it for direct use.
func Setup(config *Config) logr.Logger {
	logger := NewLogger(config)
	ctrl.SetLogger(logger)
	return logger
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
