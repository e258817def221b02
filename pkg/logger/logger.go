// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger sets up the process-wide zap logger and hands out
// component-scoped sugared loggers.
package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.Mutex
	root = zap.NewNop()
)

// Initialize installs a production JSON logger at level (debug, info, warn,
// error). An empty level means info.
func Initialize(level string) error {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set replaces the root logger, for example with zaptest in tests.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	zap.ReplaceGlobals(l)
}

// For returns a sugared logger tagged with component.
func For(component string) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return root.Sugar().With("component", component)
}

// Sync flushes buffered log entries.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
}
