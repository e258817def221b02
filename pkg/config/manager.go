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

package config

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/filesystem"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
)

const (
	// DefaultConfigPath is the default path to the config file
	DefaultConfigPath = "/data/config.yaml"
)

// ConfigManager is the interface for config management
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context) (FullConfig, error)
}

// FileConfigManager implements the ConfigManager interface by reading from a file
type FileConfigManager struct {
	configPath string
	fsService  filesystem.Service
	logger     *zap.SugaredLogger
}

// NewFileConfigManager reads path, or DefaultConfigPath when path is empty.
func NewFileConfigManager(path string) *FileConfigManager {
	if path == "" {
		path = DefaultConfigPath
	}
	return &FileConfigManager{
		configPath: path,
		fsService:  filesystem.NewDefaultService(),
		logger:     logger.For(logger.ComponentConfigManager),
	}
}

// WithFileSystemService allows setting a custom filesystem service
// useful for testing
func (m *FileConfigManager) WithFileSystemService(fsService filesystem.Service) *FileConfigManager {
	m.fsService = fsService
	return m
}

// Path returns the file the manager reads.
func (m *FileConfigManager) Path() string {
	return m.configPath
}

// GetConfig returns the current config, always reading fresh from disk
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	exists, err := m.fsService.FileExists(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, err
	}
	if !exists {
		return FullConfig{}, fmt.Errorf("config file does not exist: %s", m.configPath)
	}

	data, err := m.fsService.ReadFile(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := Parse(data)
	if err != nil {
		return FullConfig{}, fmt.Errorf("config file %s: %w", m.configPath, err)
	}
	m.logger.Debugf("Loaded config for %s/%s with %d metrics",
		config.Identity.GroupID, config.Identity.EdgeNodeID, len(config.Metrics))
	return config, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (FullConfig, error) {
	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return FullConfig{}, err
	}
	return config, nil
}
