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

package filesystem

import (
	"context"
	"fmt"
	"os"
)

// Service provides the filesystem operations the config loader needs.
// This allows tests to substitute an in-memory tree.
type Service interface {
	// ReadFile reads a file's contents respecting the context
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// FileExists checks if a file exists
	FileExists(ctx context.Context, path string) (bool, error)
}

// DefaultService reads from the local disk.
type DefaultService struct{}

// NewDefaultService creates a new DefaultService
func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

func (s *DefaultService) checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if err := s.checkContext(ctx); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *DefaultService) FileExists(ctx context.Context, path string) (bool, error) {
	if err := s.checkContext(ctx); err != nil {
		return false, err
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check if file exists: %w", err)
	}
	return true, nil
}

// MemoryService serves files from a map; for tests.
type MemoryService struct {
	Files map[string][]byte
}

func NewMemoryService(files map[string][]byte) *MemoryService {
	if files == nil {
		files = make(map[string][]byte)
	}
	return &MemoryService{Files: files}
}

func (m *MemoryService) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, ok := m.Files[path]
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return data, nil
}

func (m *MemoryService) FileExists(_ context.Context, path string) (bool, error) {
	_, ok := m.Files[path]
	return ok, nil
}
