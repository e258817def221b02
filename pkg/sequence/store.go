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

package sequence

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileStore keeps bdSeq as decimal text in a single file. Writes go to a
// temporary file that is synced and renamed over the target, so a crash
// leaves either the old or the new value.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store for path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stored value. A missing file means no value; an unreadable
// or corrupt file is an error, never a silent reset.
func (s *FileStore) Load() (uint8, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 8)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt bdSeq file %s: %w", s.path, err)
	}
	return uint8(v), true, nil
}

// Save writes value durably.
func (s *FileStore) Save(value uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatUint(uint64(value), 10)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}

	// Persist the rename itself.
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// MemoryStore is a Store kept in memory. It is not restart-safe and serves
// tests and deployments that opt out of persistence.
type MemoryStore struct {
	mu      sync.Mutex
	value   uint8
	ok      bool
	saves   []uint8
	saveErr error
	loadErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreWith creates a store that already holds value.
func NewMemoryStoreWith(value uint8) *MemoryStore {
	return &MemoryStore{value: value, ok: true}
}

func (m *MemoryStore) Load() (uint8, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return 0, false, m.loadErr
	}
	return m.value, m.ok, nil
}

func (m *MemoryStore) Save(value uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.value, m.ok = value, true
	m.saves = append(m.saves, value)
	return nil
}

// FailSaves makes every following Save return err; nil restores normal operation.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// FailLoads makes every following Load return err; nil restores normal operation.
func (m *MemoryStore) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadErr = err
}

// Saves returns every value saved so far, in order.
func (m *MemoryStore) Saves() []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint8(nil), m.saves...)
}
