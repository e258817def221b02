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

// Package backoff paces retries of failing operations.
package backoff

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	// TemporaryBackoffError prefixes errors returned while a retry is scheduled.
	TemporaryBackoffError = "operation suspended due to temporary error"

	// PermanentFailureError prefixes errors returned once MaxRetries is exhausted.
	PermanentFailureError = "operation permanently failed after max retries"
)

// Clock is the time source; backoff.SystemClock in production.
type Clock = backoff.Clock

// Manager schedules retries of a failing operation with exponential backoff.
// The edge node uses it to pace birth attempts after a failed publish.
type Manager struct {
	mu sync.RWMutex

	lastError          error
	policy             backoff.BackOff
	suspendedUntilTime time.Time
	permanentFailure   bool
	attempts           uint64

	componentName string
	clock         Clock
	logger        *zap.SugaredLogger
}

// Config configures a Manager.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Multiplier grows the interval after each failure; 0 uses the library default.
	Multiplier float64
	// MaxRetries is the number of failures tolerated; 0 retries forever.
	MaxRetries uint64
	// RandomizationFactor jitters every interval by up to this fraction.
	RandomizationFactor float64
	ComponentName       string
	Clock               Clock
	Logger              *zap.SugaredLogger
}

// DefaultConfig retries forever, starting at 500ms and capping at 30s.
func DefaultConfig(componentName string, logger *zap.SugaredLogger) Config {
	return Config{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		ComponentName:       componentName,
		Logger:              logger,
	}
}

// NewManager creates a Manager from config.
func NewManager(config Config) *Manager {
	clock := config.Clock
	if clock == nil {
		clock = backoff.SystemClock
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = config.InitialInterval
	exp.MaxInterval = config.MaxInterval
	exp.RandomizationFactor = config.RandomizationFactor
	if config.Multiplier > 0 {
		exp.Multiplier = config.Multiplier
	}
	exp.MaxElapsedTime = 0
	exp.Clock = clock
	exp.Reset()

	var policy backoff.BackOff = exp
	if config.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(exp, config.MaxRetries)
	}

	return &Manager{
		policy:        policy,
		componentName: config.ComponentName,
		clock:         clock,
		logger:        logger,
	}
}

// SetError records a failure and schedules the next attempt. It returns true
// once the retry budget is exhausted.
func (m *Manager) SetError(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err
	m.attempts++
	if m.permanentFailure {
		return true
	}

	next := m.policy.NextBackOff()
	if next == backoff.Stop {
		m.logger.Errorf("%s has exceeded maximum retries, marking as permanently failed", m.componentName)
		m.permanentFailure = true
		m.suspendedUntilTime = time.Time{}
		return true
	}

	m.suspendedUntilTime = m.clock.Now().Add(next)
	m.logger.Debugf("Suspending %s for %s after attempt %d failed: %s", m.componentName, next, m.attempts, err)
	return false
}

// Reset clears the failure history after a success.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.policy.Reset()
	m.suspendedUntilTime = time.Time{}
	m.permanentFailure = false
	m.attempts = 0
}

// ShouldSkipOperation reports whether the caller must wait before retrying.
func (m *Manager) ShouldSkipOperation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return true
	}
	if m.lastError == nil || m.suspendedUntilTime.IsZero() {
		return false
	}
	return m.clock.Now().Before(m.suspendedUntilTime)
}

// IsPermanentlyFailed reports whether MaxRetries was exceeded.
func (m *Manager) IsPermanentlyFailed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permanentFailure
}

// LastError returns the most recent failure, or nil after Reset.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Attempts returns the number of failures since the last Reset.
func (m *Manager) Attempts() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.attempts
}

// RetryAt returns when the next attempt is allowed; zero if not suspended.
func (m *Manager) RetryAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.suspendedUntilTime
}

// BackoffError describes the current state as an error wrapping the last
// failure, or returns nil when no backoff is in progress.
func (m *Manager) BackoffError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return fmt.Errorf("%s: %w", PermanentFailureError, m.lastError)
	}
	now := m.clock.Now()
	if m.lastError != nil && !m.suspendedUntilTime.IsZero() && now.Before(m.suspendedUntilTime) {
		return fmt.Errorf("%s (retry after %v): %w", TemporaryBackoffError, m.suspendedUntilTime.Sub(now), m.lastError)
	}
	return nil
}

// IsTemporaryBackoffError reports whether err came from BackoffError during a scheduled retry.
func IsTemporaryBackoffError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), TemporaryBackoffError)
}

// IsPermanentFailureError reports whether err came from BackoffError after the budget ran out.
func IsPermanentFailureError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), PermanentFailureError)
}
