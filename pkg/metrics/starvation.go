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

package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// StarvationChecker detects when the control loop has not completed a tick
// for longer than its threshold.
type StarvationChecker struct {
	starvationThreshold time.Duration
	lastTickTime        time.Time
	now                 func() time.Time
	mutex               sync.RWMutex
	logger              *zap.SugaredLogger
}

// NewStarvationChecker creates a checker; now defaults to time.Now.
func NewStarvationChecker(threshold time.Duration, now func() time.Time, logger *zap.SugaredLogger) *StarvationChecker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StarvationChecker{
		starvationThreshold: threshold,
		lastTickTime:        now(),
		now:                 now,
		logger:              logger,
	}
}

// UpdateLastTickTime records a completed tick.
func (s *StarvationChecker) UpdateLastTickTime() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lastTickTime = s.now()
}

// LastTickTime returns when the last tick completed.
func (s *StarvationChecker) LastTickTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastTickTime
}

// Check reports whether the threshold was exceeded since the last tick and,
// if so, records the starved time and restarts the window.
func (s *StarvationChecker) Check() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	since := s.now().Sub(s.lastTickTime)
	if since <= s.starvationThreshold {
		return false
	}
	AddStarvationTime(since.Seconds())
	s.logger.Warnf("Control loop starvation detected: %.2f seconds since last tick", since.Seconds())
	s.lastTickTime = s.now()
	return true
}
