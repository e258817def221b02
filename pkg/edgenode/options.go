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

package edgenode

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/backoff"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
)

// RebirthMetric is the built-in command a host writes true to in order to
// request a fresh NBIRTH.
const RebirthMetric = "Node Control/Rebirth"

// Options configure a Node.
type Options struct {
	GroupID    string
	EdgeNodeID string
	// PrimaryHostID enables the STATE handshake when not empty.
	PrimaryHostID string

	// QoS for NBIRTH and NDATA. NDEATH always uses QoS 1.
	QoS byte
	// PrimaryHostTimeout is how long OnTick waits for the primary host
	// before reporting ErrPrimaryHostTimeout; 0 never reports.
	PrimaryHostTimeout time.Duration
	// KeepAlive is the transport keepalive; OnTick pings every KeepAlive/2.
	// 0 disables pinging.
	KeepAlive time.Duration
	// UseAliases sends NDATA metrics by alias only when they have one.
	UseAliases bool
	// DisableRebirthCommand omits the Node Control/Rebirth metric.
	DisableRebirthCommand bool

	// Clock defaults to time.Now.
	Clock func() time.Time
	// Logger defaults to a no-op logger.
	Logger *zap.SugaredLogger
	// BirthBackoff paces birth retries; nil uses backoff.DefaultConfig.
	BirthBackoff *backoff.Manager
}

func (o *Options) validate() error {
	if o.QoS > 2 {
		return fmt.Errorf("%w: qos %d", ErrInvalidConfig, o.QoS)
	}
	if o.PrimaryHostTimeout < 0 || o.KeepAlive < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	return nil
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	if o.BirthBackoff == nil {
		cfg := backoff.DefaultConfig(o.EdgeNodeID+" birth", logger.For(logger.ComponentBirthBackoff))
		cfg.Clock = clockFunc(o.Clock)
		o.BirthBackoff = backoff.NewManager(cfg)
	}
}

type clockFunc func() time.Time

func (c clockFunc) Now() time.Time { return c() }
