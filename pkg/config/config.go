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
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/sequence"
)

type FullConfig struct {
	Agent    AgentConfig    `yaml:"agent"`    // Process settings, require a restart
	MQTT     MQTTConfig     `yaml:"mqtt"`     // Broker connection
	Identity IdentityConfig `yaml:"identity"` // Sparkplug group, edge node and primary host
	Session  SessionConfig  `yaml:"session"`
	Metrics  []MetricConfig `yaml:"metrics"` // Metrics announced in the birth
}

type AgentConfig struct {
	MetricsPort  int           `yaml:"metricsPort"` // Port to expose metrics on; 0 disables
	LogLevel     string        `yaml:"logLevel"`
	TickInterval time.Duration `yaml:"tickInterval"`
}

type MQTTConfig struct {
	URLs           []string          `yaml:"urls"`
	ClientID       string            `yaml:"clientId"`
	Credentials    CredentialsConfig `yaml:"credentials"`
	QoS            byte              `yaml:"qos"` // QoS for NBIRTH and NDATA
	KeepAlive      time.Duration     `yaml:"keepAlive"`
	ConnectTimeout time.Duration     `yaml:"connectTimeout"`
	CleanSession   bool              `yaml:"cleanSession"`
}

type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type IdentityConfig struct {
	GroupID       string `yaml:"groupId"`
	EdgeNodeID    string `yaml:"edgeNodeId"`
	PrimaryHostID string `yaml:"primaryHostId"` // Empty disables the STATE handshake
}

type SessionConfig struct {
	BdSeqFile          string        `yaml:"bdSeqFile"` // Empty keeps bdSeq in memory only
	PrimaryHostTimeout time.Duration `yaml:"primaryHostTimeout"`
	UseAliases         bool          `yaml:"useAliases"`
	RebirthCommand     bool          `yaml:"rebirthCommand"`
}

// MetricConfig declares one metric. Value is converted to Type; a missing
// value registers the metric as null.
type MetricConfig struct {
	Name    string  `yaml:"name"`
	Type    string  `yaml:"type"`
	Value   any     `yaml:"value"`
	Alias   *uint64 `yaml:"alias"`
	Command bool    `yaml:"command"`
}

// Default returns the values used for every field the file leaves out.
func Default() FullConfig {
	return FullConfig{
		Agent: AgentConfig{
			MetricsPort:  9102,
			LogLevel:     "info",
			TickInterval: time.Second,
		},
		MQTT: MQTTConfig{
			URLs:           []string{"tcp://localhost:1883"},
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			CleanSession:   true,
		},
		Session: SessionConfig{
			BdSeqFile:          "/data/bdseq",
			PrimaryHostTimeout: 60 * time.Second,
			RebirthCommand:     true,
		},
	}
}

// Validate reports every problem at once. All errors wrap
// edgenode.ErrInvalidConfig.
func (c FullConfig) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{edgenode.ErrInvalidConfig}, args...)...))
	}

	if _, err := edgenode.NewTopics(c.Identity.GroupID, c.Identity.EdgeNodeID, c.Identity.PrimaryHostID); err != nil {
		errs = append(errs, err)
	}
	if len(c.MQTT.URLs) == 0 {
		invalid("mqtt.urls is empty")
	}
	if c.MQTT.QoS > 2 {
		invalid("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS)
	}
	if c.MQTT.KeepAlive < 0 || c.MQTT.ConnectTimeout < 0 || c.Session.PrimaryHostTimeout < 0 {
		invalid("durations must not be negative")
	}
	if c.Agent.TickInterval <= 0 {
		invalid("agent.tickInterval must be positive")
	}
	if c.Agent.MetricsPort < 0 || c.Agent.MetricsPort > 65535 {
		invalid("agent.metricsPort %d is out of range", c.Agent.MetricsPort)
	}

	names := make(map[string]bool, len(c.Metrics))
	aliases := make(map[uint64]string, len(c.Metrics))
	for i, mc := range c.Metrics {
		if names[mc.Name] {
			invalid("metrics[%d]: duplicate name %q", i, mc.Name)
		}
		names[mc.Name] = true
		if mc.Alias != nil {
			if owner, taken := aliases[*mc.Alias]; taken {
				invalid("metrics[%d]: alias %d already used by %q", i, *mc.Alias, owner)
			}
			aliases[*mc.Alias] = mc.Name
		}
		if _, err := mc.Metric(); err != nil {
			invalid("metrics[%d]: %v", i, err)
		}
	}
	return errors.Join(errs...)
}

// Metric converts the declaration into a store entry.
func (m MetricConfig) Metric() (metricstore.Metric, error) {
	if m.Name == "" {
		return metricstore.Metric{}, errors.New("name is empty")
	}
	if m.Name == metricstore.BdSeqMetric || m.Name == edgenode.RebirthMetric {
		return metricstore.Metric{}, fmt.Errorf("%w: %s", metricstore.ErrReservedName, m.Name)
	}
	dt, err := payload.ParseDataType(m.Type)
	if err != nil {
		return metricstore.Metric{}, fmt.Errorf("%s: %w", m.Name, err)
	}
	v, err := payload.ValueFrom(dt, m.Value)
	if err != nil {
		return metricstore.Metric{}, fmt.Errorf("%s: %w", m.Name, err)
	}
	return metricstore.Metric{
		Name:     m.Name,
		Alias:    m.Alias,
		DataType: dt,
		Value:    v,
		Command:  m.Command,
	}, nil
}

// NodeOptions maps the file onto edge node options.
func (c FullConfig) NodeOptions(logger *zap.SugaredLogger) edgenode.Options {
	return edgenode.Options{
		GroupID:               c.Identity.GroupID,
		EdgeNodeID:            c.Identity.EdgeNodeID,
		PrimaryHostID:         c.Identity.PrimaryHostID,
		QoS:                   c.MQTT.QoS,
		PrimaryHostTimeout:    c.Session.PrimaryHostTimeout,
		KeepAlive:             c.MQTT.KeepAlive,
		UseAliases:            c.Session.UseAliases,
		DisableRebirthCommand: !c.Session.RebirthCommand,
		Logger:                logger,
	}
}

// SequenceStore returns where bdSeq is persisted.
func (c FullConfig) SequenceStore() sequence.Store {
	if c.Session.BdSeqFile == "" {
		return sequence.NewMemoryStore()
	}
	return sequence.NewFileStore(c.Session.BdSeqFile)
}
