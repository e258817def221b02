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

package sparkplug_plugin

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/sequence"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/transport"
)

const defaultPrimaryHostTimeout = 60 * time.Second

// MQTT transport configuration
type MQTT struct {
	URLs           []string      `yaml:"urls"`
	ClientID       string        `yaml:"client_id"`
	Credentials    Credentials   `yaml:"credentials"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CleanSession   bool          `yaml:"clean_session"`
}

// MQTT credentials
type Credentials struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Sparkplug identity configuration
type Identity struct {
	GroupID       string `yaml:"group_id"`        // Required: Stable business grouping (e.g., "FactoryA")
	EdgeNodeID    string `yaml:"edge_node_id"`    // Required: Static Edge Node ID for session consistency
	PrimaryHostID string `yaml:"primary_host_id"` // Optional: wait for this host's STATE before the birth
}

// Session controls the edge node lifecycle
type Session struct {
	BdSeqFile          string        `yaml:"bdseq_file"` // Empty keeps bdSeq in memory only
	PrimaryHostTimeout time.Duration `yaml:"primary_host_timeout"`
	UseAliases         bool          `yaml:"use_aliases"`
	RebirthCommand     bool          `yaml:"rebirth_command"`
	TickInterval       time.Duration `yaml:"tick_interval"`
}

// MetricConfig declares a metric announced in the birth.
type MetricConfig struct {
	Name      string  `yaml:"name"`
	Alias     *uint64 `yaml:"alias"`
	Type      string  `yaml:"type"`
	ValueFrom string  `yaml:"value_from"` // Field of the structured message holding the value
}

// Config is the complete configuration of the sparkplug_b_edge output
type Config struct {
	MQTT               MQTT           `yaml:"mqtt"`
	Identity           Identity       `yaml:"identity"`
	Session            Session        `yaml:"session"`
	Metrics            []MetricConfig `yaml:"metrics"`
	AutoExtractTagName bool           `yaml:"auto_extract_tag_name"`
}

// Validate checks what the benthos field definitions cannot express.
func (c *Config) Validate() error {
	if _, err := edgenode.NewTopics(c.Identity.GroupID, c.Identity.EdgeNodeID, c.Identity.PrimaryHostID); err != nil {
		return err
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: qos %d is not 0, 1 or 2", edgenode.ErrInvalidConfig, c.MQTT.QoS)
	}
	seen := make(map[string]bool, len(c.Metrics))
	for _, m := range c.Metrics {
		if seen[m.Name] {
			return fmt.Errorf("%w: duplicate metric %q", edgenode.ErrInvalidConfig, m.Name)
		}
		seen[m.Name] = true
		if _, err := payload.ParseDataType(m.Type); err != nil {
			return fmt.Errorf("%w: metric %q: %w", edgenode.ErrInvalidConfig, m.Name, err)
		}
	}
	return nil
}

// NodeOptions returns the edge node options for this config.
func (c *Config) NodeOptions(logger *zap.SugaredLogger) edgenode.Options {
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

// TransportConfig returns the Paho settings for this config.
func (c *Config) TransportConfig(logger *zap.SugaredLogger) transport.Config {
	return transport.Config{
		BrokerURLs:     c.MQTT.URLs,
		ClientID:       c.MQTT.ClientID,
		Username:       c.MQTT.Credentials.Username,
		Password:       c.MQTT.Credentials.Password,
		KeepAlive:      c.MQTT.KeepAlive,
		ConnectTimeout: c.MQTT.ConnectTimeout,
		CleanSession:   c.MQTT.CleanSession,
		Logger:         logger,
	}
}

// SequenceStore returns where bdSeq is kept.
func (c *Config) SequenceStore() sequence.Store {
	if c.Session.BdSeqFile == "" {
		return sequence.NewMemoryStore()
	}
	return sequence.NewFileStore(c.Session.BdSeqFile)
}
