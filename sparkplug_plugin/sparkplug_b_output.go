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

// Package sparkplug_plugin provides the sparkplug_b_edge Benthos output, which
// runs a Sparkplug B edge node and publishes the pipeline's messages as its
// metrics.
//
// Message Flow:
//  1. A message arrives with tag_name metadata, or carries fields named by
//     the configured metrics' value_from.
//  2. Each value is converted to its metric's datatype. Unseen tag names are
//     registered with an inferred datatype, which announces them with a new
//     NBIRTH.
//  3. All values of one message are published together as a single NDATA,
//     reporting only metrics whose value changed.
package sparkplug_plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/control"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/sequence"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/transport"
)

func outputConfigSpec() *service.ConfigSpec {
	return service.NewConfigSpec().
		Version("1.0.0").
		Summary("Sparkplug B MQTT output acting as Edge Node").
		Description(`The sparkplug_b_edge output runs a Sparkplug B edge node. It registers an NDEATH
last will, publishes NBIRTH with every known metric, then publishes NDATA with the metrics that
changed as messages flow through the pipeline.

Key features:
- bdSeq persisted across restarts (session.bdseq_file)
- optional primary host handshake: no NBIRTH until the host's STATE reports online
- report by exception: unchanged values are not republished
- automatic rebirth when a message introduces a new metric
- host-initiated rebirth through the "Node Control/Rebirth" command metric
- UNS metadata integration: tag_name and virtual_path name the metric`).
		Field(service.NewObjectField("mqtt",
			service.NewStringListField("urls").
				Description("List of MQTT broker URLs to connect to").
				Example([]string{"tcp://localhost:1883", "ssl://broker.hivemq.com:8883"}).
				Default([]string{"tcp://localhost:1883"}),
			service.NewStringField("client_id").
				Description("MQTT client ID for this edge node").
				Default("benthos-sparkplug-edge"),
			service.NewObjectField("credentials",
				service.NewStringField("username").
					Description("MQTT username for authentication").
					Default(""),
				service.NewStringField("password").
					Description("MQTT password for authentication").
					Default("").
					Secret()).
				Description("MQTT authentication credentials").
				Optional(),
			service.NewIntField("qos").
				Description("QoS level for NBIRTH and NDATA (0, 1, or 2). NDEATH always uses QoS 1").
				Default(0),
			service.NewDurationField("keep_alive").
				Description("MQTT keep alive interval").
				Default("30s"),
			service.NewDurationField("connect_timeout").
				Description("MQTT connection timeout").
				Default("10s"),
			service.NewBoolField("clean_session").
				Description("MQTT clean session flag").
				Default(true)).
			Description("MQTT transport configuration")).
		Field(service.NewObjectField("identity",
			service.NewStringField("group_id").
				Description("Sparkplug Group ID (e.g., 'FactoryA')").
				Example("FactoryA"),
			service.NewStringField("edge_node_id").
				Description("Edge Node ID within the group (e.g., 'Line3')").
				Example("Line3"),
			service.NewStringField("primary_host_id").
				Description("Primary host application ID. When set, NBIRTH waits for its STATE to report online").
				Default("")).
			Description("Sparkplug identity configuration")).
		Field(service.NewObjectField("session",
			service.NewStringField("bdseq_file").
				Description("File persisting the birth/death sequence across restarts. Empty keeps it in memory").
				Default(""),
			service.NewDurationField("primary_host_timeout").
				Description("How long to wait for the primary host before logging a timeout").
				Default("60s"),
			service.NewBoolField("use_aliases").
				Description("Send NDATA metrics by alias when they have one").
				Default(false),
			service.NewBoolField("rebirth_command").
				Description("Expose the Node Control/Rebirth command metric").
				Default(true),
			service.NewDurationField("tick_interval").
				Description("How often pending births and unpublished changes are retried").
				Default("1s")).
			Description("Edge node session behaviour").
			Optional()).
		Field(service.NewObjectListField("metrics",
			service.NewStringField("name").
				Description("Metric name as it will appear in BIRTH messages"),
			service.NewIntField("alias").
				Description("Numeric alias for this metric").
				Optional(),
			service.NewStringField("type").
				Description("Data type: int8, int16, int32, int64, uint8, uint16, uint32, uint64, float, double, boolean, string, text, datetime, uuid, bytes").
				Default("double"),
			service.NewStringField("value_from").
				Description("Field of the structured message to take the value from").
				Default("value")).
			Description("Metrics announced in the first NBIRTH").
			Optional()).
		Field(service.NewBoolField("auto_extract_tag_name").
			Description("Name the metric after the tag_name metadata (prefixed by virtual_path)").
			Default(true))
}

func init() {
	err := service.RegisterOutput(
		"sparkplug_b_edge",
		outputConfigSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			config, err := parseConfig(conf)
			if err != nil {
				return nil, 0, err
			}
			t, err := transport.New(config.TransportConfig(logger.For(logger.ComponentTransport)))
			if err != nil {
				return nil, 0, err
			}
			output, err := newEdgeOutput(config, t, config.SequenceStore(), mgr)
			if err != nil {
				return nil, 0, err
			}
			return output, 1, nil // maxInFlight = 1 keeps NDATA in message order
		})
	if err != nil {
		panic(err)
	}
}

func parseConfig(conf *service.ParsedConfig) (Config, error) {
	var (
		config Config
		err    error
	)

	mqttConf := conf.Namespace("mqtt")
	if config.MQTT.URLs, err = mqttConf.FieldStringList("urls"); err != nil {
		return Config{}, err
	}
	if config.MQTT.ClientID, err = mqttConf.FieldString("client_id"); err != nil {
		return Config{}, err
	}
	if mqttConf.Contains("credentials") {
		credsConf := mqttConf.Namespace("credentials")
		if config.MQTT.Credentials.Username, err = credsConf.FieldString("username"); err != nil {
			return Config{}, err
		}
		if config.MQTT.Credentials.Password, err = credsConf.FieldString("password"); err != nil {
			return Config{}, err
		}
	}
	qos, err := mqttConf.FieldInt("qos")
	if err != nil {
		return Config{}, err
	}
	if qos < 0 || qos > 2 {
		return Config{}, fmt.Errorf("%w: qos %d is not 0, 1 or 2", edgenode.ErrInvalidConfig, qos)
	}
	config.MQTT.QoS = byte(qos)
	if config.MQTT.KeepAlive, err = mqttConf.FieldDuration("keep_alive"); err != nil {
		return Config{}, err
	}
	if config.MQTT.ConnectTimeout, err = mqttConf.FieldDuration("connect_timeout"); err != nil {
		return Config{}, err
	}
	if config.MQTT.CleanSession, err = mqttConf.FieldBool("clean_session"); err != nil {
		return Config{}, err
	}

	identityConf := conf.Namespace("identity")
	if config.Identity.GroupID, err = identityConf.FieldString("group_id"); err != nil {
		return Config{}, err
	}
	if config.Identity.EdgeNodeID, err = identityConf.FieldString("edge_node_id"); err != nil {
		return Config{}, err
	}
	if config.Identity.PrimaryHostID, err = identityConf.FieldString("primary_host_id"); err != nil {
		return Config{}, err
	}

	config.Session = Session{
		PrimaryHostTimeout: defaultPrimaryHostTimeout,
		RebirthCommand:     true,
		TickInterval:       control.DefaultTickInterval,
	}
	if conf.Contains("session") {
		sessionConf := conf.Namespace("session")
		if config.Session.BdSeqFile, err = sessionConf.FieldString("bdseq_file"); err != nil {
			return Config{}, err
		}
		if config.Session.PrimaryHostTimeout, err = sessionConf.FieldDuration("primary_host_timeout"); err != nil {
			return Config{}, err
		}
		if config.Session.UseAliases, err = sessionConf.FieldBool("use_aliases"); err != nil {
			return Config{}, err
		}
		if config.Session.RebirthCommand, err = sessionConf.FieldBool("rebirth_command"); err != nil {
			return Config{}, err
		}
		if config.Session.TickInterval, err = sessionConf.FieldDuration("tick_interval"); err != nil {
			return Config{}, err
		}
	}

	if conf.Contains("metrics") {
		metricObjs, err := conf.FieldObjectList("metrics")
		if err != nil {
			return Config{}, err
		}
		for _, metricObj := range metricObjs {
			var m MetricConfig
			if m.Name, err = metricObj.FieldString("name"); err != nil {
				return Config{}, fmt.Errorf("metric name is required: %w", err)
			}
			if metricObj.Contains("alias") {
				alias, err := metricObj.FieldInt("alias")
				if err != nil {
					return Config{}, err
				}
				if alias < 0 {
					return Config{}, fmt.Errorf("%w: metric %q has negative alias", edgenode.ErrInvalidConfig, m.Name)
				}
				a := uint64(alias)
				m.Alias = &a
			}
			if m.Type, err = metricObj.FieldString("type"); err != nil {
				return Config{}, err
			}
			if m.ValueFrom, err = metricObj.FieldString("value_from"); err != nil {
				return Config{}, err
			}
			config.Metrics = append(config.Metrics, m)
		}
	}

	if config.AutoExtractTagName, err = conf.FieldBool("auto_extract_tag_name"); err != nil {
		return Config{}, err
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

type edgeOutput struct {
	config    Config
	node      *edgenode.Node
	loop      *control.Loop
	logger    *service.Logger
	valueFrom map[string]string // configured metric name -> message field

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	messagesWritten   *service.MetricCounter
	metricsRegistered *service.MetricCounter
	writeErrors       *service.MetricCounter
}

func newEdgeOutput(config Config, t edgenode.Transport, store sequence.Store, mgr *service.Resources) (*edgeOutput, error) {
	nodeLogger := logger.For(logger.ComponentBenthosOutput).With("edge_node", config.Identity.GroupID+"/"+config.Identity.EdgeNodeID)
	node, err := edgenode.New(config.NodeOptions(nodeLogger), t, store)
	if err != nil {
		return nil, err
	}

	valueFrom := make(map[string]string, len(config.Metrics))
	for _, m := range config.Metrics {
		dt, err := payload.ParseDataType(m.Type)
		if err != nil {
			return nil, err
		}
		if err := node.RegisterMetric(context.Background(), metricstore.Metric{
			Name:     m.Name,
			Alias:    m.Alias,
			DataType: dt,
			Value:    payload.Null(dt),
		}); err != nil {
			return nil, fmt.Errorf("metric %q: %w", m.Name, err)
		}
		valueFrom[m.Name] = m.ValueFrom
	}

	return &edgeOutput{
		config:            config,
		node:              node,
		loop:              control.NewLoop(node, t, config.Session.TickInterval, nodeLogger),
		logger:            mgr.Logger(),
		valueFrom:         valueFrom,
		messagesWritten:   mgr.Metrics().NewCounter("messages_written"),
		metricsRegistered: mgr.Metrics().NewCounter("metrics_registered"),
		writeErrors:       mgr.Metrics().NewCounter("write_errors"),
	}, nil
}

func (o *edgeOutput) Connect(ctx context.Context) error {
	o.startLoop()

	o.logger.Infof("Connecting Sparkplug B edge node %s/%s to %v",
		o.config.Identity.GroupID, o.config.Identity.EdgeNodeID, o.config.MQTT.URLs)
	if err := o.node.Connect(ctx); err != nil {
		if errors.Is(err, edgenode.ErrTransport) {
			return err
		}
		// the birth is retried on the next tick
		o.logger.Warnf("Connected, but the birth is pending: %v", err)
		return nil
	}
	o.logger.Infof("Edge node session is %s", o.node.State())
	return nil
}

func (o *edgeOutput) startLoop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go func() {
		defer close(o.done)
		if err := o.loop.Execute(ctx); err != nil {
			o.logger.Errorf("Edge node loop stopped: %v", err)
		}
	}()
}

func (o *edgeOutput) Write(ctx context.Context, msg *service.Message) error {
	data, err := o.extractMessageData(msg)
	if err != nil {
		o.writeErrors.Incr(1)
		return err
	}
	if len(data) == 0 {
		o.logger.Debug("No metrics to publish in message")
		return nil
	}

	values := make(map[string]payload.Value, len(data))
	for name, raw := range data {
		v, err := o.valueFor(ctx, name, raw)
		if err != nil {
			o.writeErrors.Incr(1)
			return err
		}
		values[name] = v
	}

	err = o.node.SetValues(ctx, values)
	if o.node.State() == edgenode.StateOffline {
		return service.ErrNotConnected
	}
	if err != nil && !isSessionError(err) {
		o.writeErrors.Incr(1)
		return err
	}
	if err != nil {
		o.logger.Warnf("Values stored, publish will be retried: %v", err)
	}
	o.messagesWritten.Incr(1)
	return nil
}

// valueFor converts raw for metric name, registering the metric on first sight.
func (o *edgeOutput) valueFor(ctx context.Context, name string, raw any) (payload.Value, error) {
	if name == edgenode.RebirthMetric || name == metricstore.BdSeqMetric {
		return payload.Value{}, fmt.Errorf("%w: %s", metricstore.ErrReservedName, name)
	}
	if m, ok := o.node.Metric(name); ok {
		return payload.ValueFrom(m.DataType, raw)
	}

	dt := payload.InferDataType(raw)
	v, err := payload.ValueFrom(dt, raw)
	if err != nil {
		return payload.Value{}, err
	}
	err = o.node.RegisterMetric(ctx, metricstore.Metric{Name: name, DataType: dt, Value: v})
	if err != nil && !isSessionError(err) {
		return payload.Value{}, err
	}
	o.metricsRegistered.Incr(1)
	o.logger.Infof("Registered new metric %s as %s", name, dt)
	return v, nil
}

// extractMessageData maps metric names to raw values found in msg.
func (o *edgeOutput) extractMessageData(msg *service.Message) (map[string]any, error) {
	data := make(map[string]any)
	structured, structErr := msg.AsStructured()
	fields, _ := structured.(map[string]any)

	if o.config.AutoExtractTagName {
		if tagName, ok := msg.MetaGet("tag_name"); ok && tagName != "" {
			if field, configured := o.valueFrom[tagName]; configured {
				if v, ok := fields[field]; ok {
					data[tagName] = v
				}
			} else {
				name := tagName
				if virtualPath, ok := msg.MetaGet("virtual_path"); ok && virtualPath != "" {
					name = strings.ReplaceAll(virtualPath, ".", ":") + ":" + tagName
				}
				v, err := tagValue(msg, structured, structErr)
				if err != nil {
					return nil, err
				}
				data[name] = v
			}
		}
	}

	for name, field := range o.valueFrom {
		if _, exists := data[name]; exists {
			continue
		}
		if v, ok := fields[field]; ok {
			data[name] = v
		}
	}
	return data, nil
}

// tagValue takes the "value" field of a structured message, a bare JSON
// scalar, or else the raw body as a string.
func tagValue(msg *service.Message, structured any, structErr error) (any, error) {
	if structErr == nil {
		switch s := structured.(type) {
		case map[string]any:
			if v, ok := s["value"]; ok {
				return v, nil
			}
			return nil, fmt.Errorf("message for tag has no value field")
		case []any:
			return nil, fmt.Errorf("message for tag is an array")
		default:
			return s, nil
		}
	}
	body, err := msg.AsBytes()
	if err != nil {
		return nil, err
	}
	return string(body), nil
}

func isSessionError(err error) bool {
	return errors.Is(err, edgenode.ErrPublish) ||
		errors.Is(err, edgenode.ErrTransport) ||
		errors.Is(err, sequence.ErrPersistence)
}

func (o *edgeOutput) Close(ctx context.Context) error {
	if err := o.node.Disconnect(ctx); err != nil {
		o.logger.Warnf("Disconnecting edge node: %v", err)
	}

	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.logger.Info("Sparkplug edge output closed")
	return nil
}
