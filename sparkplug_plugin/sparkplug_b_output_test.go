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
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/sequence"
)

func parseYAML(yaml string) (Config, error) {
	parsed, err := outputConfigSpec().ParseYAML(yaml, nil)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(parsed)
}

var _ = Describe("Config parsing", func() {
	It("applies defaults for everything but the identity", func() {
		config, err := parseYAML(`
identity:
  group_id: FactoryA
  edge_node_id: Line3
`)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.MQTT.URLs).To(Equal([]string{"tcp://localhost:1883"}))
		Expect(config.MQTT.QoS).To(BeEquivalentTo(0))
		Expect(config.MQTT.KeepAlive).To(Equal(30 * time.Second))
		Expect(config.Session.PrimaryHostTimeout).To(Equal(60 * time.Second))
		Expect(config.Session.RebirthCommand).To(BeTrue())
		Expect(config.Session.TickInterval).To(Equal(time.Second))
		Expect(config.AutoExtractTagName).To(BeTrue())
		Expect(config.Metrics).To(BeEmpty())
	})

	It("reads sessions, credentials and metrics", func() {
		config, err := parseYAML(`
mqtt:
  urls: ["ssl://broker:8883"]
  client_id: line3
  credentials:
    username: edge
    password: secret
  qos: 1
identity:
  group_id: FactoryA
  edge_node_id: Line3
  primary_host_id: SCADA
session:
  bdseq_file: /tmp/bdseq
  use_aliases: true
  rebirth_command: false
metrics:
  - name: Temp
    alias: 7
    type: float
    value_from: temperature
  - name: Running
    type: boolean
`)
		Expect(err).NotTo(HaveOccurred())
		Expect(config.MQTT.Credentials).To(Equal(Credentials{Username: "edge", Password: "secret"}))
		Expect(config.MQTT.QoS).To(BeEquivalentTo(1))
		Expect(config.Identity.PrimaryHostID).To(Equal("SCADA"))
		Expect(config.Session.BdSeqFile).To(Equal("/tmp/bdseq"))
		Expect(config.Session.UseAliases).To(BeTrue())
		Expect(config.Session.RebirthCommand).To(BeFalse())
		Expect(config.Metrics).To(HaveLen(2))
		Expect(*config.Metrics[0].Alias).To(BeEquivalentTo(7))
		Expect(config.Metrics[0].ValueFrom).To(Equal("temperature"))
		Expect(config.Metrics[1].Alias).To(BeNil())
		Expect(config.Metrics[1].ValueFrom).To(Equal("value"))

		options := config.NodeOptions(nil)
		Expect(options.DisableRebirthCommand).To(BeTrue())
		Expect(options.PrimaryHostID).To(Equal("SCADA"))
	})

	DescribeTable("rejects invalid configs",
		func(yaml string) {
			_, err := parseYAML(yaml)
			Expect(err).To(HaveOccurred())
		},
		Entry("missing group", `
identity:
  edge_node_id: Line3
`),
		Entry("topic characters in the edge node id", `
identity:
  group_id: FactoryA
  edge_node_id: Line/3
`),
		Entry("qos out of range", `
mqtt:
  qos: 3
identity:
  group_id: FactoryA
  edge_node_id: Line3
`),
		Entry("unknown metric type", `
identity:
  group_id: FactoryA
  edge_node_id: Line3
metrics:
  - name: Temp
    type: complex
`),
		Entry("duplicate metric", `
identity:
  group_id: FactoryA
  edge_node_id: Line3
metrics:
  - name: Temp
  - name: Temp
`),
	)
})

var _ = Describe("sparkplug_b_edge output", func() {
	var (
		ctx       context.Context
		transport *fakeTransport
		output    *edgeOutput
	)

	newOutput := func(config Config) *edgeOutput {
		GinkgoHelper()
		o, err := newEdgeOutput(config, transport, sequence.NewMemoryStore(), service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	baseConfig := func() Config {
		return Config{
			MQTT:     MQTT{URLs: []string{"tcp://localhost:1883"}, ClientID: "test"},
			Identity: Identity{GroupID: "FactoryA", EdgeNodeID: "Line3"},
			Session: Session{
				PrimaryHostTimeout: time.Minute,
				RebirthCommand:     true,
				TickInterval:       time.Hour,
			},
			Metrics:            []MetricConfig{{Name: "Temp", Type: "double", ValueFrom: "temperature"}},
			AutoExtractTagName: true,
		}
	}

	write := func(body string, meta map[string]string) error {
		msg := service.NewMessage([]byte(body))
		for k, v := range meta {
			msg.MetaSet(k, v)
		}
		return output.Write(ctx, msg)
	}

	BeforeEach(func() {
		ctx = context.Background()
		transport = &fakeTransport{}
		output = newOutput(baseConfig())
		Expect(output.Connect(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(output.Close(ctx)).To(Succeed())
	})

	It("announces configured metrics in the first birth", func() {
		birth := transport.last()
		Expect(birth.Topic).To(Equal("spBv1.0/FactoryA/NBIRTH/Line3"))
		temp := birth.metricNamed("Temp")
		Expect(temp.Datatype).To(Equal(payload.TypeDouble))
		Expect(temp.Value.IsNull()).To(BeTrue())
		Expect(output.node.State()).To(Equal(edgenode.StateOnline))
	})

	It("publishes configured metrics from their value_from field", func() {
		Expect(write(`{"temperature": 21}`, nil)).To(Succeed())

		data := transport.last()
		Expect(data.Topic).To(Equal("spBv1.0/FactoryA/NDATA/Line3"))
		Expect(data.metricNamed("Temp").Value.Float64()).To(Equal(21.0))
	})

	It("does not republish an unchanged value", func() {
		Expect(write(`{"temperature": 21.5}`, nil)).To(Succeed())
		count := len(transport.sent())

		Expect(write(`{"temperature": 21.5}`, nil)).To(Succeed())
		Expect(transport.sent()).To(HaveLen(count))
	})

	It("registers unseen tags with a rebirth and then publishes changes as data", func() {
		meta := map[string]string{"tag_name": "pressure", "virtual_path": "axis.x"}
		Expect(write(`{"value": 12.5, "timestamp_ms": 1700000000000}`, meta)).To(Succeed())

		rebirth := transport.last()
		Expect(rebirth.Topic).To(Equal("spBv1.0/FactoryA/NBIRTH/Line3"))
		pressure := rebirth.metricNamed("axis:x:pressure")
		Expect(pressure.Datatype).To(Equal(payload.TypeDouble))
		Expect(pressure.Value.Float64()).To(Equal(12.5))

		Expect(write(`{"value": 13.5}`, meta)).To(Succeed())
		data := transport.last()
		Expect(data.Topic).To(Equal("spBv1.0/FactoryA/NDATA/Line3"))
		Expect(data.metricNamed("axis:x:pressure").Value.Float64()).To(Equal(13.5))
	})

	It("falls back to the raw body for unstructured messages", func() {
		Expect(write("running", map[string]string{"tag_name": "status"})).To(Succeed())

		status := transport.last().metricNamed("status")
		Expect(status.Datatype).To(Equal(payload.TypeString))
		Expect(status.Value.Str()).To(Equal("running"))
	})

	It("takes a tag matching a configured metric from its value_from field", func() {
		Expect(write(`{"temperature": 19}`, map[string]string{"tag_name": "Temp"})).To(Succeed())

		Expect(transport.last().metricNamed("Temp").Value.Float64()).To(Equal(19.0))
	})

	It("ignores messages that name no metric", func() {
		count := len(transport.sent())
		Expect(write(`{"humidity": 40}`, nil)).To(Succeed())
		Expect(transport.sent()).To(HaveLen(count))
	})

	It("rejects values that do not fit the metric's datatype", func() {
		Expect(write(`{"temperature": "hot"}`, nil)).To(HaveOccurred())
	})

	It("rejects the reserved rebirth metric as a tag", func() {
		Expect(write(`{"value": true}`, map[string]string{"tag_name": edgenode.RebirthMetric})).To(MatchError(metricstore.ErrReservedName))
	})

	It("reports not connected when the broker goes away", func() {
		transport.mu.Lock()
		transport.publishErr = errLinkDown
		transport.mu.Unlock()

		Expect(write(`{"temperature": 30}`, nil)).To(MatchError(service.ErrNotConnected))
		Expect(output.node.State()).To(Equal(edgenode.StateOffline))

		transport.mu.Lock()
		transport.publishErr = nil
		transport.mu.Unlock()
		Expect(output.Connect(ctx)).To(Succeed())

		birth := transport.last()
		Expect(birth.Topic).To(Equal("spBv1.0/FactoryA/NBIRTH/Line3"))
		Expect(birth.metricNamed("Temp").Value.Float64()).To(Equal(30.0))
	})

	It("publishes a death on close", func() {
		Expect(output.Close(ctx)).To(Succeed())

		Expect(transport.last().Topic).To(Equal("spBv1.0/FactoryA/NDEATH/Line3"))
		Expect(output.node.State()).To(Equal(edgenode.StateOffline))
	})
})

var _ = Describe("sparkplug_b_edge output without a broker", func() {
	It("returns the transport error from Connect so the pipeline retries", func() {
		transport := &fakeTransport{connectErr: errLinkDown}
		config := Config{
			MQTT:     MQTT{URLs: []string{"tcp://localhost:1883"}, ClientID: "test"},
			Identity: Identity{GroupID: "FactoryA", EdgeNodeID: "Line3"},
			Session:  Session{TickInterval: time.Hour},
		}
		output, err := newEdgeOutput(config, transport, sequence.NewMemoryStore(), service.MockResources())
		Expect(err).NotTo(HaveOccurred())

		Expect(output.Connect(context.Background())).To(MatchError(edgenode.ErrTransport))
		Expect(output.Close(context.Background())).To(Succeed())
	})
})
