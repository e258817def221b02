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

// Package metrics exposes the edge node's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels shared by every per-node series.
var nodeLabels = []string{"group_id", "edge_node_id"}

var (
	birthsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_births_total",
			Help: "Total number of NBIRTH messages published",
		},
		nodeLabels,
	)

	deathsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_deaths_total",
			Help: "Total number of NDEATH messages published by reason",
		},
		append(append([]string(nil), nodeLabels...), "reason"),
	)

	dataMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_data_messages_total",
			Help: "Total number of NDATA messages published",
		},
		nodeLabels,
	)

	publishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_publish_failures_total",
			Help: "Total number of failed publishes by message kind",
		},
		append(append([]string(nil), nodeLabels...), "kind"),
	)

	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_commands_total",
			Help: "Total number of NCMD metrics processed by result",
		},
		append(append([]string(nil), nodeLabels...), "result"),
	)

	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sparkplug_edge_session_state",
			Help: "1 for the current session state of the edge node, 0 for the others",
		},
		append(append([]string(nil), nodeLabels...), "state"),
	)

	bdSeqGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sparkplug_edge_bdseq",
			Help: "Birth/death sequence of the current life",
		},
		nodeLabels,
	)

	starvationSecondsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_control_loop_starvation_seconds_total",
			Help: "Total seconds the control loop went without a tick beyond its threshold",
		},
	)

	inboundDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sparkplug_edge_inbound_dropped_total",
			Help: "Total number of inbound MQTT messages dropped because the control loop queue was full",
		},
	)
)

// Death reasons.
const (
	DeathDisconnect  = "disconnect"
	DeathHostOffline = "host_offline"
	DeathRebirth     = "rebirth"
)

// Publish failure kinds.
const (
	KindBirth = "birth"
	KindData  = "data"
	KindDeath = "death"
)

// Command results.
const (
	CommandOK            = "ok"
	CommandUnknownMetric = "unknown_metric"
	CommandTypeMismatch  = "type_mismatch"
	CommandHandlerError  = "handler_error"
	CommandDecodeError   = "decode_error"
)

// RecordBirth counts a published NBIRTH and records its bdSeq.
func RecordBirth(groupID, edgeNodeID string, bdSeq uint8) {
	birthsTotal.WithLabelValues(groupID, edgeNodeID).Inc()
	bdSeqGauge.WithLabelValues(groupID, edgeNodeID).Set(float64(bdSeq))
}

// RecordDeath counts a published NDEATH.
func RecordDeath(groupID, edgeNodeID, reason string) {
	deathsTotal.WithLabelValues(groupID, edgeNodeID, reason).Inc()
}

// RecordData counts a published NDATA.
func RecordData(groupID, edgeNodeID string) {
	dataMessagesTotal.WithLabelValues(groupID, edgeNodeID).Inc()
}

// RecordPublishFailure counts a failed publish of the given kind.
func RecordPublishFailure(groupID, edgeNodeID, kind string) {
	publishFailuresTotal.WithLabelValues(groupID, edgeNodeID, kind).Inc()
}

// RecordCommand counts one processed command metric.
func RecordCommand(groupID, edgeNodeID, result string) {
	commandsTotal.WithLabelValues(groupID, edgeNodeID, result).Inc()
}

// SetSessionState marks current as the active state among states.
func SetSessionState(groupID, edgeNodeID, current string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(groupID, edgeNodeID, s).Set(v)
	}
}

// AddStarvationTime adds seconds of control loop starvation.
func AddStarvationTime(seconds float64) {
	starvationSecondsTotal.Add(seconds)
}

// RecordInboundDropped counts an inbound message dropped on a full queue.
func RecordInboundDropped() {
	inboundDroppedTotal.Inc()
}

// ResetMetrics resets all labelled series (for testing).
func ResetMetrics() {
	birthsTotal.Reset()
	deathsTotal.Reset()
	dataMessagesTotal.Reset()
	publishFailuresTotal.Reset()
	commandsTotal.Reset()
	sessionState.Reset()
	bdSeqGauge.Reset()
}
