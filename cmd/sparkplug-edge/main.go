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

// Command sparkplug-edge runs a standalone Sparkplug B edge node whose
// metrics are declared in a YAML file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/backoff"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/config"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/control"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := pflag.String("config", config.DefaultConfigPath, "path to the edge node configuration")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "sparkplug-edge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewFileConfigManager(configPath).GetConfig(ctx)
	if err != nil {
		return err
	}
	if err := logger.Initialize(cfg.Agent.LogLevel); err != nil {
		return err
	}
	defer logger.Sync()

	log := logger.For(logger.ComponentCore)
	log.Infow("Starting sparkplug-edge",
		"config", configPath,
		"group_id", cfg.Identity.GroupID,
		"edge_node_id", cfg.Identity.EdgeNodeID)

	if cfg.Agent.MetricsPort > 0 {
		go serveMetrics(cfg.Agent.MetricsPort, log)
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = cfg.Identity.GroupID + "-" + cfg.Identity.EdgeNodeID
	}
	t, err := transport.New(transport.Config{
		BrokerURLs:     cfg.MQTT.URLs,
		ClientID:       clientID,
		Username:       cfg.MQTT.Credentials.Username,
		Password:       cfg.MQTT.Credentials.Password,
		KeepAlive:      cfg.MQTT.KeepAlive,
		ConnectTimeout: cfg.MQTT.ConnectTimeout,
		CleanSession:   cfg.MQTT.CleanSession,
		Logger:         logger.For(logger.ComponentTransport),
	})
	if err != nil {
		return err
	}

	node, err := edgenode.New(cfg.NodeOptions(logger.For(logger.ComponentEdgeNode)), t, cfg.SequenceStore())
	if err != nil {
		return err
	}
	commandLog := logger.For(logger.ComponentCommandDispatcher)
	for _, mc := range cfg.Metrics {
		m, err := mc.Metric()
		if err != nil {
			return fmt.Errorf("metric %q: %w", mc.Name, err)
		}
		if m.Command {
			m.Handler = logCommand(commandLog)
		}
		if err := node.RegisterMetric(ctx, m); err != nil {
			return fmt.Errorf("metric %q: %w", mc.Name, err)
		}
	}

	loopLog := logger.For(logger.ComponentControlLoop)
	reconnect := backoff.NewManager(backoff.DefaultConfig("reconnect", loopLog))
	loop := control.NewLoop(node, t, cfg.Agent.TickInterval, loopLog).WithReconnect(reconnect)

	if err := node.Connect(ctx); err != nil {
		// the loop keeps retrying
		log.Warnf("Initial connect failed: %v", err)
		if node.State() == edgenode.StateOffline {
			reconnect.SetError(err)
		}
	}

	loopErr := loop.Execute(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("Shutting down, publishing NDEATH")
	return errors.Join(loopErr, node.Disconnect(shutdownCtx))
}

// logCommand accepts every write to a configured command metric.
func logCommand(log *zap.SugaredLogger) metricstore.CommandHandlerFunc {
	return func(_ context.Context, name string, value payload.Value) error {
		log.Infow("Command received", "metric", name, "value", value.String())
		return nil
	}
}

func serveMetrics(port int, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Infof("Serving metrics on %s/metrics", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics server stopped: %v", err)
	}
}
