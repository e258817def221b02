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
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
)

// CommandResult is the outcome for one metric of a command payload.
type CommandResult struct {
	// Metric is the resolved name, or the name/alias as received when
	// resolution failed.
	Metric string
	Err    error
}

// DispatchResult lists the outcome of every metric in a command payload,
// in payload order.
type DispatchResult struct {
	Results []CommandResult
}

// Applied returns the names of the metrics whose value was stored.
func (r DispatchResult) Applied() []string {
	var out []string
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res.Metric)
		}
	}
	return out
}

// CommandDispatcher routes NCMD metrics to the handlers registered in a
// metric store.
type CommandDispatcher struct {
	store  *metricstore.Store
	logger *zap.SugaredLogger
}

// NewCommandDispatcher creates a dispatcher over store.
func NewCommandDispatcher(store *metricstore.Store, logger *zap.SugaredLogger) *CommandDispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CommandDispatcher{store: store, logger: logger}
}

// Dispatch applies every metric of a decoded command payload received on
// topic. Each metric is resolved by name, then alias; a metric sent without
// datatype takes the registered one. Its handler, if any,
// runs before the value is stored, and a handler error leaves the stored
// value unchanged. A failing metric does not stop the others. The returned
// error joins all per-metric failures.
func (d *CommandDispatcher) Dispatch(ctx context.Context, topic string, p payload.Payload) (DispatchResult, error) {
	var (
		result DispatchResult
		errs   []error
	)
	for _, cmd := range p.Metrics {
		name, err := d.apply(ctx, cmd)
		if err != nil {
			d.logger.Warnf("Command on %s rejected: %v", topic, err)
			errs = append(errs, err)
		} else {
			d.logger.Debugf("Command on %s set %s", topic, name)
		}
		result.Results = append(result.Results, CommandResult{Metric: name, Err: err})
	}
	return result, errors.Join(errs...)
}

func (d *CommandDispatcher) apply(ctx context.Context, cmd payload.Metric) (string, error) {
	m, err := d.store.Resolve(cmd.Name, cmd.Alias)
	if err != nil {
		return commandLabel(cmd), err
	}
	if !m.Command {
		return m.Name, fmt.Errorf("%w: %s is not a command metric", metricstore.ErrUnknownMetric, m.Name)
	}
	if cmd.Untyped() {
		if cmd, err = cmd.WithDataType(m.DataType); err != nil {
			return m.Name, err
		}
	}
	if cmd.Value.Type() != m.DataType {
		return m.Name, fmt.Errorf("%w: command for %s carries %s, metric is %s",
			metricstore.ErrTypeMismatch, m.Name, cmd.Value.Type(), m.DataType)
	}
	if m.Handler != nil {
		if err := m.Handler.HandleCommand(ctx, m.Name, cmd.Value); err != nil {
			return m.Name, &CommandError{Metric: m.Name, Err: err}
		}
	}
	if _, err := d.store.SetValue(m.Name, cmd.Value); err != nil {
		return m.Name, err
	}
	return m.Name, nil
}

func commandLabel(cmd payload.Metric) string {
	if cmd.Name != "" {
		return cmd.Name
	}
	if cmd.Alias != nil {
		return fmt.Sprintf("alias %d", *cmd.Alias)
	}
	return ""
}
