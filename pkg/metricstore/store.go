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

// Package metricstore is the registry of metrics an edge node exposes. It
// keeps registration order for births, an alias index for inbound commands,
// and the last published value of every metric for report-by-exception.
package metricstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
)

// BdSeqMetric is the name Sparkplug B reserves for the birth/death sequence.
const BdSeqMetric = "bdSeq"

var (
	ErrNotFound       = errors.New("metric not found")
	ErrUnknownMetric  = errors.New("unknown metric")
	ErrTypeMismatch   = errors.New("metric type mismatch")
	ErrDuplicateAlias = errors.New("metric alias already in use")
	ErrReservedName   = errors.New("metric name is reserved")
	ErrInvalidMetric  = errors.New("invalid metric")
)

// CommandHandler reacts to a host writing a command metric. An error keeps
// the stored value unchanged.
type CommandHandler interface {
	HandleCommand(ctx context.Context, name string, value payload.Value) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, name string, value payload.Value) error

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, name string, value payload.Value) error {
	return f(ctx, name, value)
}

// Metric is one registered metric. A zero Value registers the metric as null.
type Metric struct {
	Name     string
	Alias    *uint64
	DataType payload.DataType
	Value    payload.Value
	Command  bool
	Handler  CommandHandler
}

// SameShape reports whether two registrations would be announced identically
// in a birth apart from their values.
func (m Metric) SameShape(o Metric) bool {
	if (m.Alias == nil) != (o.Alias == nil) || (m.Alias != nil && *m.Alias != *o.Alias) {
		return false
	}
	return m.Name == o.Name && m.DataType == o.DataType && m.Command == o.Command
}

func (m Metric) clone() Metric {
	if m.Alias != nil {
		alias := *m.Alias
		m.Alias = &alias
	}
	return m
}

type entry struct {
	metric       Metric
	published    payload.Value
	hasPublished bool
}

// Store is not safe for concurrent use; the edge node serialises access.
type Store struct {
	order   []string
	entries map[string]*entry
	aliases map[uint64]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		entries: make(map[string]*entry),
		aliases: make(map[uint64]string),
	}
}

// Register adds m, or replaces the metric of the same name in place. It
// reports whether the name is new to the store.
func (s *Store) Register(m Metric) (bool, error) {
	if m.Name == "" {
		return false, fmt.Errorf("%w: empty name", ErrInvalidMetric)
	}
	if m.Name == BdSeqMetric {
		return false, fmt.Errorf("%w: %s", ErrReservedName, m.Name)
	}
	if !m.DataType.Supported() {
		return false, fmt.Errorf("%w: %s: %w: %s", ErrInvalidMetric, m.Name, payload.ErrUnknownDataType, m.DataType)
	}
	if m.Value.Type() == payload.TypeUnknown && !m.Value.IsNull() {
		m.Value = payload.Null(m.DataType)
	}
	if err := checkValue(m.Name, m.DataType, m.Value); err != nil {
		return false, err
	}
	if m.Alias != nil {
		if owner, taken := s.aliases[*m.Alias]; taken && owner != m.Name {
			return false, fmt.Errorf("%w: alias %d belongs to %s", ErrDuplicateAlias, *m.Alias, owner)
		}
	}

	m = m.clone()
	if e, exists := s.entries[m.Name]; exists {
		if e.metric.Alias != nil {
			delete(s.aliases, *e.metric.Alias)
		}
		e.metric = m
		if m.Alias != nil {
			s.aliases[*m.Alias] = m.Name
		}
		return false, nil
	}

	s.entries[m.Name] = &entry{metric: m}
	s.order = append(s.order, m.Name)
	if m.Alias != nil {
		s.aliases[*m.Alias] = m.Name
	}
	return true, nil
}

// Remove deletes a metric.
func (s *Store) Remove(name string) error {
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.metric.Alias != nil {
		delete(s.aliases, *e.metric.Alias)
	}
	delete(s.entries, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetValue stores v and reports whether it differs from the current value.
// On error the store is unchanged.
func (s *Store) SetValue(name string, v payload.Value) (bool, error) {
	e, ok := s.entries[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := checkValue(name, e.metric.DataType, v); err != nil {
		return false, err
	}
	if e.metric.Value.Equal(v) {
		return false, nil
	}
	e.metric.Value = v
	return true, nil
}

// SnapshotAll returns every metric in registration order and makes their
// current values the report-by-exception baseline.
func (s *Store) SnapshotAll() []Metric {
	out := make([]Metric, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		e.published, e.hasPublished = e.metric.Value, true
		out = append(out, e.metric.clone())
	}
	return out
}

// All returns every metric in registration order without touching the baseline.
func (s *Store) All() []Metric {
	out := make([]Metric, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].metric.clone())
	}
	return out
}

// ChangedSince returns the metrics whose value differs from the last
// published one, in registration order.
func (s *Store) ChangedSince() []Metric {
	var out []Metric
	for _, name := range s.order {
		e := s.entries[name]
		if e.hasPublished && e.published.Equal(e.metric.Value) {
			continue
		}
		out = append(out, e.metric.clone())
	}
	return out
}

// MarkPublished records the values of ms as the new baseline. Metrics
// removed in the meantime are ignored.
func (s *Store) MarkPublished(ms []Metric) {
	for _, m := range ms {
		if e, ok := s.entries[m.Name]; ok {
			e.published, e.hasPublished = m.Value, true
		}
	}
}

// Get returns the metric registered under name.
func (s *Store) Get(name string) (Metric, bool) {
	e, ok := s.entries[name]
	if !ok {
		return Metric{}, false
	}
	return e.metric.clone(), true
}

// Resolve finds a metric by name, falling back to alias when the name is
// empty or unknown.
func (s *Store) Resolve(name string, alias *uint64) (Metric, error) {
	if name != "" {
		if e, ok := s.entries[name]; ok {
			return e.metric.clone(), nil
		}
	}
	if alias != nil {
		if owner, ok := s.aliases[*alias]; ok {
			return s.entries[owner].metric.clone(), nil
		}
	}
	switch {
	case name != "" && alias != nil:
		return Metric{}, fmt.Errorf("%w: %s (alias %d)", ErrUnknownMetric, name, *alias)
	case name != "":
		return Metric{}, fmt.Errorf("%w: %s", ErrUnknownMetric, name)
	case alias != nil:
		return Metric{}, fmt.Errorf("%w: alias %d", ErrUnknownMetric, *alias)
	}
	return Metric{}, fmt.Errorf("%w: metric has neither name nor alias", ErrUnknownMetric)
}

// Len returns the number of registered metrics.
func (s *Store) Len() int {
	return len(s.order)
}

func checkValue(name string, dt payload.DataType, v payload.Value) error {
	if v.Type() != dt {
		return fmt.Errorf("%w: %s is %s, got %s", ErrTypeMismatch, name, dt, v.Type())
	}
	if dt == payload.TypeDataSet && !v.IsNull() {
		if err := v.DataSet().Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTypeMismatch, name, err)
		}
	}
	return nil
}
