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

// Package edgenode implements the session side of a Sparkplug B edge node:
// the Offline / AwaitingPrimaryHost / BirthPending / Online state machine,
// NBIRTH, NDATA and NDEATH publication, and NCMD dispatch.
//
// A Node is driven from outside. The caller forwards inbound messages to
// OnMessage, connection loss to OnConnectionLost, and calls OnTick
// periodically; see package control for a driver loop.
package edgenode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/backoff"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metrics"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metricstore"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/payload"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/sequence"
)

// deathQoS is used for NDEATH and the last will.
const deathQoS byte = 1

// Node is one Sparkplug B edge node session. All methods are safe for
// concurrent use; they are serialised by a single lock, and command
// handlers run while it is held, so handlers must not call back into the Node.
type Node struct {
	mu sync.Mutex

	opts       Options
	topics     Topics
	transport  Transport
	sequence   *sequence.Tracker
	store      *metricstore.Store
	dispatcher *CommandDispatcher
	session    *fsm.FSM
	backoff    *backoff.Manager
	logger     *zap.SugaredLogger

	// pendingBdSeq is persisted but its birth is not published yet.
	pendingBdSeq *uint8
	// lifeBdSeq is the bdSeq of the last published birth; alive is true
	// until that life is closed by a death or the connection ends.
	lifeBdSeq uint8
	hasLife   bool
	alive     bool
	// willBdSeq is the bdSeq of the last will the current connection holds.
	willBdSeq uint8

	rebirthRequested  bool
	hostOnline        bool
	lastHostTimestamp uint64
	awaitingSince     time.Time
	timeoutsReported  int
	lastPing          time.Time
}

// New creates a Node in StateOffline. store persists bdSeq.
func New(opts Options, transport Transport, store sequence.Store) (*Node, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: no transport", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: no bdSeq store", ErrInvalidConfig)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	topics, err := NewTopics(opts.GroupID, opts.EdgeNodeID, opts.PrimaryHostID)
	if err != nil {
		return nil, err
	}
	opts.applyDefaults()

	n := &Node{
		opts:      opts,
		topics:    topics,
		transport: transport,
		sequence:  sequence.NewTracker(store),
		store:     metricstore.New(),
		backoff:   opts.BirthBackoff,
		logger:    opts.Logger,
	}
	n.dispatcher = NewCommandDispatcher(n.store, opts.Logger)
	n.session = newSessionFSM(n.onEnterState)

	if !opts.DisableRebirthCommand {
		_, err := n.store.Register(metricstore.Metric{
			Name:     RebirthMetric,
			DataType: payload.TypeBoolean,
			Value:    payload.Boolean(false),
			Command:  true,
			Handler:  metricstore.CommandHandlerFunc(n.handleRebirthCommand),
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.SetSessionState(opts.GroupID, opts.EdgeNodeID, StateOffline, States)
	return n, nil
}

// State returns the current session state.
func (n *Node) State() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session.Current()
}

// BirthDeathSequence returns the bdSeq of the current or last life, or the
// stored value before the first birth.
func (n *Node) BirthDeathSequence() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hasLife {
		return n.lifeBdSeq
	}
	return n.sequence.CurrentBirthDeathSequence()
}

// Metric returns the registered metric called name.
func (n *Node) Metric(name string) (metricstore.Metric, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.Get(name)
}

// Metrics returns every registered metric in birth order.
func (n *Node) Metrics() []metricstore.Metric {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.store.All()
}

// RegisterMetric adds or replaces a metric. While Online, a new metric or a
// changed name, type, alias or command flag triggers a full rebirth.
func (n *Node) RegisterMetric(ctx context.Context, m metricstore.Metric) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if m.Name == RebirthMetric && !n.opts.DisableRebirthCommand {
		return fmt.Errorf("%w: %s", metricstore.ErrReservedName, m.Name)
	}
	prev, existed := n.store.Get(m.Name)
	added, err := n.store.Register(m)
	if err != nil {
		return err
	}
	if n.session.Current() != StateOnline {
		return nil
	}
	cur, _ := n.store.Get(m.Name)
	if added || !existed || !prev.SameShape(cur) {
		n.logger.Infof("Metric %s registered while online, rebirthing", m.Name)
		return n.rebirth(ctx)
	}
	return n.publishChanges(ctx)
}

// RemoveMetric deletes a metric; while Online this triggers a rebirth.
func (n *Node) RemoveMetric(ctx context.Context, name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if name == RebirthMetric && !n.opts.DisableRebirthCommand {
		return fmt.Errorf("%w: %s", metricstore.ErrReservedName, name)
	}
	if err := n.store.Remove(name); err != nil {
		return err
	}
	if n.session.Current() != StateOnline {
		return nil
	}
	n.logger.Infof("Metric %s removed while online, rebirthing", name)
	return n.rebirth(ctx)
}

// SetValue updates a metric in every state. While Online, the change set
// against the last published values is sent as one NDATA.
func (n *Node) SetValue(ctx context.Context, name string, v payload.Value) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, err := n.store.SetValue(name, v); err != nil {
		return err
	}
	if n.session.Current() != StateOnline {
		return nil
	}
	return n.publishChanges(ctx)
}

// SetValues applies several updates and publishes them as a single NDATA.
// Rejected updates are reported together; the others are still applied.
func (n *Node) SetValues(ctx context.Context, values map[string]payload.Value) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if _, err := n.store.SetValue(name, values[name]); err != nil {
			errs = append(errs, err)
		}
	}
	if n.session.Current() == StateOnline {
		errs = append(errs, n.publishChanges(ctx))
	}
	return errors.Join(errs...)
}

// Connect registers the last will, connects the transport and subscribes to
// NCMD and, if configured, the primary host STATE topic. Without a primary
// host the birth is published right away. Calling Connect in BirthPending
// retries the birth; in other connected states it does nothing.
func (n *Node) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch n.session.Current() {
	case StateOffline:
	case StateBirthPending:
		return n.birth(ctx)
	default:
		return nil
	}

	next, err := n.sequence.PeekBirthDeathSequence()
	if err != nil {
		return err
	}
	if err := n.connectTransport(ctx, next); err != nil {
		return err
	}

	if n.topics.State != "" {
		return n.fire(ctx, EventConnectAwaitHost)
	}
	if err := n.fire(ctx, EventConnect); err != nil {
		return err
	}
	return n.birth(ctx)
}

// connectTransport connects with a last will for bdSeq and subscribes to
// NCMD and, if configured, the primary host STATE topic.
func (n *Node) connectTransport(ctx context.Context, bdSeq uint8) error {
	will, err := n.deathPayload(bdSeq)
	if err != nil {
		return err
	}
	n.transport.SetWill(n.topics.Death, will, deathQoS, false)

	if err := n.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	subscriptions := []string{n.topics.Command}
	if n.topics.State != "" {
		subscriptions = append(subscriptions, n.topics.State)
	}
	for _, topic := range subscriptions {
		if err := n.transport.Subscribe(ctx, topic, 1); err != nil {
			if derr := n.transport.Disconnect(ctx); derr != nil {
				n.logger.Warnf("Disconnect after failed subscribe: %v", derr)
			}
			return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, topic, err)
		}
	}
	n.willBdSeq = bdSeq
	n.lastPing = n.opts.Clock()
	return nil
}

// replaceWill closes the current life and reconnects so the broker holds the
// last will of the bdSeq about to be born. MQTT 3.1.1 fixes the will for the
// lifetime of a connection.
func (n *Node) replaceWill(ctx context.Context, bdSeq uint8) error {
	if n.alive {
		if err := n.publishDeath(ctx, metrics.DeathRebirth); err != nil {
			n.backoff.SetError(err)
			if !n.transport.IsConnected() {
				return n.connectionLost(ctx, fmt.Errorf("%w: %w", ErrTransport, err))
			}
			return err
		}
	}

	n.logger.Infof("Reconnecting to register the last will for bdSeq=%d (was %d)", bdSeq, n.willBdSeq)
	if err := n.transport.Disconnect(ctx); err != nil {
		n.logger.Warnf("Disconnect before replacing the last will: %v", err)
	}
	if err := n.connectTransport(ctx, bdSeq); err != nil {
		return n.connectionLost(ctx, err)
	}
	return nil
}

// connectionLost moves the session Offline after a transport failure and
// returns err.
func (n *Node) connectionLost(ctx context.Context, err error) error {
	if ferr := n.fire(ctx, EventConnectionLost); ferr != nil {
		return errors.Join(err, ferr)
	}
	return err
}

// Disconnect closes the current life with an NDEATH, if a birth was
// published, then disconnects the transport. It is a no-op when Offline.
func (n *Node) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.Current() == StateOffline {
		return nil
	}
	var errs []error
	if n.alive {
		errs = append(errs, n.publishDeath(ctx, metrics.DeathDisconnect))
	}
	if err := n.transport.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("%w: disconnect: %w", ErrTransport, err))
	}
	errs = append(errs, n.fire(ctx, EventDisconnect))
	return errors.Join(errs...)
}

// OnConnectionLost moves the session Offline without publishing; the
// broker delivers the registered last will instead. A notice arriving while
// the transport reports a live connection belongs to an earlier connection
// and is ignored.
func (n *Node) OnConnectionLost(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session.Current() == StateOffline {
		return
	}
	if n.transport.IsConnected() {
		n.logger.Debugf("Ignoring connection loss of a previous connection: %v", err)
		return
	}
	n.logger.Warnf("Transport connection lost: %v", err)
	if ferr := n.fire(context.Background(), EventConnectionLost); ferr != nil {
		n.logger.Errorf("Failed to record connection loss: %v", ferr)
	}
}

// OnMessage handles an inbound message. Undecodable payloads are reported
// and discarded; the session continues.
func (n *Node) OnMessage(ctx context.Context, topic string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch {
	case topic == n.topics.Command:
		return n.handleCommand(ctx, data)
	case n.topics.State != "" && topic == n.topics.State:
		return n.handleHostState(ctx, data)
	}
	n.logger.Debugf("Ignoring message on unexpected topic %s", topic)
	return nil
}

// OnTick pings the transport every KeepAlive/2, going Offline when the ping
// fails, retries a pending birth once
// its backoff has elapsed, flushes unpublished changes while Online, and
// reports a primary host timeout once per elapsed timeout window.
func (n *Node) OnTick(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.session.Current()
	if state == StateOffline {
		return nil
	}
	now := n.opts.Clock()

	var errs []error
	if n.opts.KeepAlive > 0 && now.Sub(n.lastPing) >= n.opts.KeepAlive/2 {
		n.lastPing = now
		if err := n.transport.Ping(ctx); err != nil {
			n.logger.Warnf("Keepalive ping failed: %v", err)
			return n.connectionLost(ctx, fmt.Errorf("%w: ping: %w", ErrTransport, err))
		}
	}

	switch state {
	case StateBirthPending:
		if !n.backoff.ShouldSkipOperation() {
			errs = append(errs, n.birth(ctx))
		}
	case StateOnline:
		errs = append(errs, n.publishChanges(ctx))
	case StateAwaitingPrimaryHost:
		if timeout := n.opts.PrimaryHostTimeout; timeout > 0 {
			waited := now.Sub(n.awaitingSince)
			if waited >= timeout*time.Duration(n.timeoutsReported+1) {
				n.timeoutsReported = int(waited / timeout)
				errs = append(errs, fmt.Errorf("%w: waited %s for %s",
					ErrPrimaryHostTimeout, waited.Round(time.Millisecond), n.opts.PrimaryHostID))
			}
		}
	}
	return errors.Join(errs...)
}

func (n *Node) handleCommand(ctx context.Context, data []byte) error {
	p, err := payload.Decode(data)
	if err != nil {
		metrics.RecordCommand(n.opts.GroupID, n.opts.EdgeNodeID, metrics.CommandDecodeError)
		n.logger.Warnf("Discarding undecodable NCMD: %v", err)
		return err
	}

	result, dispatchErr := n.dispatcher.Dispatch(ctx, n.topics.Command, p)
	for _, r := range result.Results {
		metrics.RecordCommand(n.opts.GroupID, n.opts.EdgeNodeID, commandOutcome(r.Err))
	}

	var publishErr error
	if n.session.Current() == StateOnline {
		if n.rebirthRequested {
			n.logger.Infof("Rebirth requested by host")
			publishErr = n.rebirth(ctx)
		} else {
			publishErr = n.publishChanges(ctx)
		}
	}
	n.rebirthRequested = false
	return errors.Join(dispatchErr, publishErr)
}

func commandOutcome(err error) string {
	var cmdErr *CommandError
	switch {
	case err == nil:
		return metrics.CommandOK
	case errors.As(err, &cmdErr):
		return metrics.CommandHandlerError
	case errors.Is(err, metricstore.ErrTypeMismatch):
		return metrics.CommandTypeMismatch
	case errors.Is(err, payload.ErrDecoding):
		return metrics.CommandDecodeError
	default:
		return metrics.CommandUnknownMetric
	}
}

func (n *Node) handleRebirthCommand(_ context.Context, _ string, v payload.Value) error {
	if v.Bool() {
		n.rebirthRequested = true
	}
	return nil
}

func (n *Node) handleHostState(ctx context.Context, data []byte) error {
	hs, err := payload.ParseHostState(data)
	if err != nil {
		n.logger.Warnf("Discarding malformed STATE from %s: %v", n.opts.PrimaryHostID, err)
		return err
	}
	if hs.Timestamp != 0 && hs.Timestamp < n.lastHostTimestamp {
		n.logger.Debugf("Ignoring stale STATE from %s (timestamp %d < %d)", n.opts.PrimaryHostID, hs.Timestamp, n.lastHostTimestamp)
		return nil
	}
	if hs.Timestamp > n.lastHostTimestamp {
		n.lastHostTimestamp = hs.Timestamp
	}
	n.hostOnline = hs.Online

	state := n.session.Current()
	if hs.Online {
		if state != StateAwaitingPrimaryHost {
			return nil
		}
		n.logger.Infof("Primary host %s is online", n.opts.PrimaryHostID)
		if err := n.fire(ctx, EventHostOnline); err != nil {
			return err
		}
		return n.birth(ctx)
	}

	if state != StateOnline && state != StateBirthPending {
		return nil
	}
	n.logger.Infof("Primary host %s went offline", n.opts.PrimaryHostID)
	var errs []error
	if n.alive {
		errs = append(errs, n.publishDeath(ctx, metrics.DeathHostOffline))
	}
	errs = append(errs, n.fire(ctx, EventHostOffline))
	return errors.Join(errs...)
}

func (n *Node) rebirth(ctx context.Context) error {
	if err := n.fire(ctx, EventRebirth); err != nil {
		return err
	}
	return n.birth(ctx)
}

// birth publishes NBIRTH from BirthPending. A bdSeq persisted by an earlier
// failed attempt is reused so retries do not burn sequence numbers.
func (n *Node) birth(ctx context.Context) error {
	if n.pendingBdSeq == nil {
		bdSeq, err := n.sequence.NextBirthDeathSequence()
		if err != nil {
			n.backoff.SetError(err)
			n.logger.Errorf("Cannot allocate bdSeq for NBIRTH: %v", err)
			return err
		}
		n.pendingBdSeq = &bdSeq
	}
	bdSeq := *n.pendingBdSeq

	if bdSeq != n.willBdSeq {
		if err := n.replaceWill(ctx, bdSeq); err != nil {
			return err
		}
	}

	if !n.opts.DisableRebirthCommand {
		if _, err := n.store.SetValue(RebirthMetric, payload.Boolean(false)); err != nil {
			return err
		}
	}
	n.rebirthRequested = false

	seq := uint64(n.sequence.ResetMessageSequence())
	ts := n.nowMillis()
	snapshot := n.store.SnapshotAll()

	p := payload.Payload{
		Timestamp: ts,
		Seq:       &seq,
		Metrics:   make([]payload.Metric, 0, len(snapshot)+1),
	}
	p.Metrics = append(p.Metrics, bdSeqMetric(bdSeq, ts))
	for _, m := range snapshot {
		p.Metrics = append(p.Metrics, payload.Metric{
			Name:      m.Name,
			Alias:     m.Alias,
			Timestamp: ts,
			Datatype:  m.DataType,
			Value:     m.Value,
		})
	}
	encoded, err := payload.Encode(p)
	if err != nil {
		n.backoff.SetError(err)
		return err
	}

	if err := n.transport.Publish(ctx, n.topics.Birth, encoded, n.opts.QoS, false); err != nil {
		metrics.RecordPublishFailure(n.opts.GroupID, n.opts.EdgeNodeID, metrics.KindBirth)
		n.backoff.SetError(err)
		return n.publishFailed(ctx, MessageTypeNBIRTH, err)
	}

	n.pendingBdSeq = nil
	n.lifeBdSeq, n.hasLife, n.alive = bdSeq, true, true
	n.backoff.Reset()
	metrics.RecordBirth(n.opts.GroupID, n.opts.EdgeNodeID, bdSeq)
	n.logger.Infof("Published NBIRTH bdSeq=%d with %d metrics", bdSeq, len(snapshot))
	return n.fire(ctx, EventBirthDone)
}

// publishChanges sends one NDATA with every metric that differs from its
// last published value. The sequence number and baseline only advance when
// the publish succeeds.
func (n *Node) publishChanges(ctx context.Context) error {
	changes := n.store.ChangedSince()
	if len(changes) == 0 {
		return nil
	}

	seq := uint64(n.sequence.PeekMessageSequence())
	ts := n.nowMillis()
	p := payload.Payload{
		Timestamp: ts,
		Seq:       &seq,
		Metrics:   make([]payload.Metric, 0, len(changes)),
	}
	for _, m := range changes {
		pm := payload.Metric{
			Name:      m.Name,
			Timestamp: ts,
			Datatype:  m.DataType,
			Value:     m.Value,
		}
		if n.opts.UseAliases && m.Alias != nil {
			pm.Name, pm.Alias = "", m.Alias
		}
		p.Metrics = append(p.Metrics, pm)
	}
	encoded, err := payload.Encode(p)
	if err != nil {
		return err
	}

	if err := n.transport.Publish(ctx, n.topics.Data, encoded, n.opts.QoS, false); err != nil {
		metrics.RecordPublishFailure(n.opts.GroupID, n.opts.EdgeNodeID, metrics.KindData)
		return n.publishFailed(ctx, MessageTypeNDATA, err)
	}

	n.sequence.NextMessageSequence()
	n.store.MarkPublished(changes)
	metrics.RecordData(n.opts.GroupID, n.opts.EdgeNodeID)
	n.logger.Debugf("Published NDATA seq=%d with %d metrics", seq, len(changes))
	return nil
}

// publishDeath closes the current life. The life stays open if the publish
// fails so a later death can retry it.
func (n *Node) publishDeath(ctx context.Context, reason string) error {
	encoded, err := n.deathPayload(n.lifeBdSeq)
	if err != nil {
		return err
	}
	if err := n.transport.Publish(ctx, n.topics.Death, encoded, deathQoS, false); err != nil {
		metrics.RecordPublishFailure(n.opts.GroupID, n.opts.EdgeNodeID, metrics.KindDeath)
		n.logger.Warnf("Publishing NDEATH bdSeq=%d failed: %v", n.lifeBdSeq, err)
		return fmt.Errorf("%w: %s: %w", ErrPublish, MessageTypeNDEATH, err)
	}
	n.alive = false
	metrics.RecordDeath(n.opts.GroupID, n.opts.EdgeNodeID, reason)
	n.logger.Infof("Published NDEATH bdSeq=%d (%s)", n.lifeBdSeq, reason)
	return nil
}

// publishFailed classifies a failed publish: with the transport down the
// session goes Offline, otherwise the failure is a retryable warning.
func (n *Node) publishFailed(ctx context.Context, msgType string, err error) error {
	if !n.transport.IsConnected() {
		n.logger.Warnf("Publishing %s failed with the transport down: %v", msgType, err)
		return n.connectionLost(ctx, fmt.Errorf("%w: %s: %w", ErrTransport, msgType, err))
	}
	n.logger.Warnf("Publishing %s failed, will retry: %v", msgType, err)
	return fmt.Errorf("%w: %s: %w", ErrPublish, msgType, err)
}

func (n *Node) deathPayload(bdSeq uint8) ([]byte, error) {
	ts := n.nowMillis()
	return payload.Encode(payload.Payload{
		Timestamp: ts,
		Metrics:   []payload.Metric{bdSeqMetric(bdSeq, ts)},
	})
}

func bdSeqMetric(bdSeq uint8, ts uint64) payload.Metric {
	return payload.Metric{
		Name:      metricstore.BdSeqMetric,
		Timestamp: ts,
		Datatype:  payload.TypeInt64,
		Value:     payload.Int64(int64(bdSeq)),
	}
}

func (n *Node) fire(ctx context.Context, event string) error {
	if err := n.session.Event(ctx, event); err != nil {
		return fmt.Errorf("session event %s in state %s: %w", event, n.session.Current(), err)
	}
	return nil
}

// onEnterState runs inside fsm transitions with n.mu held.
func (n *Node) onEnterState(_ context.Context, event, src, dst string) {
	n.logger.Infof("Session %s -> %s on %s", src, dst, event)
	metrics.SetSessionState(n.opts.GroupID, n.opts.EdgeNodeID, dst, States)

	switch dst {
	case StateOffline:
		n.alive = false
		n.pendingBdSeq = nil
		n.hostOnline = false
		n.rebirthRequested = false
		n.backoff.Reset()
	case StateAwaitingPrimaryHost:
		n.awaitingSince = n.opts.Clock()
		n.timeoutsReported = 0
	}
}

func (n *Node) nowMillis() uint64 {
	return uint64(n.opts.Clock().UnixMilli())
}
