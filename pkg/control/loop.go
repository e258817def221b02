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

package control

// This package contains the driver loop of an edge node.
// Transport callbacks only enqueue; a single goroutine feeds inbound messages
// and a periodic tick into the driver, and reconnects it while it is offline.

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/backoff"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/metrics"
)

const (
	DefaultTickInterval = time.Second
	// QueueSize bounds the inbound messages waiting for the loop.
	QueueSize = 1024
	// starvationFactor times the tick interval without a completed tick
	// counts as starvation.
	starvationFactor = 5
	// dropWarnInterval limits queue-full warnings to one per interval.
	dropWarnInterval = 10 * time.Second
)

// Driver is what the loop drives; *edgenode.Node implements it.
type Driver interface {
	Connect(ctx context.Context) error
	State() string
	OnMessage(ctx context.Context, topic string, payload []byte) error
	OnTick(ctx context.Context) error
	OnConnectionLost(err error)
}

// Callbacks is the part of edgenode.Transport the loop hooks into.
type Callbacks interface {
	SetMessageCallback(fn func(topic string, payload []byte))
	SetConnectionLostCallback(fn func(err error))
}

type inbound struct {
	topic   string
	payload []byte
}

type Loop struct {
	driver       Driver
	tickInterval time.Duration
	inbound      chan inbound
	lost         chan error
	reconnect    *backoff.Manager
	starvation   *metrics.StarvationChecker
	dropWarn     *rate.Limiter
	logger       *zap.SugaredLogger
}

// NewLoop creates a loop for driver and registers its callbacks on transport.
// A zero tickInterval uses DefaultTickInterval and a nil logger uses the
// control loop component logger.
func NewLoop(driver Driver, transport Callbacks, tickInterval time.Duration, log *zap.SugaredLogger) *Loop {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	if log == nil {
		log = logger.For(logger.ComponentControlLoop)
	}

	l := &Loop{
		driver:       driver,
		tickInterval: tickInterval,
		inbound:      make(chan inbound, QueueSize),
		lost:         make(chan error, 1),
		starvation:   metrics.NewStarvationChecker(starvationFactor*tickInterval, nil, logger.For(logger.ComponentStarvationChecker)),
		dropWarn:     rate.NewLimiter(rate.Every(dropWarnInterval), 1),
		logger:       log,
	}
	transport.SetMessageCallback(l.Deliver)
	transport.SetConnectionLostCallback(l.ConnectionLost)
	return l
}

// WithReconnect makes the loop call Connect on ticks while the driver is
// offline, paced by b.
func (l *Loop) WithReconnect(b *backoff.Manager) *Loop {
	l.reconnect = b
	return l
}

// Deliver queues an inbound message. It never blocks: a message that does
// not fit into the queue is dropped and counted.
func (l *Loop) Deliver(topic string, payload []byte) {
	select {
	case l.inbound <- inbound{topic: topic, payload: payload}:
	default:
		metrics.RecordInboundDropped()
		if l.dropWarn.Allow() {
			l.logger.Warnf("Inbound queue full, dropping message on %s", topic)
		}
	}
}

// ConnectionLost queues a connection loss notice. Notices arriving while
// one is pending are merged.
func (l *Loop) ConnectionLost(err error) {
	select {
	case l.lost <- err:
	default:
	}
}

// Execute runs the loop until ctx is cancelled. Driver errors are logged;
// they never stop the loop.
func (l *Loop) Execute(ctx context.Context) error {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-l.lost:
			l.driver.OnConnectionLost(err)
		case msg := <-l.inbound:
			if err := l.driver.OnMessage(ctx, msg.topic, msg.payload); err != nil {
				l.logger.Warnf("Handling message on %s failed: %v", msg.topic, err)
			}
		case <-ticker.C:
			err := l.Tick(ctx)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return nil
			default:
				l.logger.Warnf("Tick failed: %v", err)
			}
		}
	}
}

// Tick runs one cycle: reconnect if due, then the driver's own tick.
func (l *Loop) Tick(ctx context.Context) error {
	l.starvation.Check()
	start := time.Now()

	var errs []error
	if l.reconnect != nil && l.driver.State() == edgenode.StateOffline && !l.reconnect.ShouldSkipOperation() {
		err := l.driver.Connect(ctx)
		if err != nil && l.driver.State() == edgenode.StateOffline {
			l.reconnect.SetError(err)
		} else {
			l.reconnect.Reset()
		}
		errs = append(errs, err)
	}
	errs = append(errs, l.driver.OnTick(ctx))

	l.starvation.UpdateLastTickTime()
	l.logger.Debugf("Tick took %v", time.Since(start))
	return errors.Join(errs...)
}
