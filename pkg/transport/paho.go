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

// Package transport adapts Eclipse Paho to edgenode.Transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/logger"
)

// ErrNotConnected is returned by operations that need an open connection.
var ErrNotConnected = errors.New("mqtt client is not connected")

// disconnectQuiesce is how long Disconnect lets in-flight work finish, in ms.
const disconnectQuiesce = 250

// Config holds the connection settings for the Paho client.
type Config struct {
	BrokerURLs     []string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	CleanSession   bool
	Logger         *zap.SugaredLogger
}

type will struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

// Paho is an edgenode.Transport. Every Connect creates a fresh client so the
// will registered last is the one the broker holds. Paho's own reconnect is
// off; the edge node must re-birth after every new connection.
type Paho struct {
	config Config
	logger *zap.SugaredLogger

	mu        sync.Mutex
	client    mqtt.Client
	will      *will
	onMessage func(topic string, payload []byte)
	onLost    func(err error)

	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// New validates config and returns an unconnected transport.
func New(config Config) (*Paho, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if len(config.BrokerURLs) == 0 {
		return nil, fmt.Errorf("at least one broker URL is required")
	}
	if config.KeepAlive <= 0 {
		return nil, fmt.Errorf("keep alive must be positive, got %v", config.KeepAlive)
	}
	if config.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("connect timeout must be positive, got %v", config.ConnectTimeout)
	}
	log := config.Logger
	if log == nil {
		log = logger.For(logger.ComponentTransport)
	}
	return &Paho{
		config:    config,
		logger:    log,
		newClient: mqtt.NewClient,
	}, nil
}

func (p *Paho) SetWill(topic string, payload []byte, qos byte, retain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.will = &will{topic: topic, payload: payload, qos: qos, retain: retain}
}

func (p *Paho) SetMessageCallback(fn func(topic string, payload []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

func (p *Paho) SetConnectionLostCallback(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLost = fn
}

func (p *Paho) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.client != nil && p.client.IsConnectionOpen() {
		p.mu.Unlock()
		return nil
	}
	client := p.newClient(p.clientOptions())
	p.client = client
	p.mu.Unlock()

	p.logger.Debugf("Connecting to %v as %s", p.config.BrokerURLs, p.config.ClientID)
	if err := p.wait(ctx, client.Connect(), p.config.ConnectTimeout); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	p.logger.Infof("Connected to MQTT broker as %s", p.config.ClientID)
	return nil
}

func (p *Paho) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	for _, url := range p.config.BrokerURLs {
		opts.AddBroker(url)
	}
	opts.SetClientID(p.config.ClientID)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetAutoReconnect(false)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		if p.config.Password != "" {
			opts.SetPassword(p.config.Password)
		}
	}
	if p.will != nil {
		opts.SetBinaryWill(p.will.topic, p.will.payload, p.will.qos, p.will.retain)
	}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		p.mu.Lock()
		current := p.client == c
		onLost := p.onLost
		p.mu.Unlock()
		if !current {
			p.logger.Debugf("Ignoring connection loss of a replaced client: %v", err)
			return
		}
		p.logger.Errorf("MQTT connection lost: %v", err)
		if onLost != nil {
			onLost(err)
		}
	})
	return opts
}

func (p *Paho) Disconnect(context.Context) error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(disconnectQuiesce)
		p.logger.Infof("Disconnected from MQTT broker")
	}
	return nil
}

func (p *Paho) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	return p.wait(ctx, client.Publish(topic, qos, retain, payload), p.config.ConnectTimeout)
}

func (p *Paho) Subscribe(ctx context.Context, topic string, qos byte) error {
	client, err := p.connected()
	if err != nil {
		return err
	}
	token := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		p.mu.Lock()
		onMessage := p.onMessage
		p.mu.Unlock()
		if onMessage != nil {
			onMessage(msg.Topic(), msg.Payload())
		}
	})
	if err := p.wait(ctx, token, p.config.ConnectTimeout); err != nil {
		return err
	}
	p.logger.Debugf("Successfully subscribed to MQTT topic: %s", topic)
	return nil
}

// Ping reports whether the connection is still open. Paho sends the
// protocol-level PINGREQ on its own.
func (p *Paho) Ping(context.Context) error {
	_, err := p.connected()
	return err
}

func (p *Paho) IsConnected() bool {
	_, err := p.connected()
	return err == nil
}

func (p *Paho) connected() (mqtt.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil || !p.client.IsConnectionOpen() {
		return nil, ErrNotConnected
	}
	return p.client, nil
}

func (p *Paho) wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("MQTT operation timeout after %v", timeout)
	}
}
