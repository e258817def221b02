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

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zaptest"

	"github.com/united-manufacturing-hub/sparkplug-edge/pkg/edgenode"
)

var _ edgenode.Transport = (*Paho)(nil)

type doneToken struct {
	done chan struct{}
	err  error
}

func newToken(err error) *doneToken {
	t := &doneToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

// pendingToken never completes.
type pendingToken struct{ doneToken }

func newPendingToken() *pendingToken {
	return &pendingToken{doneToken{done: make(chan struct{})}}
}

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	mqtt.Client

	mu          sync.Mutex
	open        bool
	connectTok  mqtt.Token
	publishErr  error
	published   []published
	handlers    map[string]mqtt.MessageHandler
	disconnects int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectTok != nil {
		return c.connectTok
	}
	c.open = true
	return newToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return newToken(c.publishErr)
	}
	c.published = append(c.published, published{topic, qos, retained, payload.([]byte)})
	return newToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[string]mqtt.MessageHandler)
	}
	c.handlers[topic] = callback
	return newToken(nil)
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

var _ = Describe("Paho", func() {
	var (
		ctx     context.Context
		client  *fakeClient
		options []*mqtt.ClientOptions
		p       *Paho
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = &fakeClient{}
		options = nil

		var err error
		p, err = New(Config{
			BrokerURLs:     []string{"tcp://broker:1883"},
			ClientID:       "edge-1",
			Username:       "node",
			Password:       "secret",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 50 * time.Millisecond,
			CleanSession:   true,
			Logger:         zaptest.NewLogger(GinkgoT()).Sugar(),
		})
		Expect(err).NotTo(HaveOccurred())
		p.newClient = func(o *mqtt.ClientOptions) mqtt.Client {
			options = append(options, o)
			return client
		}
	})

	It("validates its configuration", func() {
		_, err := New(Config{ClientID: "x", KeepAlive: time.Second, ConnectTimeout: time.Second})
		Expect(err).To(MatchError(ContainSubstring("broker URL")))
		_, err = New(Config{BrokerURLs: []string{"tcp://b"}, KeepAlive: time.Second, ConnectTimeout: time.Second})
		Expect(err).To(MatchError(ContainSubstring("client ID")))
		_, err = New(Config{BrokerURLs: []string{"tcp://b"}, ClientID: "x", ConnectTimeout: time.Second})
		Expect(err).To(MatchError(ContainSubstring("keep alive")))
	})

	It("connects with the will registered last and without auto reconnect", func() {
		p.SetWill("spBv1.0/G/NDEATH/E", []byte{1, 2}, 1, false)
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(p.IsConnected()).To(BeTrue())

		Expect(options).To(HaveLen(1))
		r := mqtt.NewOptionsReader(options[0])
		Expect(r.ClientID()).To(Equal("edge-1"))
		Expect(r.Username()).To(Equal("node"))
		Expect(r.AutoReconnect()).To(BeFalse())
		Expect(r.WillEnabled()).To(BeTrue())
		Expect(r.WillTopic()).To(Equal("spBv1.0/G/NDEATH/E"))
		Expect(r.WillPayload()).To(Equal([]byte{1, 2}))
		Expect(r.WillQos()).To(Equal(byte(1)))
	})

	It("uses the newest will on reconnect", func() {
		p.SetWill("t", []byte{1}, 1, false)
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(p.Disconnect(ctx)).To(Succeed())
		Expect(p.IsConnected()).To(BeFalse())

		p.SetWill("t", []byte{2}, 1, false)
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(options).To(HaveLen(2))
		r := mqtt.NewOptionsReader(options[1])
		Expect(r.WillPayload()).To(Equal([]byte{2}))
	})

	It("reports connect failures and timeouts", func() {
		client.connectTok = newToken(errors.New("not authorized"))
		Expect(p.Connect(ctx)).To(MatchError(ContainSubstring("not authorized")))

		client.connectTok = newPendingToken()
		Expect(p.Connect(ctx)).To(MatchError(ContainSubstring("timeout")))
	})

	It("refuses to publish while disconnected", func() {
		Expect(p.Publish(ctx, "t", nil, 0, false)).To(MatchError(ErrNotConnected))
		Expect(p.Ping(ctx)).To(MatchError(ErrNotConnected))
	})

	It("publishes and reports broker errors", func() {
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(p.Publish(ctx, "spBv1.0/G/NBIRTH/E", []byte{9}, 0, false)).To(Succeed())
		Expect(client.published).To(Equal([]published{{"spBv1.0/G/NBIRTH/E", 0, false, []byte{9}}}))

		client.publishErr = errors.New("quota exceeded")
		Expect(p.Publish(ctx, "t", []byte{1}, 1, false)).To(MatchError(ContainSubstring("quota")))
	})

	It("delivers subscribed messages to the callback", func() {
		var got []string
		p.SetMessageCallback(func(topic string, payload []byte) {
			got = append(got, topic+"="+string(payload))
		})
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(p.Subscribe(ctx, "spBv1.0/G/NCMD/E", 1)).To(Succeed())

		client.handlers["spBv1.0/G/NCMD/E"](client, fakeMessage{topic: "spBv1.0/G/NCMD/E", payload: []byte("x")})
		Expect(got).To(Equal([]string{"spBv1.0/G/NCMD/E=x"}))
	})

	It("forwards connection loss", func() {
		var lost error
		p.SetConnectionLostCallback(func(err error) { lost = err })
		Expect(p.Connect(ctx)).To(Succeed())

		r := mqtt.NewOptionsReader(options[0])
		Expect(r.ConnectTimeout()).To(Equal(50 * time.Millisecond))
		eof := errors.New("EOF")
		options[0].OnConnectionLost(client, eof)
		Expect(lost).To(Equal(eof))
	})

	It("ignores connection loss of a client it has replaced", func() {
		var lost []error
		p.SetConnectionLostCallback(func(err error) { lost = append(lost, err) })
		first := client
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(p.Disconnect(ctx)).To(Succeed())

		client = &fakeClient{}
		Expect(p.Connect(ctx)).To(Succeed())
		Expect(options).To(HaveLen(2))

		options[0].OnConnectionLost(first, errors.New("stale"))
		Expect(lost).To(BeEmpty())

		eof := errors.New("EOF")
		options[1].OnConnectionLost(client, eof)
		Expect(lost).To(Equal([]error{eof}))
	})

	It("honours context cancellation", func() {
		client.connectTok = newPendingToken()
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		Expect(p.Connect(cancelled)).To(MatchError(context.Canceled))
	})
})
