/*
 * Copyright 2026 Lablink Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/lablink-io/lablink/pkg/logger"
)

const (
	connectTimeout     = 10 * time.Second
	publishTimeout     = 5 * time.Second
	disconnectQuiesceM = 250 // milliseconds paho waits for in-flight messages
)

// Options configures the MQTT client connection.
type Options struct {
	BrokerURL string `json:"broker_url" yaml:"broker_url"`
	ClientID  string `json:"client_id" yaml:"client_id"`
	Username  string `json:"username" yaml:"username"`
	Password  string `json:"password" yaml:"password"`

	// WillTopic/WillPayload register a retained last-will message the
	// broker publishes on abnormal disconnect.
	WillTopic   string
	WillPayload []byte
}

type subscription struct {
	qos     byte
	handler Handler
}

// MQTTClient is the paho-backed production transport. It tracks
// subscriptions and restores them after every reconnect before firing
// registered connect callbacks.
type MQTTClient struct {
	client mqtt.Client
	log    logger.Logger

	mu        sync.Mutex
	subs      map[string]subscription
	onConnect []func()
}

// Connect dials the broker and blocks until the first connection attempt
// resolves.
func Connect(opts Options, log logger.Logger) (*MQTTClient, error) {
	c := &MQTTClient{
		log:  log.WithComponent("transport"),
		subs: make(map[string]subscription),
	}

	po := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(c.handleConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.log.Warn().Err(err).Msg("connection lost")
		})

	if opts.WillTopic != "" {
		po.SetBinaryWill(opts.WillTopic, opts.WillPayload, 1, true)
	}

	c.client = mqtt.NewClient(po)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", opts.BrokerURL)
	}

	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.BrokerURL, err)
	}

	return c, nil
}

func (c *MQTTClient) handleConnect(_ mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for f, s := range c.subs {
		subs[f] = s
	}

	callbacks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for filter, sub := range subs {
		if err := c.subscribe(filter, sub.qos, sub.handler); err != nil {
			c.log.Error().Err(err).Str("filter", filter).Msg("resubscribe failed")
		}
	}

	c.log.Info().Int("subscriptions", len(subs)).Msg("connected")

	for _, fn := range callbacks {
		fn()
	}
}

func (c *MQTTClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", topic)
	}

	return token.Error()
}

func (c *MQTTClient) Subscribe(filter string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	return c.subscribe(filter, qos, handler)
}

func (c *MQTTClient) subscribe(filter string, qos byte, handler Handler) error {
	token := c.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", filter)
	}

	return token.Error()
}

func (c *MQTTClient) Unsubscribe(filters ...string) error {
	c.mu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(filters...)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe: timeout")
	}

	return token.Error()
}

func (c *MQTTClient) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConnect = append(c.onConnect, fn)
}

func (c *MQTTClient) Close() {
	c.client.Disconnect(disconnectQuiesceM)
}
