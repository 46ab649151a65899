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

// Package transport defines the pub/sub boundary the dispatchers run on and
// provides the MQTT-backed production client plus an in-memory broker for
// tests. The broker is expected to provide at-least-once delivery per QoS
// level, retained messages, and last-will publication on abnormal disconnect.
package transport

// Handler receives one inbound message. Handlers for one connection are
// invoked sequentially in delivery order.
type Handler func(topic string, payload []byte)

// Client is the transport surface the dispatchers depend on.
type Client interface {
	// Publish sends payload on topic. A retained publish with an empty
	// payload clears the retained message.
	Publish(topic string, qos byte, retained bool, payload []byte) error

	// Subscribe registers handler for every message matching filter.
	// Filters may use the single-level '+' wildcard.
	Subscribe(filter string, qos byte, handler Handler) error

	// Unsubscribe removes previously registered filters.
	Unsubscribe(filters ...string) error

	// OnConnect registers a callback fired after every successful
	// (re)connection, once subscriptions are restored.
	OnConnect(fn func())

	// Close tears down the connection. Never returns an error; shutdown
	// failures are swallowed since the process is terminating.
	Close()
}
