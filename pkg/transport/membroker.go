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
	"strings"
	"sync"
)

// Message records one publish observed by the MemBroker.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

type memSub struct {
	filter  string
	handler Handler
}

// MemBroker is an in-memory Client used by tests. Delivery is synchronous:
// Publish invokes every matching handler before returning, so tests can
// assert on the resulting publishes immediately.
type MemBroker struct {
	mu        sync.Mutex
	subs      []memSub
	retained  map[string][]byte
	published []Message
	onConnect []func()
}

// NewMemBroker creates an empty in-memory broker.
func NewMemBroker() *MemBroker {
	return &MemBroker{retained: make(map[string][]byte)}
}

func (b *MemBroker) Publish(topic string, _ byte, retained bool, payload []byte) error {
	b.mu.Lock()
	b.published = append(b.published, Message{Topic: topic, Payload: payload, Retained: retained})

	if retained {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			b.retained[topic] = append([]byte(nil), payload...)
		}
	}

	handlers := make([]Handler, 0, len(b.subs))

	for _, s := range b.subs {
		if MatchFilter(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.Unlock()

	// Handlers run outside the lock: they commonly publish back.
	for _, h := range handlers {
		h(topic, payload)
	}

	return nil
}

func (b *MemBroker) Subscribe(filter string, _ byte, handler Handler) error {
	b.mu.Lock()
	b.subs = append(b.subs, memSub{filter: filter, handler: handler})

	type pending struct {
		topic   string
		payload []byte
	}

	var replay []pending

	for topic, payload := range b.retained {
		if MatchFilter(filter, topic) {
			replay = append(replay, pending{topic: topic, payload: payload})
		}
	}
	b.mu.Unlock()

	for _, p := range replay {
		handler(p.topic, p.payload)
	}

	return nil
}

func (b *MemBroker) Unsubscribe(filters ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, f := range filters {
		kept := b.subs[:0]

		for _, s := range b.subs {
			if s.filter != f {
				kept = append(kept, s)
			}
		}

		b.subs = kept
	}

	return nil
}

func (b *MemBroker) OnConnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onConnect = append(b.onConnect, fn)
}

func (b *MemBroker) Close() {}

// FireConnect simulates a broker reconnection, invoking every registered
// connect callback.
func (b *MemBroker) FireConnect() {
	b.mu.Lock()
	callbacks := append([]func(){}, b.onConnect...)
	b.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Published returns all publishes on topic, oldest first.
func (b *MemBroker) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message

	for _, m := range b.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}

	return out
}

// LastPublished returns the newest publish on topic, or nil.
func (b *MemBroker) LastPublished(topic string) *Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := len(b.published) - 1; i >= 0; i-- {
		if b.published[i].Topic == topic {
			m := b.published[i]
			return &m
		}
	}

	return nil
}

// Retained returns the retained payload for topic, or nil when cleared or
// never set.
func (b *MemBroker) Retained(topic string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.retained[topic]
}

// ClearPublished drops the publish log, keeping subscriptions and retained
// state.
func (b *MemBroker) ClearPublished() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.published = nil
}

// MatchFilter reports whether topic matches filter, supporting the
// single-level '+' wildcard.
func MatchFilter(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	if len(fp) != len(tp) {
		return false
	}

	for i, part := range fp {
		if part == "+" {
			continue
		}

		if part != tp[i] {
			return false
		}
	}

	return true
}
