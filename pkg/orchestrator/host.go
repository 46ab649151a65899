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

// Package orchestrator hosts control-plane plugins over the shared
// transport. The host maintains the fleet registry from retained device
// meta and status documents and republishes a retained snapshot on every
// observation.
package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/registry"
	"github.com/lablink-io/lablink/pkg/scheduler"
	"github.com/lablink-io/lablink/pkg/transport"
)

// Host wires the registry, scheduler, and plugins to the transport.
type Host struct {
	cfg       *Config
	transport transport.Client
	registry  *registry.Registry
	sched     *scheduler.Scheduler
	log       logger.Logger
	plugins   map[string]Plugin
}

// New builds a host and instantiates the plugins named in the config.
// Plugin names missing from the catalog are logged and skipped.
func New(cfg *Config, catalog *PluginCatalog, tr transport.Client, log logger.Logger) *Host {
	h := &Host{
		cfg:       cfg,
		transport: tr,
		registry:  registry.New(),
		sched:     scheduler.New(log),
		log:       log.WithComponent("orchestrator"),
		plugins:   make(map[string]Plugin),
	}

	for name, settings := range cfg.Plugins {
		ctx := &Context{
			Transport:   tr,
			Registry:    h.registry,
			Scheduler:   h.sched,
			Settings:    settings,
			Log:         log,
			ParamsLimit: cfg.ParamsLimit,
		}

		plugin, err := catalog.New(name, ctx)
		if err != nil {
			h.log.Warn().Err(err).Str("plugin", name).Msg("skipping unknown plugin in config")
			continue
		}

		h.plugins[name] = plugin
	}

	return h
}

// Registry exposes the fleet registry, shared with plugins.
func (h *Host) Registry() *registry.Registry { return h.registry }

// Start subscribes the registry feed and every plugin's topic filters, runs
// plugin start hooks, and publishes the initial snapshot.
func (h *Host) Start() error {
	if err := h.transport.Subscribe(envelope.DeviceMetaFilter(), 1, h.observe); err != nil {
		return fmt.Errorf("subscribe device meta: %w", err)
	}

	if err := h.transport.Subscribe(envelope.DeviceStatusFilter(), 1, h.observe); err != nil {
		return fmt.Errorf("subscribe device status: %w", err)
	}

	for name, plugin := range h.plugins {
		for _, filter := range plugin.TopicFilters() {
			if err := h.transport.Subscribe(filter, 1, h.guard(name, plugin.HandleMessage)); err != nil {
				return fmt.Errorf("subscribe plugin %s filter %s: %w", name, filter, err)
			}
		}

		if starter, ok := plugin.(Starter); ok {
			if err := starter.Start(); err != nil {
				h.log.Warn().Err(err).Str("plugin", name).Msg("plugin start hook failed")
			}
		}
	}

	h.publishSnapshot()

	h.log.Info().Strs("plugins", h.pluginNames()).Msg("orchestrator started")

	return nil
}

// Stop runs plugin stop hooks, halts the scheduler, and closes the
// transport.
func (h *Host) Stop() {
	for name, plugin := range h.plugins {
		if stopper, ok := plugin.(Stopper); ok {
			if err := stopper.Stop(); err != nil {
				h.log.Warn().Err(err).Str("plugin", name).Msg("plugin stop hook failed")
			}
		}
	}

	h.sched.Stop()
	h.transport.Close()
	h.log.Info().Msg("orchestrator stopped")
}

// guard wraps a plugin handler so a panic on one bad command cannot take
// down the message loop. The panic is acked EXCEPTION on the plugin's evt
// topic.
func (h *Host) guard(name string, handler transport.Handler) transport.Handler {
	return func(topic string, payload []byte) {
		defer func() {
			if r := recover(); r != nil {
				h.log.Error().Str("plugin", name).Str("topic", topic).Interface("panic", r).Msg("plugin handler panicked")

				ack := envelope.NewAck("?", false, "?", "", envelope.CodeException, fmt.Sprint(r), nil)

				raw, err := ack.Encode()
				if err != nil {
					return
				}

				if err := h.transport.Publish(envelope.OrchestratorEvt(name), 1, false, raw); err != nil {
					h.log.Warn().Err(err).Str("plugin", name).Msg("exception ack publish failed")
				}
			}
		}()

		handler(topic, payload)
	}
}

// RemoveDevice drops a device record and clears its retained meta and
// status documents from the broker. Reports whether the record existed.
func (h *Host) RemoveDevice(deviceID string) bool {
	existed := h.registry.Remove(deviceID)

	// An empty retained publish clears retention.
	for _, topic := range []string{envelope.DeviceMeta(deviceID), envelope.DeviceStatus(deviceID)} {
		if err := h.transport.Publish(topic, 1, true, nil); err != nil {
			h.log.Warn().Err(err).Str("topic", topic).Msg("retained clear failed")
		}
	}

	h.publishSnapshot()

	return existed
}

// observe folds a device meta or status document into the registry. A
// cleared retained document (empty payload) and non-object payloads are
// ignored.
func (h *Host) observe(topic string, payload []byte) {
	if len(payload) == 0 {
		return
	}

	obj, err := envelope.ParseObject(payload)
	if err != nil {
		h.log.Warn().Err(err).Str("topic", topic).Msg("unreadable device document")
		return
	}

	h.registry.Observe(obj)
	h.publishSnapshot()
}

func (h *Host) publishSnapshot() {
	snap := h.registry.Snapshot()

	doc := map[string]any{
		"devices": snap.Devices,
		"locks":   snap.Locks,
		"ts":      envelope.NowISO(),
		"plugins": h.pluginNames(),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		h.log.Error().Err(err).Msg("snapshot marshal failed")
		return
	}

	if err := h.transport.Publish(envelope.RegistrySnapshot(), 1, true, raw); err != nil {
		h.log.Warn().Err(err).Msg("snapshot publish failed")
	}
}

func (h *Host) pluginNames() []string {
	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
