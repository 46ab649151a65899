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

// Package agent implements the device-side dispatcher: it owns the device's
// module set, routes device- and module-scoped command envelopes, maintains
// the retained meta/status documents, and runs the liveness heartbeat.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/module"
	"github.com/lablink-io/lablink/pkg/transport"
	"github.com/lablink-io/lablink/pkg/version"
)

// Agent is the device dispatcher. Inbound messages arrive via transport
// callbacks; the heartbeat runs as an independent goroutine sharing only
// the device identity with command handling.
type Agent struct {
	cfg       *Config
	catalog   *module.Catalog
	transport transport.Client
	log       logger.Logger
	validator *envelope.Validator

	mu      sync.Mutex
	modules map[string]module.Module
	labels  []string

	hbStop   chan struct{}
	hbDone   chan struct{}
	stopOnce sync.Once
}

// New builds an agent and instantiates the modules named in the config.
// Module names missing from the catalog are logged and skipped.
func New(cfg *Config, catalog *module.Catalog, tr transport.Client, log logger.Logger) *Agent {
	a := &Agent{
		cfg:       cfg,
		catalog:   catalog,
		transport: tr,
		log:       log.WithComponent("agent"),
		validator: &envelope.Validator{ParamsLimit: cfg.ParamsLimit},
		modules:   make(map[string]module.Module),
		labels:    append([]string(nil), cfg.Labels...),
		hbStop:    make(chan struct{}),
		hbDone:    make(chan struct{}),
	}

	for name, mcfg := range cfg.Modules {
		mod, err := catalog.New(name, cfg.DeviceID, mcfg)
		if err != nil {
			a.log.Warn().Err(err).Str("module", name).Msg("skipping unknown module in config")
			continue
		}

		a.modules[name] = mod
	}

	return a
}

// OfflinePayload is the retained status the broker publishes as the
// device's last will, and the final status published on shutdown.
func OfflinePayload(deviceID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"online":    false,
		"ts":        envelope.NowISO(),
		"device_id": deviceID,
	})

	return raw
}

// Start publishes the birth documents, subscribes command topics, and
// starts the heartbeat. The transport's connect callback is registered for
// subsequent reconnects.
func (a *Agent) Start() error {
	a.transport.OnConnect(a.handleConnect)

	a.publishMeta()
	a.publishDeviceStatus(true)

	if err := a.transport.Subscribe(envelope.DeviceCmd(a.cfg.DeviceID), 1, a.handleDeviceMessage); err != nil {
		return fmt.Errorf("subscribe device commands: %w", err)
	}

	a.mu.Lock()
	names := make([]string, 0, len(a.modules))
	for name := range a.modules {
		names = append(names, name)
	}
	a.mu.Unlock()

	for _, name := range names {
		if err := a.subscribeModuleTopics(name); err != nil {
			return err
		}

		a.publishModuleStatusByName(name)
	}

	go a.heartbeatLoop()

	a.log.Info().Str("device_id", a.cfg.DeviceID).Strs("modules", names).Msg("agent started")

	return nil
}

// Stop halts the heartbeat, publishes a final offline status best-effort,
// and closes the transport. Failures are logged and swallowed: the process
// is terminating regardless. Safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.hbStop)

		select {
		case <-a.hbDone:
		case <-time.After(time.Second):
		}

		if err := a.transport.Publish(envelope.DeviceStatus(a.cfg.DeviceID), 1, true, OfflinePayload(a.cfg.DeviceID)); err != nil {
			a.log.Warn().Err(err).Msg("offline status publish failed during shutdown")
		}

		a.transport.Close()
		a.log.Info().Msg("agent stopped")
	})
}

func (a *Agent) heartbeatLoop() {
	defer close(a.hbDone)

	interval := time.Duration(a.cfg.HeartbeatSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.hbStop:
			return
		case <-ticker.C:
			a.publishDeviceStatus(true)
		}
	}
}

// handleConnect runs after every transport (re)connection: per-module
// connect hooks with failures isolated, then a status republish for every
// module.
func (a *Agent) handleConnect() {
	a.mu.Lock()
	mods := make(map[string]module.Module, len(a.modules))
	for name, mod := range a.modules {
		mods[name] = mod
	}
	a.mu.Unlock()

	for name, mod := range mods {
		if notifier, ok := mod.(module.ConnectNotifier); ok {
			if err := notifier.OnAgentConnect(); err != nil {
				a.log.Warn().Err(err).Str("module", name).Msg("connect hook failed")
			}
		}

		a.publishModuleStatus(name, mod.Status())
	}
}

func (a *Agent) subscribeModuleTopics(name string) error {
	if err := a.transport.Subscribe(envelope.ModuleCmd(a.cfg.DeviceID, name), 1, a.moduleCmdHandler(name)); err != nil {
		return fmt.Errorf("subscribe module %s commands: %w", name, err)
	}

	if err := a.transport.Subscribe(envelope.ModuleCfg(a.cfg.DeviceID, name), 1, a.moduleCfgHandler(name)); err != nil {
		return fmt.Errorf("subscribe module %s config: %w", name, err)
	}

	return nil
}

func (a *Agent) unsubscribeModuleTopics(name string) error {
	return a.transport.Unsubscribe(
		envelope.ModuleCmd(a.cfg.DeviceID, name),
		envelope.ModuleCfg(a.cfg.DeviceID, name),
	)
}

// --- publishing ---

func (a *Agent) publish(topic string, payload any, retained bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		a.log.Error().Err(err).Str("topic", topic).Msg("marshal failed")
		return
	}

	if err := a.transport.Publish(topic, 1, retained, raw); err != nil {
		a.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
	}
}

func (a *Agent) publishMeta() {
	a.mu.Lock()

	names := make([]string, 0, len(a.modules))
	capabilities := make(map[string]any, len(a.modules))

	for name, mod := range a.modules {
		names = append(names, name)

		if reporter, ok := mod.(module.ConfigReporter); ok {
			capabilities[name] = reporter.ConfigCopy()
		}
	}

	labels := append([]string(nil), a.labels...)
	a.mu.Unlock()

	sort.Strings(names)

	meta := map[string]any{
		"device_id":    a.cfg.DeviceID,
		"modules":      names,
		"capabilities": capabilities,
		"labels":       labels,
		"version":      version.Version,
		"ts":           envelope.NowISO(),
	}

	if info := hostInfo(); info != nil {
		meta["host"] = info
	}

	a.publish(envelope.DeviceMeta(a.cfg.DeviceID), meta, true)
}

func (a *Agent) publishDeviceStatus(online bool) {
	a.publish(envelope.DeviceStatus(a.cfg.DeviceID), map[string]any{
		"online":    online,
		"ts":        envelope.NowISO(),
		"device_id": a.cfg.DeviceID,
	}, true)
}

func (a *Agent) publishModuleStatus(name string, st module.Status) {
	a.publish(envelope.ModuleStatus(a.cfg.DeviceID, name), st, true)
}

func (a *Agent) publishModuleStatusByName(name string) {
	a.mu.Lock()
	mod, ok := a.modules[name]
	a.mu.Unlock()

	if ok {
		a.publishModuleStatus(name, mod.Status())
	}
}

func (a *Agent) publishAck(evtTopic string, ack *envelope.Ack) {
	a.publish(evtTopic, ack, false)
}

// --- device-level commands ---

func (a *Agent) handleDeviceMessage(_ string, payload []byte) {
	evtTopic := envelope.DeviceEvt(a.cfg.DeviceID)

	env, ok := a.decode(evtTopic, payload)
	if !ok {
		return
	}

	defer a.recoverToAck(evtTopic, env)

	result := a.handleDeviceCmd(env.Action, env.Params)

	code := envelope.CodeOK
	if !result.OK {
		code = envelope.CodeDeviceError
	}

	a.publishAck(evtTopic, envelope.NewAck(env.ReqID, result.OK, env.Action, env.Actor, code, result.Err, result.Details))
}

// decode parses and validates an inbound command, acking failures. The
// returned bool reports whether dispatch should proceed.
func (a *Agent) decode(evtTopic string, payload []byte) (*envelope.Envelope, bool) {
	obj, err := envelope.ParseObject(payload)
	if err != nil {
		code := envelope.CodeBadRequest
		if errors.Is(err, envelope.ErrBadJSON) {
			code = envelope.CodeBadJSON
		}

		a.publishAck(evtTopic, envelope.NewAck("?", false, "?", "", code, err.Error(), nil))

		return nil, false
	}

	env, err := a.validator.Validate(obj)
	if err != nil {
		reqID, _ := obj["req_id"].(string)
		if reqID == "" {
			reqID = "?"
		}

		action, _ := obj["action"].(string)
		if action == "" {
			action = "?"
		}

		actor, _ := obj["actor"].(string)

		a.publishAck(evtTopic, envelope.NewAck(reqID, false, action, actor, envelope.CodeBadRequest, err.Error(), nil))

		return nil, false
	}

	return env, true
}

func (a *Agent) recoverToAck(evtTopic string, env *envelope.Envelope) {
	if r := recover(); r != nil {
		a.log.Error().Str("action", env.Action).Interface("panic", r).Msg("handler panicked")
		a.publishAck(evtTopic, envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeException, fmt.Sprint(r), nil))
	}
}

func (a *Agent) handleDeviceCmd(action string, params map[string]any) module.Result {
	switch action {
	case "ping":
		return module.Success(map[string]any{
			"device_id": a.cfg.DeviceID,
			"ts":        envelope.NowISO(),
		})
	case "set_labels":
		return a.setLabels(params)
	case "add_module":
		return a.addModule(params)
	case "remove_module":
		return a.removeModule(params)
	default:
		return module.UnknownAction(action)
	}
}

func (a *Agent) setLabels(params map[string]any) module.Result {
	raw, ok := params["labels"].([]any)
	if !ok {
		return module.Failure("labels must be a list")
	}

	labels := make([]string, 0, len(raw))

	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return module.Failure("labels must be a list of strings")
		}

		labels = append(labels, s)
	}

	a.mu.Lock()
	a.labels = labels
	a.mu.Unlock()

	a.publishMeta()

	return module.Success(map[string]any{"labels": labels})
}

func (a *Agent) addModule(params map[string]any) module.Result {
	name, _ := params["name"].(string)
	if name == "" {
		return module.Failure("missing module name")
	}

	mcfg, _ := params["cfg"].(map[string]any)

	a.mu.Lock()
	existing, present := a.modules[name]
	a.mu.Unlock()

	if present {
		if err := existing.ApplyConfig(mcfg); err != nil {
			return module.Failure("apply config: " + err.Error())
		}

		a.publishModuleStatus(name, existing.Status())
		a.publishMeta()

		return module.Success(map[string]any{"updated": true})
	}

	if !a.catalog.Has(name) {
		return module.Failure("unknown module: " + name)
	}

	mod, err := a.catalog.New(name, a.cfg.DeviceID, mcfg)
	if err != nil {
		return module.Failure("create module: " + err.Error())
	}

	a.mu.Lock()
	a.modules[name] = mod
	a.mu.Unlock()

	if err := a.subscribeModuleTopics(name); err != nil {
		a.log.Warn().Err(err).Str("module", name).Msg("module topic subscribe failed")
	}

	a.publishModuleStatus(name, mod.Status())
	a.publishMeta()

	return module.Success(map[string]any{"added": name})
}

func (a *Agent) removeModule(params map[string]any) module.Result {
	name, _ := params["name"].(string)

	a.mu.Lock()
	mod, present := a.modules[name]

	if present {
		delete(a.modules, name)
	}
	a.mu.Unlock()

	if name == "" || !present {
		return module.Failure("module not found")
	}

	if err := a.unsubscribeModuleTopics(name); err != nil {
		a.log.Warn().Err(err).Str("module", name).Msg("module topic unsubscribe failed")
	}

	if err := mod.Shutdown(); err != nil {
		a.log.Warn().Err(err).Str("module", name).Msg("module shutdown failed")
	}

	a.publishMeta()

	return module.Success(map[string]any{"removed": name})
}

// --- module-level commands and config ---

func (a *Agent) moduleCmdHandler(name string) transport.Handler {
	return func(_ string, payload []byte) {
		evtTopic := envelope.ModuleEvt(a.cfg.DeviceID, name)

		env, ok := a.decode(evtTopic, payload)
		if !ok {
			return
		}

		a.mu.Lock()
		mod, present := a.modules[name]
		a.mu.Unlock()

		if !present {
			a.publishAck(evtTopic, envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeModuleError, "module not found", nil))
			return
		}

		defer a.recoverToAck(evtTopic, env)

		result := mod.HandleCommand(env.Action, env.Params)

		// Status is republished on success and failure alike.
		a.publishModuleStatus(name, mod.Status())

		code := envelope.CodeOK
		if !result.OK {
			code = envelope.CodeModuleError
		}

		a.publishAck(evtTopic, envelope.NewAck(env.ReqID, result.OK, env.Action, env.Actor, code, result.Err, result.Details))
	}
}

func (a *Agent) moduleCfgHandler(name string) transport.Handler {
	return func(_ string, payload []byte) {
		evtTopic := envelope.ModuleEvt(a.cfg.DeviceID, name)

		obj, err := envelope.ParseObject(payload)
		if err != nil {
			if errors.Is(err, envelope.ErrBadJSON) {
				a.publishAck(evtTopic, envelope.NewAck("?", false, "cfg", "", envelope.CodeBadJSON, err.Error(), nil))
			} else {
				a.publishAck(evtTopic, envelope.NewAck("?", false, "cfg", "", envelope.CodeBadRequest, "cfg_not_object", nil))
			}

			return
		}

		reqID, _ := obj["req_id"].(string)
		if reqID == "" {
			reqID = "?"
		}

		if raw, err := json.Marshal(obj); err == nil && len(raw) > a.validator.Limit() {
			a.publishAck(evtTopic, envelope.NewAck(reqID, false, "cfg", "", envelope.CodeBadRequest, "cfg_too_large", nil))
			return
		}

		a.mu.Lock()
		mod, present := a.modules[name]
		a.mu.Unlock()

		if !present {
			a.publishAck(evtTopic, envelope.NewAck(reqID, false, "cfg", "", envelope.CodeModuleError, "module not found", nil))
			return
		}

		// The correlation id is transport plumbing, not configuration.
		delete(obj, "req_id")

		if err := mod.ApplyConfig(obj); err != nil {
			a.publishAck(evtTopic, envelope.NewAck(reqID, false, "cfg", "", envelope.CodeException, err.Error(), nil))
			return
		}

		a.publishModuleStatus(name, mod.Status())
		a.publishAck(evtTopic, envelope.NewAck(reqID, true, "cfg", "", envelope.CodeOK, "", nil))
	}
}
