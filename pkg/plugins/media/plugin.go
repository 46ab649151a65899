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

// Package media implements the orchestrator-side media plugin: command
// passthrough to device media modules, exclusive-use reservations, and
// scheduled command fan-out.
package media

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/module"
	"github.com/lablink-io/lablink/pkg/orchestrator"
	"github.com/lablink-io/lablink/pkg/registry"
	"github.com/lablink-io/lablink/pkg/scheduler"
	"github.com/lablink-io/lablink/pkg/transport"
)

// PluginName is the catalog and topic name of this plugin.
const PluginName = "media"

// defaultLeaseSeconds applies when a reserve request carries no lease_s.
const defaultLeaseSeconds = 60

// passthrough enumerates actions forwarded to the device media module.
var passthrough = map[string]struct{}{
	"start":        {},
	"stop":         {},
	"set_input":    {},
	"record_start": {},
	"record_stop":  {},
}

// Plugin handles /lab/orchestrator/media/cmd traffic.
type Plugin struct {
	transport transport.Client
	registry  *registry.Registry
	sched     *scheduler.Scheduler
	log       logger.Logger
	validator *envelope.Validator

	leaseDefault time.Duration
}

// NewFactory returns the catalog factory for the media plugin. The default
// reservation lease is taken from the plugin settings key `default_lease_s`
// when present.
func NewFactory() orchestrator.PluginFactory {
	return func(ctx *orchestrator.Context) (orchestrator.Plugin, error) {
		p := &Plugin{
			transport:    ctx.Transport,
			registry:     ctx.Registry,
			sched:        ctx.Scheduler,
			log:          ctx.Log.WithComponent("plugin.media"),
			validator:    &envelope.Validator{ParamsLimit: ctx.ParamsLimit},
			leaseDefault: defaultLeaseSeconds * time.Second,
		}

		if v, ok := module.Float64(ctx.Settings["default_lease_s"]); ok && v > 0 {
			p.leaseDefault = time.Duration(v * float64(time.Second))
		}

		return p, nil
	}
}

func (p *Plugin) Name() string { return PluginName }

// TopicFilters lists the subscriptions the host makes on the plugin's
// behalf.
func (p *Plugin) TopicFilters() []string {
	return []string{envelope.OrchestratorCmd(PluginName)}
}

// HandleMessage dispatches one inbound command envelope.
func (p *Plugin) HandleMessage(_ string, payload []byte) {
	obj, err := envelope.ParseObject(payload)
	if err != nil {
		code := envelope.CodeBadRequest
		if errors.Is(err, envelope.ErrBadJSON) {
			code = envelope.CodeBadJSON
		}

		p.ack(envelope.NewAck("?", false, "?", "", code, err.Error(), nil))

		return
	}

	env, err := p.validator.Validate(obj)
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

		p.ack(envelope.NewAck(reqID, false, action, actor, envelope.CodeBadRequest, err.Error(), nil))

		return
	}

	if _, ok := passthrough[env.Action]; ok {
		p.forward(env, obj)
		return
	}

	switch env.Action {
	case "reserve":
		p.reserve(env)
	case "release":
		p.release(env)
	case "schedule":
		p.schedule(env)
	default:
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadAction, "unsupported action: "+env.Action, nil))
	}
}

func (p *Plugin) ack(a *envelope.Ack) {
	raw, err := a.Encode()
	if err != nil {
		p.log.Error().Err(err).Msg("ack marshal failed")
		return
	}

	if err := p.transport.Publish(envelope.OrchestratorEvt(PluginName), 1, false, raw); err != nil {
		p.log.Warn().Err(err).Msg("ack publish failed")
	}
}

func (p *Plugin) deviceID(env *envelope.Envelope) (string, bool) {
	id, _ := env.Params["device_id"].(string)
	if id == "" {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "missing device_id", nil))
		return "", false
	}

	return id, true
}

// forward republishes the normalized command object to the device media
// module topic and acks DISPATCHED. The device's own ack follows on the
// module evt topic under the same req_id.
func (p *Plugin) forward(env *envelope.Envelope, obj map[string]any) {
	deviceID, ok := p.deviceID(env)
	if !ok {
		return
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeException, err.Error(), nil))
		return
	}

	if err := p.transport.Publish(envelope.ModuleCmd(deviceID, PluginName), 1, false, raw); err != nil {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeError, err.Error(), nil))
		return
	}

	p.ack(envelope.NewAck(env.ReqID, true, env.Action, env.Actor, envelope.CodeDispatched, "", map[string]any{
		"dispatched": true,
		"device_id":  deviceID,
	}))
}

func (p *Plugin) leaseFor(env *envelope.Envelope) time.Duration {
	if v, ok := module.Float64(env.Params["lease_s"]); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}

	return p.leaseDefault
}

func (p *Plugin) reserve(env *envelope.Envelope) {
	deviceID, ok := p.deviceID(env)
	if !ok {
		return
	}

	if env.Actor == "" {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "missing actor", nil))
		return
	}

	key := registry.LeaseKey(PluginName, deviceID)
	ttl := p.leaseFor(env)

	if !p.registry.Lock(key, env.Actor, ttl) {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeInUse, "in_use", map[string]any{"key": key}))
		return
	}

	p.ack(envelope.NewAck(env.ReqID, true, env.Action, env.Actor, envelope.CodeOK, "", map[string]any{
		"key":     key,
		"lease_s": ttl.Seconds(),
	}))
}

func (p *Plugin) release(env *envelope.Envelope) {
	deviceID, ok := p.deviceID(env)
	if !ok {
		return
	}

	if env.Actor == "" {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "missing actor", nil))
		return
	}

	key := registry.LeaseKey(PluginName, deviceID)

	if !p.registry.Release(key, env.Actor) {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeNotOwner, "not_owner", map[string]any{"key": key}))
		return
	}

	p.ack(envelope.NewAck(env.ReqID, true, env.Action, env.Actor, envelope.CodeOK, "", map[string]any{"key": key}))
}

// scheduledCommand is one fan-out entry of a schedule request.
type scheduledCommand struct {
	deviceID string
	action   string
	params   map[string]any
}

func (p *Plugin) schedule(env *envelope.Envelope) {
	rawCommands, _ := env.Params["commands"].([]any)
	if len(rawCommands) == 0 {
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "missing commands", nil))
		return
	}

	commands := make([]scheduledCommand, 0, len(rawCommands))

	for _, raw := range rawCommands {
		entry, ok := raw.(map[string]any)
		if !ok {
			p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "bad command entry", nil))
			return
		}

		cmd := scheduledCommand{}
		cmd.deviceID, _ = entry["device_id"].(string)
		cmd.action, _ = entry["action"].(string)
		cmd.params, _ = entry["params"].(map[string]any)

		if cmd.deviceID == "" || cmd.action == "" {
			p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "command needs device_id and action", nil))
			return
		}

		commands = append(commands, cmd)
	}

	actor := env.Actor
	fire := func() { p.fanOut(actor, commands) }

	details := map[string]any{"commands": len(commands)}

	atRaw, hasAt := env.Params["at"].(string)
	cronExpr, hasCron := env.Params["cron"].(string)

	switch {
	case hasAt && atRaw != "":
		at, err := time.Parse(time.RFC3339, atRaw)
		if err != nil {
			p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "bad at: "+err.Error(), nil))
			return
		}

		p.sched.Once(at, fire)
		details["at"] = atRaw
	case hasCron && cronExpr != "":
		if err := p.sched.Cron(cronExpr, fire); err != nil {
			p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "bad cron: "+err.Error(), nil))
			return
		}

		details["cron"] = cronExpr
	default:
		p.ack(envelope.NewAck(env.ReqID, false, env.Action, env.Actor, envelope.CodeBadRequest, "missing at or cron", nil))
		return
	}

	p.ack(envelope.NewAck(env.ReqID, true, env.Action, env.Actor, envelope.CodeScheduled, "", details))
}

// fanOut dispatches scheduled commands at fire time. Each command is gated
// against the lease table as of now: a device reserved by someone else is
// skipped silently.
func (p *Plugin) fanOut(actor string, commands []scheduledCommand) {
	for _, cmd := range commands {
		key := registry.LeaseKey(PluginName, cmd.deviceID)

		if !p.registry.CanUse(key, actor) {
			p.log.Debug().Str("device_id", cmd.deviceID).Str("actor", actor).Msg("scheduled command skipped, device reserved")
			continue
		}

		params := make(map[string]any, len(cmd.params)+1)
		for k, v := range cmd.params {
			params[k] = v
		}
		params["device_id"] = cmd.deviceID

		out := envelope.New("orchestrator", cmd.action, params)

		raw, err := out.Encode()
		if err != nil {
			p.log.Error().Err(err).Str("device_id", cmd.deviceID).Msg("scheduled command marshal failed")
			continue
		}

		if err := p.transport.Publish(envelope.ModuleCmd(cmd.deviceID, PluginName), 1, false, raw); err != nil {
			p.log.Warn().Err(err).Str("device_id", cmd.deviceID).Msg("scheduled command publish failed")
		}
	}
}
