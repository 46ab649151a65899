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

// Package media implements the process-lifecycle device module: it drives a
// viewer process and a recorder process from configured command templates,
// one of each at most.
package media

import (
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/module"
)

// ModuleName is the catalog name of this module.
const ModuleName = "media"

// Config keys.
const (
	cfgStartTemplate  = "start_cmd_template"
	cfgRecordTemplate = "record_start_cmd_template"
	cfgSetInputRstart = "set_input_restart"
	cfgEnv            = "env"
	cfgGraceSeconds   = "grace_s"
)

const defaultGrace = 2 * time.Second

// Module holds at most one viewer and one recorder process group.
type Module struct {
	module.Base

	runner Runner
	log    logger.Logger

	mu        sync.Mutex
	viewerPID int
	recPID    int
}

// NewFactory returns a catalog factory binding the given runner.
func NewFactory(runner Runner, log logger.Logger) module.Factory {
	return func(deviceID string, cfg map[string]any) (module.Module, error) {
		return &Module{
			Base:   module.NewBase(deviceID, cfg),
			runner: runner,
			log:    log.WithComponent("media"),
		}, nil
	}
}

func (m *Module) Name() string { return ModuleName }

// OnAgentConnect logs the session environment the runner will receive.
// The environment is handed to the runner per spawn, never exported
// process-wide.
func (m *Module) OnAgentConnect() error {
	env := m.extraEnv()

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	m.log.Info().Strs("env_keys", keys).Msg("agent connected")

	return nil
}

// HandleCommand executes one action. Unknown actions report failure, never
// panic.
func (m *Module) HandleCommand(action string, params map[string]any) module.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch action {
	case "start":
		return m.start(params)
	case "stop":
		return m.stop()
	case "set_input":
		return m.setInput(params)
	case "record_start":
		return m.recordStart(params)
	case "record_stop":
		return m.recordStop()
	default:
		return module.UnknownAction(action)
	}
}

func (m *Module) start(params map[string]any) module.Result {
	source, _ := params["source"].(string)
	if source == "" {
		return module.Failure("missing source")
	}

	if m.viewerPID != 0 {
		m.killGroup(m.viewerPID, syscall.SIGTERM)
		m.viewerPID = 0
	}

	pid, res := m.spawnViewer(source)
	if !res.OK {
		return res
	}

	m.viewerPID = pid
	m.SetState("running")
	m.SetFields(map[string]any{"input": source, "pid": pid})
	m.log.Info().Int("pid", pid).Str("input", source).Msg("viewer started")

	return module.Success(map[string]any{"pid": pid, "input": source})
}

func (m *Module) stop() module.Result {
	if m.viewerPID != 0 {
		m.killGroup(m.viewerPID, syscall.SIGTERM)
		m.viewerPID = 0
	}

	m.SetState("idle")
	m.SetFields(map[string]any{"input": nil, "pid": nil})
	m.log.Info().Msg("viewer stopped")

	return module.Success(nil)
}

func (m *Module) setInput(params map[string]any) module.Result {
	source, _ := params["source"].(string)
	if source == "" {
		return module.Failure("missing source")
	}

	m.SetFields(map[string]any{"input": source})

	restart := true
	if v, ok := m.ConfigValue(cfgSetInputRstart); ok {
		if b, ok := v.(bool); ok {
			restart = b
		}
	}

	if !restart {
		return module.Success(map[string]any{"input": source, "pid": m.viewerPID})
	}

	if m.viewerPID != 0 {
		m.killGroup(m.viewerPID, syscall.SIGTERM)
		m.viewerPID = 0
	}

	pid, res := m.spawnViewer(source)
	if !res.OK {
		return res
	}

	m.viewerPID = pid
	m.SetState("running")
	m.SetFields(map[string]any{"pid": pid})
	m.log.Info().Int("pid", pid).Str("input", source).Msg("viewer input switched")

	return module.Success(map[string]any{"input": source, "pid": pid})
}

func (m *Module) recordStart(params map[string]any) module.Result {
	source, _ := params["source"].(string)
	if source == "" {
		if current, ok := m.Status().Fields["input"].(string); ok {
			source = current
		}
	}

	if source == "" {
		return module.Failure("no source to record")
	}

	// Idempotent: an active recorder is success, not a duplicate spawn.
	if m.recPID != 0 {
		return module.Success(map[string]any{"recording": true, "record_pid": m.recPID})
	}

	template := m.ConfigString(cfgRecordTemplate)
	if template == "" {
		return module.Failure("record_start_cmd_template not set")
	}

	pid, err := m.runner.Start(splitCommand(m.render(template, source)), m.extraEnv())
	if err != nil {
		return module.Failure("spawn recorder: " + err.Error())
	}

	m.recPID = pid
	m.SetFields(map[string]any{"recording": true, "record_pid": pid})
	m.log.Info().Int("pid", pid).Msg("recorder started")

	return module.Success(map[string]any{"recording": true, "record_pid": pid})
}

func (m *Module) recordStop() module.Result {
	if m.recPID != 0 {
		m.killGroup(m.recPID, syscall.SIGINT)
		m.recPID = 0
	}

	m.SetFields(map[string]any{"recording": false, "record_pid": nil})
	m.log.Info().Msg("recorder stopped")

	return module.Success(map[string]any{"recording": false})
}

// Shutdown stops the recorder first, then the viewer, and resets state.
func (m *Module) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recPID != 0 {
		m.killGroup(m.recPID, syscall.SIGINT)
		m.recPID = 0
	}

	if m.viewerPID != 0 {
		m.killGroup(m.viewerPID, syscall.SIGTERM)
		m.viewerPID = 0
	}

	m.SetState("idle")
	m.SetFields(map[string]any{"input": nil, "pid": nil, "recording": false, "record_pid": nil})

	return nil
}

func (m *Module) spawnViewer(source string) (int, module.Result) {
	template := m.ConfigString(cfgStartTemplate)
	if template == "" {
		return 0, module.Failure("start_cmd_template not set")
	}

	pid, err := m.runner.Start(splitCommand(m.render(template, source)), m.extraEnv())
	if err != nil {
		return 0, module.Failure("spawn viewer: " + err.Error())
	}

	return pid, module.Result{OK: true}
}

func (m *Module) render(template, source string) string {
	out := strings.ReplaceAll(template, "{source}", source)
	return strings.ReplaceAll(out, "{device_id}", m.DeviceID())
}

func (m *Module) extraEnv() map[string]string {
	env := map[string]string{}

	if raw, ok := m.ConfigValue(cfgEnv); ok {
		if typed, ok := raw.(map[string]any); ok {
			for k, v := range typed {
				if s, ok := v.(string); ok {
					env[k] = s
				}
			}
		}
	}

	return env
}

func (m *Module) grace() time.Duration {
	if v, ok := m.ConfigValue(cfgGraceSeconds); ok {
		if seconds, ok := module.Float64(v); ok && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}

	return defaultGrace
}

// killGroup signals the process group, polls for exit up to the grace
// window, then force-kills whatever is still alive.
func (m *Module) killGroup(pid int, sig syscall.Signal) {
	if err := m.runner.SignalGroup(pid, sig); err != nil {
		return
	}

	deadline := time.Now().Add(m.grace())

	for time.Now().Before(deadline) {
		if !m.runner.Alive(pid) {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	if m.runner.Alive(pid) {
		m.log.Warn().Int("pid", pid).Msg("process group survived grace window, killing")
		_ = m.runner.SignalGroup(pid, syscall.SIGKILL)
	}
}
