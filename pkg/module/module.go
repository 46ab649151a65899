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

// Package module defines the capability contract device-side feature modules
// implement and the catalog the agent instantiates them from.
package module

import (
	"fmt"
	"sync"

	"github.com/lablink-io/lablink/pkg/envelope"
)

// Result is the outcome of one module command.
type Result struct {
	OK      bool
	Err     string
	Details map[string]any
}

// Success builds an OK result. Details may be nil.
func Success(details map[string]any) Result {
	if details == nil {
		details = map[string]any{}
	}

	return Result{OK: true, Details: details}
}

// Failure builds a failed result with an error message.
func Failure(msg string) Result {
	return Result{OK: false, Err: msg, Details: map[string]any{}}
}

// UnknownAction is the required response to an unrecognized action. Modules
// must never let an unhandled action crash the caller.
func UnknownAction(action string) Result {
	return Failure(fmt.Sprintf("unknown action: %s", action))
}

// Status is a module's point-in-time observable state.
type Status struct {
	State  string         `json:"state"`
	Online bool           `json:"online"`
	TS     string         `json:"ts"`
	Fields map[string]any `json:"fields"`
}

// Module is the capability interface every device-side feature implements.
// HandleCommand executes one action against the module's private state.
// ApplyConfig deep-merges a partial configuration. Status must be
// side-effect-free and safe at any time. Shutdown is invoked exactly once
// before the instance is discarded; its error is logged, never propagated.
type Module interface {
	Name() string
	HandleCommand(action string, params map[string]any) Result
	ApplyConfig(partial map[string]any) error
	Status() Status
	Shutdown() error
}

// ConnectNotifier is an optional capability: modules needing per-connection
// setup implement it and the agent probes for it on every transport
// (re)connection. The hook must not block indefinitely.
type ConnectNotifier interface {
	OnAgentConnect() error
}

// ConfigReporter is an optional capability the agent probes to include a
// module's configuration in the device meta capabilities document.
// Base implements it.
type ConfigReporter interface {
	ConfigCopy() map[string]any
}

// Base carries the state common to module implementations: a device
// identity, a guarded config, and the state/fields pair surfaced in status
// snapshots. Embed it and override what differs.
type Base struct {
	deviceID string

	mu     sync.Mutex
	cfg    map[string]any
	state  string
	fields map[string]any
}

// NewBase initializes common module state. State starts as "idle".
func NewBase(deviceID string, cfg map[string]any) Base {
	if cfg == nil {
		cfg = map[string]any{}
	}

	return Base{
		deviceID: deviceID,
		cfg:      cfg,
		state:    "idle",
		fields:   map[string]any{},
	}
}

func (b *Base) DeviceID() string { return b.deviceID }

// ApplyConfig deep-merges partial into the module configuration.
func (b *Base) ApplyConfig(partial map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	DeepMerge(b.cfg, partial)

	return nil
}

// ConfigString returns the string config value for key, or "".
func (b *Base) ConfigString(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, _ := b.cfg[key].(string)

	return s
}

// ConfigValue returns the raw config value for key.
func (b *Base) ConfigValue(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.cfg[key]

	return v, ok
}

// ConfigCopy returns a shallow copy of the configuration, used for the
// device meta capabilities document.
func (b *Base) ConfigCopy() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]any, len(b.cfg))
	for k, v := range b.cfg {
		out[k] = v
	}

	return out
}

func (b *Base) SetState(state string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = state
}

func (b *Base) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// SetFields merges the given observable fields into the status fields.
func (b *Base) SetFields(fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, v := range fields {
		b.fields[k] = v
	}
}

// Status returns the common status snapshot. Fields are copied so callers
// never alias module-internal state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	fields := make(map[string]any, len(b.fields))
	for k, v := range b.fields {
		fields[k] = v
	}

	return Status{
		State:  b.state,
		Online: true,
		TS:     envelope.NowISO(),
		Fields: fields,
	}
}
