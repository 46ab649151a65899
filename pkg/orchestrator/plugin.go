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

package orchestrator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/registry"
	"github.com/lablink-io/lablink/pkg/scheduler"
	"github.com/lablink-io/lablink/pkg/transport"
)

var errUnknownPlugin = errors.New("unknown plugin")

// Plugin handles command traffic on its own topic filters. The host routes
// inbound messages to the plugin whose filter matched.
type Plugin interface {
	Name() string
	TopicFilters() []string
	HandleMessage(topic string, payload []byte)
}

// Starter is an optional plugin hook invoked once after the host has
// subscribed the plugin's filters.
type Starter interface {
	Start() error
}

// Stopper is an optional plugin hook invoked during host shutdown.
type Stopper interface {
	Stop() error
}

// Context carries the host facilities a plugin builds against.
type Context struct {
	Transport transport.Client
	Registry  *registry.Registry
	Scheduler *scheduler.Scheduler
	Settings  map[string]any
	Log       logger.Logger

	// ParamsLimit is the envelope params ceiling plugins validate with.
	// Zero means the envelope default.
	ParamsLimit int
}

// PluginFactory builds a plugin from its host context.
type PluginFactory func(ctx *Context) (Plugin, error)

// PluginCatalog maps plugin names to factories.
type PluginCatalog struct {
	factories map[string]PluginFactory
}

// NewPluginCatalog creates an empty catalog.
func NewPluginCatalog() *PluginCatalog {
	return &PluginCatalog{factories: make(map[string]PluginFactory)}
}

// Register adds a factory under name, replacing any previous registration.
func (c *PluginCatalog) Register(name string, factory PluginFactory) {
	c.factories[name] = factory
}

// Has reports whether name is registered.
func (c *PluginCatalog) Has(name string) bool {
	_, ok := c.factories[name]
	return ok
}

// New instantiates the named plugin.
func (c *PluginCatalog) New(name string, ctx *Context) (Plugin, error) {
	factory, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownPlugin, name)
	}

	return factory(ctx)
}

// Names lists registered plugin names, sorted.
func (c *PluginCatalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
