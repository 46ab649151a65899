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

package module

import (
	"fmt"
	"sort"
)

var errUnknownModule = fmt.Errorf("unknown module")

// Factory creates a module instance bound to a device.
type Factory func(deviceID string, cfg map[string]any) (Module, error)

// Catalog maps module names to factories. The set of available capability
// implementations is enumerated at startup, not discovered at runtime.
type Catalog struct {
	factories map[string]Factory
}

// NewCatalog creates an empty module catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory for a module name.
func (c *Catalog) Register(name string, factory Factory) {
	c.factories[name] = factory
}

// Has reports whether name is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.factories[name]
	return ok
}

// New instantiates the named module for a device.
func (c *Catalog) New(name, deviceID string, cfg map[string]any) (Module, error) {
	f, ok := c.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownModule, name)
	}

	return f(deviceID, cfg)
}

// Names lists registered module names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
