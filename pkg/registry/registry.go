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

// Package registry holds the orchestrator's in-memory view of the device
// fleet and the TTL-leased mutual-exclusion table gating shared resources.
// Leases expire lazily: an expired lease is treated as absent at check time
// and is never proactively purged.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Lease is a time-bounded exclusive claim on a resource key.
type Lease struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshot is a read-only point-in-time copy of the registry.
type Snapshot struct {
	Devices map[string]map[string]any `json:"devices"`
	Locks   map[string]Lease          `json:"locks"`
}

// LeaseKey builds the composite resource key for a module on a device.
func LeaseKey(module, deviceID string) string {
	return fmt.Sprintf("%s:%s", module, deviceID)
}

// Registry is safe for concurrent use. Check-then-set on a lease key is
// atomic with respect to every other operation.
type Registry struct {
	mu      sync.Mutex
	now     func() time.Time
	devices map[string]map[string]any
	leases  map[string]Lease
}

// New creates an empty registry using the wall clock.
func New() *Registry {
	return NewWithClock(time.Now)
}

// NewWithClock creates a registry with an injected clock, used by tests to
// drive lease expiry.
func NewWithClock(now func() time.Time) *Registry {
	return &Registry{
		now:     now,
		devices: make(map[string]map[string]any),
		leases:  make(map[string]Lease),
	}
}

// Observe merges an observed device meta or status payload into the record
// keyed by its device_id, creating the record if absent. Last writer wins
// per field. Payloads without a device_id are ignored.
func (r *Registry) Observe(payload map[string]any) {
	deviceID, _ := payload["device_id"].(string)
	if deviceID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.devices[deviceID]
	if !ok {
		record = make(map[string]any, len(payload))
		r.devices[deviceID] = record
	}

	for k, v := range payload {
		record[k] = v
	}
}

// Remove drops a device record. Reports whether it existed.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.devices[deviceID]
	delete(r.devices, deviceID)

	return ok
}

// Lock grants the lease on key to holder for ttl. Granted when no lease
// exists, the existing lease has expired, or the holder already owns it;
// re-acquisition by the owner refreshes the expiry.
func (r *Registry) Lock(key, holder string, ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if cur, ok := r.leases[key]; ok && cur.ExpiresAt.After(now) && cur.Holder != holder {
		return false
	}

	r.leases[key] = Lease{Holder: holder, ExpiresAt: now.Add(ttl)}

	return true
}

// Release drops the lease on key if an unexpired lease exists and holder
// owns it. Releasing a missing, expired, or foreign lease fails without
// side effects.
func (r *Registry) Release(key, holder string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.leases[key]
	if !ok || !cur.ExpiresAt.After(r.now()) || cur.Holder != holder {
		return false
	}

	delete(r.leases, key)

	return true
}

// CanUse reports whether actor may act on key right now, without mutating
// lease state.
func (r *Registry) CanUse(key, actor string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.leases[key]
	if !ok || !cur.ExpiresAt.After(r.now()) {
		return true
	}

	return cur.Holder == actor
}

// Snapshot copies the current devices and live leases. Expired leases are
// excluded; device records are copied one level deep so callers never hold
// registry-internal maps.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	devices := make(map[string]map[string]any, len(r.devices))

	for id, record := range r.devices {
		copied := make(map[string]any, len(record))
		for k, v := range record {
			copied[k] = v
		}

		devices[id] = copied
	}

	locks := make(map[string]Lease)

	for key, lease := range r.leases {
		if lease.ExpiresAt.After(now) {
			locks[key] = lease
		}
	}

	return Snapshot{Devices: devices, Locks: locks}
}
