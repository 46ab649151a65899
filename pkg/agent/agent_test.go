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

package agent

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/module"
	"github.com/lablink-io/lablink/pkg/transport"
)

// stubModule reacts deterministically per action: "ok" succeeds, "fail"
// reports failure, "explode" panics.
type stubModule struct {
	module.Base

	shutdowns atomic.Int32
	connects  atomic.Int32
}

func (s *stubModule) Name() string { return "stub" }

func (s *stubModule) HandleCommand(action string, params map[string]any) module.Result {
	switch action {
	case "ok":
		return module.Success(map[string]any{"echo": params["echo"]})
	case "fail":
		return module.Failure("stub failure")
	case "explode":
		panic("stub exploded")
	default:
		return module.UnknownAction(action)
	}
}

func (s *stubModule) Shutdown() error {
	s.shutdowns.Add(1)
	return nil
}

func (s *stubModule) OnAgentConnect() error {
	s.connects.Add(1)
	return nil
}

func newTestAgent(t *testing.T, modules map[string]map[string]any) (*Agent, *transport.MemBroker, map[string]*stubModule) {
	t.Helper()

	instances := map[string]*stubModule{}

	catalog := module.NewCatalog()
	catalog.Register("stub", func(deviceID string, cfg map[string]any) (module.Module, error) {
		m := &stubModule{Base: module.NewBase(deviceID, cfg)}
		instances["stub"] = m

		return m, nil
	})

	cfg := &Config{
		DeviceID:         "d1",
		Labels:           []string{"lab-a"},
		HeartbeatSeconds: 1,
		Modules:          modules,
	}
	cfg.SetDefaults()

	broker := transport.NewMemBroker()
	a := New(cfg, catalog, broker, logger.NewTestLogger())
	require.NoError(t, a.Start())
	broker.ClearPublished()

	return a, broker, instances
}

func send(t *testing.T, b *transport.MemBroker, topic string, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, b.Publish(topic, 1, false, raw))
}

func lastAck(t *testing.T, b *transport.MemBroker, topic string) map[string]any {
	t.Helper()

	msg := b.LastPublished(topic)
	require.NotNil(t, msg, "expected an ack on %s", topic)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &ack))

	return ack
}

func TestPing(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{"req_id": "r1", "action": "ping", "actor": "app"})

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, "r1", ack["req_id"])
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "OK", ack["code"])

	details := ack["details"].(map[string]any)
	assert.Equal(t, "d1", details["device_id"])
	assert.NotEmpty(t, details["ts"])
}

func TestBadJSONAck(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	require.NoError(t, broker.Publish(envelope.DeviceCmd("d1"), 1, false, []byte(`{"action":`)))

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "BAD_JSON", ack["code"])
	assert.Equal(t, "?", ack["req_id"])
}

func TestValidationFailureNeverReachesHandler(t *testing.T) {
	a, broker, instances := newTestAgent(t, map[string]map[string]any{"stub": nil})
	defer a.Stop()

	// Missing action.
	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{"req_id": "r1"})
	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Equal(t, "bad_request:missing_action", ack["error"])

	// Disallowed actor on a module command: handler must not run.
	send(t, broker, envelope.ModuleCmd("d1", "stub"), map[string]any{"action": "explode", "actor": "intruder"})
	ack = lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Contains(t, ack["error"], "actor_not_allowed")
	assert.NotNil(t, instances["stub"])
}

func TestUnknownDeviceAction(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{"action": "warp"})

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "DEVICE_ERROR", ack["code"])
	assert.Equal(t, "unknown action: warp", ack["error"])
}

func TestSetLabels(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "set_labels",
		"params": map[string]any{"labels": []any{"rig-7", "projector"}},
	})

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	require.Equal(t, true, ack["ok"])

	meta := broker.LastPublished(envelope.DeviceMeta("d1"))
	require.NotNil(t, meta, "set_labels republishes meta")
	require.True(t, meta.Retained)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(meta.Payload, &doc))
	assert.Equal(t, []any{"rig-7", "projector"}, doc["labels"])

	// Non-list labels rejected.
	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "set_labels",
		"params": map[string]any{"labels": "nope"},
	})
	ack = lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, "DEVICE_ERROR", ack["code"])
}

func TestAddRemoveModuleLifecycle(t *testing.T) {
	a, broker, instances := newTestAgent(t, nil)
	defer a.Stop()

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "add_module",
		"params": map[string]any{"name": "stub", "cfg": map[string]any{"k": "v"}},
	})

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	require.Equal(t, true, ack["ok"], "%v", ack)
	assert.Equal(t, "stub", ack["details"].(map[string]any)["added"])

	// Module is now routable and its status was published retained.
	require.NotNil(t, broker.Retained(envelope.ModuleStatus("d1", "stub")))

	send(t, broker, envelope.ModuleCmd("d1", "stub"), map[string]any{"action": "ok", "params": map[string]any{"echo": "hi"}})
	mack := lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, true, mack["ok"])

	// Re-adding reconfigures instead of replacing.
	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "add_module",
		"params": map[string]any{"name": "stub", "cfg": map[string]any{"k2": "v2"}},
	})
	ack = lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, true, ack["details"].(map[string]any)["updated"])
	assert.Equal(t, "v", instances["stub"].ConfigCopy()["k"])
	assert.Equal(t, "v2", instances["stub"].ConfigCopy()["k2"])

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "remove_module",
		"params": map[string]any{"name": "stub"},
	})
	ack = lastAck(t, broker, envelope.DeviceEvt("d1"))
	require.Equal(t, true, ack["ok"])
	assert.Equal(t, int32(1), instances["stub"].shutdowns.Load(), "shutdown hook invoked exactly once")

	// Module topics no longer routed.
	broker.ClearPublished()
	send(t, broker, envelope.ModuleCmd("d1", "stub"), map[string]any{"action": "ok"})
	assert.Nil(t, broker.LastPublished(envelope.ModuleEvt("d1", "stub")))

	// Removing again fails.
	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "remove_module",
		"params": map[string]any{"name": "stub"},
	})
	ack = lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, "DEVICE_ERROR", ack["code"])
	assert.Equal(t, "module not found", ack["error"])
}

func TestAddUnknownModule(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	send(t, broker, envelope.DeviceCmd("d1"), map[string]any{
		"action": "add_module",
		"params": map[string]any{"name": "ghost"},
	})

	ack := lastAck(t, broker, envelope.DeviceEvt("d1"))
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "unknown module: ghost", ack["error"])
}

func TestModuleCommandRepublishesStatusOnFailure(t *testing.T) {
	a, broker, _ := newTestAgent(t, map[string]map[string]any{"stub": nil})
	defer a.Stop()

	send(t, broker, envelope.ModuleCmd("d1", "stub"), map[string]any{"action": "fail"})

	ack := lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "MODULE_ERROR", ack["code"])
	assert.Equal(t, "stub failure", ack["error"])

	status := broker.LastPublished(envelope.ModuleStatus("d1", "stub"))
	require.NotNil(t, status, "status republished even on failure")
	assert.True(t, status.Retained)
}

func TestModulePanicBecomesExceptionAck(t *testing.T) {
	a, broker, _ := newTestAgent(t, map[string]map[string]any{"stub": nil})
	defer a.Stop()

	send(t, broker, envelope.ModuleCmd("d1", "stub"), map[string]any{"req_id": "r9", "action": "explode"})

	acks := broker.Published(envelope.ModuleEvt("d1", "stub"))
	require.Len(t, acks, 1, "exactly one ack per inbound command")

	var ack map[string]any
	require.NoError(t, json.Unmarshal(acks[0].Payload, &ack))
	assert.Equal(t, "EXCEPTION", ack["code"])
	assert.Equal(t, "r9", ack["req_id"])
	assert.Equal(t, "stub exploded", ack["error"])
}

func TestModuleConfigTopicDeepMerges(t *testing.T) {
	a, broker, instances := newTestAgent(t, map[string]map[string]any{
		"stub": {"env": map[string]any{"A": "1"}},
	})
	defer a.Stop()

	send(t, broker, envelope.ModuleCfg("d1", "stub"), map[string]any{
		"req_id": "c1",
		"env":    map[string]any{"B": "2"},
	})

	ack := lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "OK", ack["code"])
	assert.Equal(t, "cfg", ack["action"])
	assert.Equal(t, "c1", ack["req_id"])
	assert.Empty(t, ack["details"])

	cfg := instances["stub"].ConfigCopy()
	assert.Equal(t, map[string]any{"A": "1", "B": "2"}, cfg["env"])
	assert.NotContains(t, cfg, "req_id")

	status := broker.LastPublished(envelope.ModuleStatus("d1", "stub"))
	assert.NotNil(t, status, "config merge republishes status")
}

func TestModuleConfigTopicRejections(t *testing.T) {
	a, broker, _ := newTestAgent(t, map[string]map[string]any{"stub": nil})
	defer a.Stop()

	// Malformed JSON.
	require.NoError(t, broker.Publish(envelope.ModuleCfg("d1", "stub"), 1, false, []byte(`{`)))
	ack := lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, "BAD_JSON", ack["code"])

	// Valid JSON, not an object.
	require.NoError(t, broker.Publish(envelope.ModuleCfg("d1", "stub"), 1, false, []byte(`[1,2]`)))
	ack = lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Equal(t, "cfg_not_object", ack["error"])

	// Oversize config document.
	a.validator.ParamsLimit = 32
	send(t, broker, envelope.ModuleCfg("d1", "stub"), map[string]any{
		"req_id": "c2",
		"pad":    "0123456789012345678901234567890123456789",
	})
	ack = lastAck(t, broker, envelope.ModuleEvt("d1", "stub"))
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Equal(t, "cfg_too_large", ack["error"])
	assert.Equal(t, "c2", ack["req_id"])
}

func TestConnectHookAndStatusRepublish(t *testing.T) {
	a, broker, instances := newTestAgent(t, map[string]map[string]any{"stub": nil})
	defer a.Stop()

	broker.ClearPublished()
	broker.FireConnect()

	assert.Equal(t, int32(1), instances["stub"].connects.Load())
	assert.NotNil(t, broker.LastPublished(envelope.ModuleStatus("d1", "stub")))
}

func TestStartPublishesBirthDocuments(t *testing.T) {
	catalog := module.NewCatalog()
	cfg := &Config{DeviceID: "d2", HeartbeatSeconds: 1}
	cfg.SetDefaults()

	broker := transport.NewMemBroker()
	a := New(cfg, catalog, broker, logger.NewTestLogger())
	require.NoError(t, a.Start())

	meta := broker.Retained(envelope.DeviceMeta("d2"))
	require.NotNil(t, meta)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(meta, &doc))
	assert.Equal(t, "d2", doc["device_id"])
	assert.NotEmpty(t, doc["version"])

	var status map[string]any
	require.NoError(t, json.Unmarshal(broker.Retained(envelope.DeviceStatus("d2")), &status))
	assert.Equal(t, true, status["online"])

	a.Stop()

	require.NoError(t, json.Unmarshal(broker.Retained(envelope.DeviceStatus("d2")), &status))
	assert.Equal(t, false, status["online"], "stop publishes a final offline status")
}

func TestHeartbeatPublishesRetainedOnline(t *testing.T) {
	a, broker, _ := newTestAgent(t, nil)
	defer a.Stop()

	time.Sleep(1200 * time.Millisecond)

	statuses := broker.Published(envelope.DeviceStatus("d1"))
	require.NotEmpty(t, statuses, "heartbeat publishes while idle")

	var status map[string]any
	require.NoError(t, json.Unmarshal(statuses[len(statuses)-1].Payload, &status))
	assert.Equal(t, true, status["online"])
	assert.True(t, statuses[len(statuses)-1].Retained)
}

func TestStopIdempotent(t *testing.T) {
	a, _, _ := newTestAgent(t, nil)

	a.Stop()
	assert.NotPanics(t, func() { a.Stop() })
}

func TestOfflinePayload(t *testing.T) {
	var status map[string]any
	require.NoError(t, json.Unmarshal(OfflinePayload("d1"), &status))
	assert.Equal(t, false, status["online"])
	assert.Equal(t, "d1", status["device_id"])
	assert.NotEmpty(t, status["ts"])
}
