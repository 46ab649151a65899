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

package media

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/orchestrator"
	"github.com/lablink-io/lablink/pkg/transport"
)

func newTestPlugin(t *testing.T) (*orchestrator.Host, *transport.MemBroker) {
	t.Helper()

	catalog := orchestrator.NewPluginCatalog()
	catalog.Register(PluginName, NewFactory())

	cfg := &orchestrator.Config{Plugins: map[string]map[string]any{PluginName: nil}}
	cfg.SetDefaults()

	broker := transport.NewMemBroker()
	h := orchestrator.New(cfg, catalog, broker, logger.NewTestLogger())
	require.NoError(t, h.Start())
	broker.ClearPublished()

	return h, broker
}

func sendCmd(t *testing.T, broker *transport.MemBroker, payload any) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, broker.Publish(envelope.OrchestratorCmd(PluginName), 1, false, raw))
}

func lastAck(t *testing.T, broker *transport.MemBroker) map[string]any {
	t.Helper()

	msg := broker.LastPublished(envelope.OrchestratorEvt(PluginName))
	require.NotNil(t, msg, "expected a plugin ack")

	var ack map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &ack))

	return ack
}

func TestPassthroughForwardsAndAcksDispatched(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"req_id": "r1",
		"actor":  "app",
		"action": "start",
		"params": map[string]any{"device_id": "d1", "source": "cam-2"},
	})

	forwarded := broker.LastPublished(envelope.ModuleCmd("d1", PluginName))
	require.NotNil(t, forwarded, "command forwarded to the device module topic")

	var cmd map[string]any
	require.NoError(t, json.Unmarshal(forwarded.Payload, &cmd))
	assert.Equal(t, "r1", cmd["req_id"], "req_id carried through for end-to-end correlation")
	assert.Equal(t, "start", cmd["action"])
	assert.Equal(t, "cam-2", cmd["params"].(map[string]any)["source"])

	ack := lastAck(t, broker)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "DISPATCHED", ack["code"])
	assert.Equal(t, "r1", ack["req_id"])
	assert.Equal(t, "d1", ack["details"].(map[string]any)["device_id"])
}

func TestPassthroughRequiresDeviceID(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{"actor": "app", "action": "stop"})

	ack := lastAck(t, broker)
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Equal(t, "missing device_id", ack["error"])
	assert.Nil(t, broker.LastPublished(envelope.ModuleCmd("", PluginName)))
}

func TestReserveAndContention(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1", "lease_s": 30},
	})

	ack := lastAck(t, broker)
	require.Equal(t, true, ack["ok"], "%v", ack)
	details := ack["details"].(map[string]any)
	assert.Equal(t, "media:d1", details["key"])
	assert.Equal(t, float64(30), details["lease_s"])

	// A different actor is refused while the lease is live.
	sendCmd(t, broker, map[string]any{
		"actor":  "user",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})

	ack = lastAck(t, broker)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "IN_USE", ack["code"])
	assert.Equal(t, "in_use", ack["error"])

	// The holder re-acquires fine.
	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})
	assert.Equal(t, true, lastAck(t, broker)["ok"])
}

func TestReleaseOwnership(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})
	require.Equal(t, true, lastAck(t, broker)["ok"])

	sendCmd(t, broker, map[string]any{
		"actor":  "user",
		"action": "release",
		"params": map[string]any{"device_id": "d1"},
	})

	ack := lastAck(t, broker)
	assert.Equal(t, "NOT_OWNER", ack["code"])
	assert.Equal(t, "not_owner", ack["error"])

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "release",
		"params": map[string]any{"device_id": "d1"},
	})
	assert.Equal(t, true, lastAck(t, broker)["ok"])

	// Released: anyone may reserve now.
	sendCmd(t, broker, map[string]any{
		"actor":  "user",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})
	assert.Equal(t, true, lastAck(t, broker)["ok"])
}

func TestReserveRequiresActor(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})

	ack := lastAck(t, broker)
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Equal(t, "missing actor", ack["error"])
}

func TestScheduleOnceFansOutWithLeaseGating(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	// d1 is reserved by someone else; d2 is free.
	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})
	require.Equal(t, true, lastAck(t, broker)["ok"])

	sendCmd(t, broker, map[string]any{
		"req_id": "s1",
		"actor":  "user",
		"action": "schedule",
		"params": map[string]any{
			"at": time.Now().Add(-time.Second).Format(time.RFC3339),
			"commands": []any{
				map[string]any{"device_id": "d1", "action": "start", "params": map[string]any{"source": "a"}},
				map[string]any{"device_id": "d2", "action": "start", "params": map[string]any{"source": "b"}},
			},
		},
	})

	ack := lastAck(t, broker)
	require.Equal(t, true, ack["ok"], "%v", ack)
	assert.Equal(t, "SCHEDULED", ack["code"])
	assert.Equal(t, float64(2), ack["details"].(map[string]any)["commands"])

	require.Eventually(t, func() bool {
		return broker.LastPublished(envelope.ModuleCmd("d2", PluginName)) != nil
	}, time.Second, 10*time.Millisecond, "free device receives the scheduled command")

	var cmd map[string]any
	require.NoError(t, json.Unmarshal(broker.LastPublished(envelope.ModuleCmd("d2", PluginName)).Payload, &cmd))
	assert.Equal(t, "orchestrator", cmd["actor"], "fan-out envelopes carry the orchestrator identity")
	assert.Equal(t, "start", cmd["action"])
	assert.NotEqual(t, "s1", cmd["req_id"], "fan-out envelopes get fresh correlation ids")

	params := cmd["params"].(map[string]any)
	assert.Equal(t, "d2", params["device_id"])
	assert.Equal(t, "b", params["source"])

	assert.Nil(t, broker.LastPublished(envelope.ModuleCmd("d1", PluginName)), "reserved device is skipped silently")
}

func TestScheduleHolderPassesGate(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})
	require.Equal(t, true, lastAck(t, broker)["ok"])

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "schedule",
		"params": map[string]any{
			"at": time.Now().Add(-time.Second).Format(time.RFC3339),
			"commands": []any{
				map[string]any{"device_id": "d1", "action": "stop"},
			},
		},
	})
	require.Equal(t, "SCHEDULED", lastAck(t, broker)["code"])

	require.Eventually(t, func() bool {
		return broker.LastPublished(envelope.ModuleCmd("d1", PluginName)) != nil
	}, time.Second, 10*time.Millisecond, "lease holder's own scheduled commands go through")
}

func TestScheduleRejections(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	cases := []struct {
		name   string
		params map[string]any
		errMsg string
	}{
		{
			name:   "no commands",
			params: map[string]any{"at": time.Now().Format(time.RFC3339)},
			errMsg: "missing commands",
		},
		{
			name: "no trigger",
			params: map[string]any{
				"commands": []any{map[string]any{"device_id": "d1", "action": "stop"}},
			},
			errMsg: "missing at or cron",
		},
		{
			name: "bad at",
			params: map[string]any{
				"at":       "tomorrow-ish",
				"commands": []any{map[string]any{"device_id": "d1", "action": "stop"}},
			},
		},
		{
			name: "bad cron",
			params: map[string]any{
				"cron":     "not a cron line",
				"commands": []any{map[string]any{"device_id": "d1", "action": "stop"}},
			},
		},
		{
			name: "command missing action",
			params: map[string]any{
				"at":       time.Now().Format(time.RFC3339),
				"commands": []any{map[string]any{"device_id": "d1"}},
			},
			errMsg: "command needs device_id and action",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sendCmd(t, broker, map[string]any{"actor": "app", "action": "schedule", "params": tc.params})

			ack := lastAck(t, broker)
			assert.Equal(t, "BAD_REQUEST", ack["code"])

			if tc.errMsg != "" {
				assert.Equal(t, tc.errMsg, ack["error"])
			}
		})
	}
}

func TestCronScheduleAccepted(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "schedule",
		"params": map[string]any{
			"cron":     "*/5 * * * *",
			"commands": []any{map[string]any{"device_id": "d1", "action": "record_start"}},
		},
	})

	ack := lastAck(t, broker)
	assert.Equal(t, "SCHEDULED", ack["code"])
	assert.Equal(t, "*/5 * * * *", ack["details"].(map[string]any)["cron"])
}

func TestUnknownActionAck(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	sendCmd(t, broker, map[string]any{"actor": "app", "action": "warp"})

	ack := lastAck(t, broker)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "BAD_ACTION", ack["code"])
	assert.Equal(t, "unsupported action: warp", ack["error"])
}

func TestMalformedInbound(t *testing.T) {
	h, broker := newTestPlugin(t)
	defer h.Stop()

	require.NoError(t, broker.Publish(envelope.OrchestratorCmd(PluginName), 1, false, []byte(`{`)))
	ack := lastAck(t, broker)
	assert.Equal(t, "BAD_JSON", ack["code"])

	sendCmd(t, broker, map[string]any{"actor": "intruder", "action": "start"})
	ack = lastAck(t, broker)
	assert.Equal(t, "BAD_REQUEST", ack["code"])
	assert.Contains(t, ack["error"], "actor_not_allowed")
}

func TestDefaultLeaseSettingFromConfigFile(t *testing.T) {
	catalog := orchestrator.NewPluginCatalog()
	catalog.Register(PluginName, NewFactory())

	// YAML decodes whole numbers to int, not float64; the setting must
	// survive that.
	doc := []byte("plugins:\n  media:\n    default_lease_s: 120\n")

	var cfg orchestrator.Config
	require.NoError(t, yaml.Unmarshal(doc, &cfg))
	cfg.SetDefaults()

	broker := transport.NewMemBroker()
	h := orchestrator.New(&cfg, catalog, broker, logger.NewTestLogger())
	require.NoError(t, h.Start())
	defer h.Stop()
	broker.ClearPublished()

	sendCmd(t, broker, map[string]any{
		"actor":  "app",
		"action": "reserve",
		"params": map[string]any{"device_id": "d1"},
	})

	ack := lastAck(t, broker)
	require.Equal(t, true, ack["ok"])
	assert.Equal(t, float64(120), ack["details"].(map[string]any)["lease_s"])
}
