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
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/transport"
)

const (
	defaultHeartbeatSeconds = 10
	defaultBrokerURL        = "tcp://127.0.0.1:1883"
)

var errDeviceIDRequired = errors.New("device_id is required")

// Config is the device agent configuration.
type Config struct {
	DeviceID         string                    `json:"device_id" yaml:"device_id"`
	Labels           []string                  `json:"labels" yaml:"labels"`
	HeartbeatSeconds int                       `json:"heartbeat_interval_s" yaml:"heartbeat_interval_s"`
	ParamsLimit      int                       `json:"params_limit_bytes" yaml:"params_limit_bytes"`
	MQTT             transport.Options         `json:"mqtt" yaml:"mqtt"`
	Modules          map[string]map[string]any `json:"modules" yaml:"modules"`
	Logging          logger.Config             `json:"logging" yaml:"logging"`
}

// LoadConfig reads a YAML config file and applies env overrides and
// defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LABLINK_BROKER_URL"); v != "" {
		c.MQTT.BrokerURL = v
	}

	if v := os.Getenv("LABLINK_MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}

	if v := os.Getenv("LABLINK_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = defaultHeartbeatSeconds
	}

	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = defaultBrokerURL
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "device-" + c.DeviceID
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return errDeviceIDRequired
	}

	return nil
}
