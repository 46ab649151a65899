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

// The agent binary runs the device-side dispatcher for one device.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lablink-io/lablink/pkg/agent"
	"github.com/lablink-io/lablink/pkg/envelope"
	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/module"
	"github.com/lablink-io/lablink/pkg/modules/media"
	"github.com/lablink-io/lablink/pkg/transport"
	"github.com/lablink-io/lablink/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/lablink/agent.yaml", "Path to agent config file")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	log.Info().Str("device_id", cfg.DeviceID).Str("version", version.Version).Msg("starting agent")

	catalog := module.NewCatalog()
	catalog.Register(media.ModuleName, media.NewFactory(media.NewExecRunner(), log))

	opts := cfg.MQTT
	opts.WillTopic = envelope.DeviceStatus(cfg.DeviceID)
	opts.WillPayload = agent.OfflinePayload(cfg.DeviceID)

	tr, err := transport.Connect(opts, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	a := agent.New(cfg, catalog, tr, log)
	if err := a.Start(); err != nil {
		tr.Close()
		return fmt.Errorf("start agent: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	a.Stop()

	return nil
}
