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

// The orchestrator binary hosts the control-plane plugins and the fleet
// registry.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lablink-io/lablink/pkg/logger"
	"github.com/lablink-io/lablink/pkg/orchestrator"
	"github.com/lablink-io/lablink/pkg/plugins/media"
	"github.com/lablink-io/lablink/pkg/transport"
	"github.com/lablink-io/lablink/pkg/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/lablink/orchestrator.yaml", "Path to orchestrator config file")
	flag.Parse()

	cfg, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	log.Info().Str("version", version.Version).Msg("starting orchestrator")

	catalog := orchestrator.NewPluginCatalog()
	catalog.Register(media.PluginName, media.NewFactory())

	tr, err := transport.Connect(cfg.MQTT, log)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}

	h := orchestrator.New(cfg, catalog, tr, log)
	if err := h.Start(); err != nil {
		tr.Close()
		return fmt.Errorf("start orchestrator: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	h.Stop()

	return nil
}
