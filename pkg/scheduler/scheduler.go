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

// Package scheduler runs one-shot and recurring jobs for orchestrator
// plugins. Jobs are fire-and-forget and not persisted.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lablink-io/lablink/pkg/logger"
)

// Scheduler wraps a cron runner (standard 5-field expressions) plus
// one-shot timers.
type Scheduler struct {
	cron *cron.Cron
	log  logger.Logger

	mu     sync.Mutex
	timers []*time.Timer
}

// New creates and starts a scheduler.
func New(log logger.Logger) *Scheduler {
	c := cron.New()
	c.Start()

	return &Scheduler{cron: c, log: log.WithComponent("scheduler")}
}

// Once runs fn at the given time. Times in the past fire immediately.
func (s *Scheduler) Once(at time.Time, fn func()) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers = append(s.timers, time.AfterFunc(delay, fn))
}

// Cron runs fn on a recurring 5-field cron expression.
func (s *Scheduler) Cron(expr string, fn func()) error {
	_, err := s.cron.AddFunc(expr, fn)
	return err
}

// Stop halts the cron runner and cancels pending one-shot jobs. Jobs
// already executing run to completion.
func (s *Scheduler) Stop() {
	s.cron.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers {
		t.Stop()
	}

	s.timers = nil
}
