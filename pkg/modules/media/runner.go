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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

var errEmptyCommand = errors.New("empty command")

// Runner is the process-spawning seam. The production runner starts real
// process groups; tests substitute a fake. Env is the explicit extra
// environment for the child, layered over the parent environment.
type Runner interface {
	Start(argv []string, env map[string]string) (pid int, err error)
	SignalGroup(pid int, sig syscall.Signal) error
	Alive(pid int) bool
}

// ExecRunner launches children in their own process group so the whole
// pipeline a command template spawns can be signalled together.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (*ExecRunner) Start(argv []string, env map[string]string) (int, error) {
	if len(argv) == 0 {
		return 0, errEmptyCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid := cmd.Process.Pid

	// Reap the child when it exits on its own.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

func (*ExecRunner) SignalGroup(pid int, sig syscall.Signal) error {
	// Setpgid makes the child's pgid its own pid.
	return syscall.Kill(-pid, sig)
}

func (*ExecRunner) Alive(pid int) bool {
	return syscall.Kill(-pid, 0) == nil
}

// splitCommand splits a rendered command template into argv, honoring
// single and double quotes.
func splitCommand(command string) []string {
	var (
		argv    []string
		current strings.Builder
		quote   rune
		inWord  bool
	)

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if inWord {
		argv = append(argv, current.String())
	}

	return argv
}
