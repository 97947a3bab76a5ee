// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package claudecode

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long a cancelled CLI gets to exit after SIGTERM.
const stopGrace = 5 * time.Second

const stderrTailSize = 4 * 1024

type runnerConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}

// runner is the subprocess seam; tests substitute a fake.
type runner interface {
	Start(ctx context.Context) error
	Stdout() io.Reader
	// Wait must be called after Stdout is drained.
	Wait() error
	StderrTail() string
}

type runnerFactory func(cfg runnerConfig) runner

func newProcess(cfg runnerConfig) runner {
	return &process{cfg: cfg, stderr: &tailBuffer{max: stderrTailSize}}
}

// process runs the CLI in its own process group so cancellation reaches
// every child it spawned.
type process struct {
	cfg    runnerConfig
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer
}

func (p *process) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		env := append([]string{}, os.Environ()...)
		for k, v := range p.cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	cmd.Stdin = nil
	cmd.Stderr = p.stderr
	cmd.WaitDelay = stopGrace
	configureProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.stdout = stdout
	return nil
}

func (p *process) Stdout() io.Reader {
	return p.stdout
}

func (p *process) Wait() error {
	if p.cmd == nil {
		return nil
	}
	err := p.cmd.Wait()
	// Reap anything the CLI left behind in its group.
	killProcessGroup(p.cmd)
	return err
}

func (p *process) StderrTail() string {
	return p.stderr.String()
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
