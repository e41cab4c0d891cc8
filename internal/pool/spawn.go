// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/nodebooks/kernel/internal/jobrunner"
)

// BinarySpawner builds a SpawnFunc that execs the kernelworker binary at
// Path once per call, wiring its stdin/stdout to a jobrunner.Conn. Each
// spawned process gets its own group so Kill reaches any children it
// forks, mirroring the teacher's process-group-based Stop/Signal.
type BinarySpawner struct {
	Path string
	Args []string
	Env  []string
}

// Spawn implements SpawnFunc.
func (b *BinarySpawner) Spawn(ctx context.Context) (jobrunner.WorkerConn, <-chan struct{}, error) {
	cmd := exec.Command(b.Path, b.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), b.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("pool: start worker: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case <-exited:
			return nil
		case <-time.After(2 * time.Second):
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	conn := jobrunner.NewConn(stdin, stdout, kill)
	return conn, exited, nil
}

// SpawnFunc adapts BinarySpawner to the pool.SpawnFunc signature.
func (b *BinarySpawner) SpawnFunc() SpawnFunc {
	return func(ctx context.Context) (jobrunner.WorkerConn, <-chan struct{}, error) {
		return b.Spawn(ctx)
	}
}
