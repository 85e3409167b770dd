// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/Jigsaw-Code/demergi/internal/config"
)

// workerEnv marks the processes started by [runWorkers].
const workerEnv = "DEMERGI_WORKER"

func isWorker(lookupEnv func(string) (string, bool)) bool {
	_, ok := lookupEnv(workerEnv)
	return ok
}

// workerWaitDelay is how long a worker may take to drain its connections after being interrupted.
func workerWaitDelay(opts config.Options) time.Duration {
	return time.Duration(max(opts.InactivityTimeout, 1000))*time.Millisecond + 5*time.Second
}

// runWorkers starts n copies of this executable that share the listening port, and waits for all of them to
// exit. When ctx is done, the workers are interrupted and killed if they are still running after waitDelay.
func runWorkers(ctx context.Context, n int, waitDelay time.Duration, logger *slog.Logger) error {
	if _, err := reusePortListenConfig(); err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		cmd := exec.CommandContext(ctx, exe, os.Args[1:]...)
		cmd.Env = append(os.Environ(), workerEnv+"=1")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(os.Interrupt)
		}
		cmd.WaitDelay = waitDelay
		if err := cmd.Start(); err != nil {
			errs[i] = fmt.Errorf("failed to start worker: %w", err)
			continue
		}
		pid := cmd.Process.Pid
		logger.Debug("Worker started", slog.Int("pid", pid))
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := cmd.Wait()
			logger.Debug("Worker exited", slog.Int("pid", pid), slog.String("state", cmd.ProcessState.String()))
			if err != nil && ctx.Err() == nil {
				errs[i] = fmt.Errorf("worker %d failed: %w", pid, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
