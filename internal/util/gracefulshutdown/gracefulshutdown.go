// Copyright 2024 Alexandre Mahdhaoui
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

// Package gracefulshutdown ties a process' lifetime to SIGTERM and SIGINT.
// A signal cancels the context; the caller finishes its teardown and then
// calls Shutdown with its exit code.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdown holds the signal-aware context of the process.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once sync.Once

	// exitFunc allows injecting exit behavior for testing
	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown exiting through exitFunc.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	return &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		exitFunc: exitFunc,
	}
}

// New creates a GracefulShutdown exiting through os.Exit.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// Shutdown cancels the context and exits with exitCode. Only the first call
// has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		if s.ctx.Err() != nil {
			slog.Warn("interrupted, shutting down", "name", s.name, "exitCode", exitCode)
		} else {
			slog.Debug("shutting down", "name", s.name, "exitCode", exitCode)
		}
		s.cancel()
		s.exitFunc(exitCode)
	})
}

// Context returns the context cancelled by a signal or by Shutdown.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}
