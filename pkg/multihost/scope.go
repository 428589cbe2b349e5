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

package multihost

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var ErrTeardown = errors.New("teardown failed")

type release struct {
	name string
	fn   func() error
}

// Scope tracks acquired resources and releases every one of them exactly
// once, last acquired first.
type Scope struct {
	mu       sync.Mutex
	releases []release
	closed   bool
}

func NewScope() *Scope {
	return &Scope{}
}

// Defer registers fn to run on Close. Registering on a closed scope runs fn
// immediately.
func (s *Scope) Defer(name string, fn func() error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return runRelease(release{name: name, fn: fn})
	}
	s.releases = append(s.releases, release{name: name, fn: fn})
	s.mu.Unlock()
	return nil
}

// TempDir creates a directory under base (os.TempDir when empty) that is
// removed on Close.
func (s *Scope) TempDir(base, pattern string) (string, error) {
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return "", err
	}
	if err := s.Defer("remove "+dir, func() error { return os.RemoveAll(dir) }); err != nil {
		return "", err
	}
	slog.Debug("created temporary directory", "dir", dir)
	return dir, nil
}

// Len returns the number of resources still held.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.releases)
}

// Close releases everything in reverse order. Failures do not stop the
// remaining releases; they are joined into the returned error. Only the
// first call does any work.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var errs []error
	for i := len(releases) - 1; i >= 0; i-- {
		if err := runRelease(releases[i]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrTeardown, errors.Join(errs...))
	}
	return nil
}

func runRelease(r release) error {
	if err := r.fn(); err != nil {
		slog.Error("failed to release resource", "resource", r.name, "error", err.Error())
		return fmt.Errorf("%s: %w", r.name, err)
	}
	slog.Info("released resource", "resource", r.name)
	return nil
}
