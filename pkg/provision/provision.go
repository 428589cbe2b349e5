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

// Package provision turns a JobConfig into a reachable target: it creates
// whatever the job type needs, fills in the address, and destroys it again
// after the job.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrProvisionFailed = errors.New("failed to provision target")

// Handle is the resource backing a provisioned target.
type Handle interface {
	// Failed reports whether the target came up unusable. A failed handle
	// still has to be destroyed; the job is skipped.
	Failed() bool
	Destroy(ctx context.Context) error
}

// Provisioner prepares the target of a job and returns the config the
// engine should use.
type Provisioner interface {
	Provision(ctx context.Context, cfg JobConfig) (Handle, JobConfig, error)
}

// ProvisionerFunc adapts a function to Provisioner.
type ProvisionerFunc func(ctx context.Context, cfg JobConfig) (Handle, JobConfig, error)

func (f ProvisionerFunc) Provision(ctx context.Context, cfg JobConfig) (Handle, JobConfig, error) {
	return f(ctx, cfg)
}

// Registry maps job types to provisioners.
type Registry struct {
	mu           sync.RWMutex
	provisioners map[string]Provisioner
}

// NewRegistry returns a Registry holding the bare provisioner.
func NewRegistry() *Registry {
	r := &Registry{provisioners: make(map[string]Provisioner)}
	r.Register(TypeBare, Bare{})
	return r
}

// Register sets the provisioner of typ, replacing any previous one.
func (r *Registry) Register(typ string, p Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioners[typ] = p
}

// Get returns the provisioner of typ.
func (r *Registry) Get(typ string) (Provisioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.provisioners[typ]
	if !ok {
		return nil, fmt.Errorf("%w: no provisioner registered for type %q (available: %v)",
			ErrProvisionFailed, typ, r.typesLocked())
	}
	return p, nil
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.typesLocked()
}

func (r *Registry) typesLocked() []string {
	types := make([]string, 0, len(r.provisioners))
	for t := range r.provisioners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Bare provisions nothing: the host already exists.
type Bare struct{}

func (Bare) Provision(_ context.Context, cfg JobConfig) (Handle, JobConfig, error) {
	if cfg.Host == "" {
		cfg.Host = cfg.Image
	}
	if cfg.Host == "" {
		return nil, cfg, fmt.Errorf("%w: bare job without host", ErrProvisionFailed)
	}
	slog.Info("using existing host", "host", cfg.Host, "port", int(cfg.Port))
	return NopHandle{}, cfg, nil
}

// NopHandle never fails and has nothing to destroy.
type NopHandle struct{}

func (NopHandle) Failed() bool                  { return false }
func (NopHandle) Destroy(context.Context) error { return nil }
