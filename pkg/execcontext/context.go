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

// Package execcontext carries the environment and command prefix (e.g. "sudo")
// applied to every local subprocess tunir starts: the hypervisor and the seed
// image builder.
package execcontext

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/exec"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &execContext{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Empty returns a Context that neither sets variables nor prefixes commands.
func Empty() Context {
	return New(nil, nil)
}

type execContext struct {
	envs       map[string]string
	prependCmd []string
}

// Envs implements Context.
func (c *execContext) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *execContext) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Command builds an *exec.Cmd for name and args with the prefix and
// environment of ectx applied on top of the current process environment.
// The command is bound to ctx.
func Command(ctx context.Context, ectx Context, name string, args ...string) *exec.Cmd {
	argv := append(ectx.PrependCmd(), name)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if envs := ectx.Envs(); len(envs) > 0 {
		cmd.Env = os.Environ()
		for k, v := range envs {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	return cmd
}
