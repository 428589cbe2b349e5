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

package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
)

const (
	defaultDockerBinary = "docker"
	containerIPFormat   = "{{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}}"
)

// Docker starts the job image as a detached container and runs the job
// over SSH against the container address, like a bare job.
type Docker struct {
	execCtx execcontext.Context
	binary  string
}

type DockerOption func(*Docker)

// WithDockerBinary overrides the docker CLI, e.g. with podman.
func WithDockerBinary(binary string) DockerOption {
	return func(d *Docker) {
		d.binary = binary
	}
}

func NewDocker(execCtx execcontext.Context, opts ...DockerOption) *Docker {
	if execCtx == nil {
		execCtx = execcontext.Empty()
	}
	d := &Docker{execCtx: execCtx, binary: defaultDockerBinary}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Docker) Provision(ctx context.Context, cfg JobConfig) (Handle, JobConfig, error) {
	out, err := d.run(ctx, "run", "-d", cfg.Image)
	if err != nil {
		return nil, cfg, fmt.Errorf("%w: starting container from %s: %w", ErrProvisionFailed, cfg.Image, err)
	}
	h := &container{docker: d, id: lastLine(out)}

	ips, err := d.run(ctx, "inspect", "-f", containerIPFormat, h.id)
	if err != nil || strings.TrimSpace(ips) == "" {
		slog.Error("container has no address", "id", h.id, "error", errString(err))
		h.failed = true
		return h, cfg, nil
	}

	cfg.Type = TypeBare
	cfg.Host = strings.Fields(ips)[0]
	slog.Info("container started", "id", h.id, "host", cfg.Host)
	return h, cfg, nil
}

// run returns the trimmed stdout of the command. Stderr carries progress
// output such as image pulls and only ends up in the error.
func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	var stderr bytes.Buffer
	cmd := execcontext.Command(ctx, d.execCtx, d.binary, args...)
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("%s %s: %s", d.binary, args[0], strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(string(output)), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type container struct {
	docker *Docker
	id     string
	failed bool
}

func (c *container) Failed() bool {
	return c.failed
}

func (c *container) Destroy(ctx context.Context) error {
	if _, err := c.docker.run(context.WithoutCancel(ctx), "rm", "-f", c.id); err != nil {
		return fmt.Errorf("removing container %s: %w", c.id, err)
	}
	slog.Info("container removed", "id", c.id)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
