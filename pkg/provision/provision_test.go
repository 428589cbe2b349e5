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

//go:build unit

package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{TypeBare}, r.Types())

	p, err := r.Get(TypeBare)
	require.NoError(t, err)
	assert.Equal(t, Bare{}, p)

	_, err = r.Get(TypeAWS)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvisionFailed))
	assert.Contains(t, err.Error(), `"aws"`)

	called := false
	r.Register(TypeAWS, ProvisionerFunc(func(_ context.Context, cfg JobConfig) (Handle, JobConfig, error) {
		called = true
		cfg.Host = "54.1.2.3"
		return NopHandle{}, cfg, nil
	}))
	p, err = r.Get(TypeAWS)
	require.NoError(t, err)
	_, cfg, err := p.Provision(context.Background(), JobConfig{Type: TypeAWS})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "54.1.2.3", cfg.Host)
	assert.Equal(t, []string{TypeAWS, TypeBare}, r.Types())
}

func TestBare_Provision(t *testing.T) {
	h, cfg, err := Bare{}.Provision(context.Background(), JobConfig{Type: TypeBare, Image: "10.0.0.9", User: "root"})
	require.NoError(t, err)
	assert.False(t, h.Failed())
	assert.NoError(t, h.Destroy(context.Background()))
	assert.Equal(t, "10.0.0.9", cfg.Host)

	_, _, err = Bare{}.Provision(context.Background(), JobConfig{Type: TypeBare})
	assert.True(t, errors.Is(err, ErrProvisionFailed))
}

// fakeDocker writes a docker stand-in that logs every invocation. When
// pullNoise is set, "run" reports an image pull on stderr first.
func fakeDocker(t *testing.T, inspectOutput string, pullNoise bool) (binary, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "calls.log")
	binary = filepath.Join(dir, "docker")
	pull := ""
	if pullNoise {
		pull = `echo "Unable to find image 'fedora-sshd:latest' locally" >&2; echo "latest: Pulling from library/fedora-sshd" >&2; `
	}
	script := `#!/bin/sh
echo "$@" >> ` + log + `
case "$1" in
run) ` + pull + `echo "3f2a9c" ;;
inspect) printf '%s\n' "` + inspectOutput + `" ;;
rm) echo "$3" ;;
esac
`
	require.NoError(t, os.WriteFile(binary, []byte(script), 0o755))
	return binary, log
}

func TestDocker_Provision(t *testing.T) {
	binary, log := fakeDocker(t, "172.17.0.4 ", false)
	d := NewDocker(execcontext.Empty(), WithDockerBinary(binary))

	h, cfg, err := d.Provision(context.Background(), JobConfig{Type: TypeDocker, Image: "fedora-sshd", User: "root", Port: 22})
	require.NoError(t, err)
	assert.False(t, h.Failed())
	assert.Equal(t, TypeBare, cfg.Type)
	assert.Equal(t, "172.17.0.4", cfg.Host)

	require.NoError(t, h.Destroy(context.Background()))

	calls, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "run -d fedora-sshd\ninspect -f {{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}} 3f2a9c\nrm -f 3f2a9c\n", string(calls))
}

func TestDocker_ProvisionPullingImage(t *testing.T) {
	binary, log := fakeDocker(t, "172.17.0.4 ", true)
	d := NewDocker(nil, WithDockerBinary(binary))

	h, cfg, err := d.Provision(context.Background(), JobConfig{Type: TypeDocker, Image: "fedora-sshd", User: "root"})
	require.NoError(t, err)
	assert.False(t, h.Failed())
	assert.Equal(t, "172.17.0.4", cfg.Host)
	require.NoError(t, h.Destroy(context.Background()))

	calls, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Contains(t, string(calls), "inspect -f {{range .NetworkSettings.Networks}}{{.IPAddress}} {{end}} 3f2a9c\n")
	assert.Contains(t, string(calls), "rm -f 3f2a9c\n")
}

func TestDocker_ProvisionWithoutAddress(t *testing.T) {
	binary, _ := fakeDocker(t, "", false)
	d := NewDocker(nil, WithDockerBinary(binary))

	h, _, err := d.Provision(context.Background(), JobConfig{Type: TypeDocker, Image: "busybox", User: "root"})
	require.NoError(t, err)
	assert.True(t, h.Failed())
	assert.NoError(t, h.Destroy(context.Background()))
}

func TestDocker_ProvisionMissingBinary(t *testing.T) {
	d := NewDocker(nil, WithDockerBinary(filepath.Join(t.TempDir(), "nope")))
	_, _, err := d.Provision(context.Background(), JobConfig{Type: TypeDocker, Image: "busybox"})
	assert.True(t, errors.Is(err, ErrProvisionFailed))
}
