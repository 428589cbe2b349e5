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

package vmm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyStager_Stage(t *testing.T) {
	src := filepath.Join(t.TempDir(), "fedora.qcow2")
	require.NoError(t, os.WriteFile(src, []byte("disk-bytes"), 0o644))
	dir := t.TempDir()

	dst, err := CopyStager{}.Stage(context.Background(), src, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fedora.qcow2"), dst)

	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "disk-bytes", string(b))

	_, err = CopyStager{}.Stage(context.Background(), filepath.Join(dir, "missing"), dir)
	assert.True(t, errors.Is(err, ErrStageDisk))
}

func TestOverlayStager_Stage(t *testing.T) {
	bin := t.TempDir()
	argsFile := filepath.Join(bin, "args")
	fake := filepath.Join(bin, "qemu-img")
	script := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n: > \"$6\"\n"
	require.NoError(t, os.WriteFile(fake, []byte(script), 0o755))

	s := NewOverlayStager(nil)
	s.binary = fake
	dir := t.TempDir()

	dst, err := s.Stage(context.Background(), "/images/fedora.qcow2", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "fedora-overlay.qcow2"), dst)
	assert.FileExists(t, dst)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t,
		"create -f qcow2 -o backing_file=/images/fedora.qcow2,backing_fmt=qcow2 "+dst,
		strings.TrimSpace(string(args)))
}

func TestOverlayStager_StageFailure(t *testing.T) {
	fake := filepath.Join(t.TempDir(), "qemu-img")
	require.NoError(t, os.WriteFile(fake, []byte("#!/bin/sh\necho 'no such file' >&2\nexit 1\n"), 0o755))

	s := NewOverlayStager(nil)
	s.binary = fake

	_, err := s.Stage(context.Background(), "/images/missing.qcow2", t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageDisk))
	assert.Contains(t, err.Error(), "no such file")
}
