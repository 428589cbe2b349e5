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

package cloudinit_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/tunir/pkg/cloudinit"
	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"
)

const testPublicKey = "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABAAABAQC7 tunir"

func TestNewMetaData(t *testing.T) {
	t.Run("explicit identity", func(t *testing.T) {
		md := cloudinit.NewMetaData("iid-123456", "vm1", testPublicKey+"\n")
		assert.Equal(t, "iid-123456", md.InstanceID)
		assert.Equal(t, "vm1", md.LocalHostname)
		assert.Equal(t, map[string]string{"default": testPublicKey}, md.PublicKeys)
	})

	t.Run("defaults", func(t *testing.T) {
		md := cloudinit.NewMetaData("", "", "")
		assert.True(t, strings.HasPrefix(md.InstanceID, "iid-"))
		assert.Equal(t, cloudinit.DefaultHostname, md.LocalHostname)
		assert.Nil(t, md.PublicKeys)
	})
}

func TestMetaData_Render(t *testing.T) {
	out, err := cloudinit.NewMetaData("iid-1", "tunirtests", testPublicKey).Render()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "iid-1", decoded["instance-id"])
	assert.Equal(t, "tunirtests", decoded["local-hostname"])
	assert.Equal(t, map[string]any{"default": testPublicKey}, decoded["public-keys"])
}

func TestNewDefaultUserData(t *testing.T) {
	ud := cloudinit.NewDefaultUserData(testPublicKey, "fedora", "fedora", "", "centos")

	require.Len(t, ud.Users, 3)
	assert.Equal(t, "default", ud.Users[0].Name)
	assert.Equal(t, "fedora", ud.Users[1].Name)
	assert.Equal(t, []string{testPublicKey}, ud.Users[1].SSHAuthorizedKeys)
	assert.Equal(t, "centos", ud.Users[2].Name)
	assert.Equal(t, cloudinit.DefaultPassword, ud.Password)

	rendered, err := ud.Render()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "#cloud-config\n"))
	assert.Contains(t, rendered, "ssh_pwauth: true")
	assert.Contains(t, rendered, "expire: false")
}

// fakeISOTool writes a script standing in for xorriso: it copies the config
// directory (last argument) to captureDir and touches the output image.
func fakeISOTool(t *testing.T, captureDir string, exitCode int) string {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\ncp -r \"$9\" %q\n: > \"$4\"\nexit %d\n", captureDir, exitCode)
	path := filepath.Join(t.TempDir(), "fake-xorriso")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestSeedBuilder_Build(t *testing.T) {
	dir := t.TempDir()
	capture := filepath.Join(t.TempDir(), "captured")
	builder := cloudinit.NewSeedBuilder(
		execcontext.Empty(),
		cloudinit.WithISOTool(fakeISOTool(t, capture, 0)),
	)

	md := cloudinit.NewMetaData("iid-123456", "tunirtests", testPublicKey)
	isoPath, err := builder.Build(context.Background(), dir, cloudinit.NewDefaultUserData(testPublicKey, "fedora"), md)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, cloudinit.SeedImageName), isoPath)
	assert.FileExists(t, isoPath)
	assert.NoDirExists(t, filepath.Join(dir, "cidata"), "intermediate directory must be removed")

	userData, err := os.ReadFile(filepath.Join(capture, "user-data"))
	require.NoError(t, err)
	assert.Contains(t, string(userData), "#cloud-config")
	assert.Contains(t, string(userData), testPublicKey)

	metaData, err := os.ReadFile(filepath.Join(capture, "meta-data"))
	require.NoError(t, err)
	assert.Contains(t, string(metaData), "instance-id: iid-123456")
}

func TestSeedBuilder_Build_ToolFailure(t *testing.T) {
	builder := cloudinit.NewSeedBuilder(
		nil,
		cloudinit.WithISOTool(fakeISOTool(t, filepath.Join(t.TempDir(), "captured"), 3)),
	)

	_, err := builder.Build(context.Background(), t.TempDir(), cloudinit.UserData{}, cloudinit.NewMetaData("", "", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, cloudinit.ErrCreateSeedISO)
}
