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
	"regexp"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

func TestRandomMAC(t *testing.T) {
	re := regexp.MustCompile(`^00:16:3e:[0-7][0-9a-f]:[0-9a-f]{2}:[0-9a-f]{2}$`)
	seen := make(map[string]struct{})
	for range 64 {
		mac, err := RandomMAC()
		require.NoError(t, err)
		assert.Regexp(t, re, mac)
		seen[mac] = struct{}{}
	}
	assert.Greater(t, len(seen), 1)
}

func TestBootConfig_ApplyDefaults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BootConfig
		wantErr error
		check   func(t *testing.T, cfg BootConfig)
	}{
		{
			name:    "missing image",
			cfg:     BootConfig{Seed: "seed.img"},
			wantErr: ErrInvalidBoot,
		},
		{
			name:    "missing seed",
			cfg:     BootConfig{Image: "fedora.qcow2"},
			wantErr: ErrInvalidBoot,
		},
		{
			name: "defaults",
			cfg:  BootConfig{Image: "fedora.qcow2", Seed: "seed.img"},
			check: func(t *testing.T, cfg BootConfig) {
				assert.Equal(t, DefaultMemoryMB, cfg.MemoryMB)
				assert.Equal(t, DefaultVCPUs, cfg.VCPUs)
				assert.True(t, strings.HasPrefix(cfg.MAC, "00:16:3e:"))
			},
		},
		{
			name: "explicit values are kept",
			cfg:  BootConfig{Image: "a", Seed: "b", MemoryMB: 2048, VCPUs: 4, MAC: "00:16:3e:01:02:03"},
			check: func(t *testing.T, cfg BootConfig) {
				assert.Equal(t, 2048, cfg.MemoryMB)
				assert.Equal(t, 4, cfg.VCPUs)
				assert.Equal(t, "00:16:3e:01:02:03", cfg.MAC)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.applyDefaults()
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestQEMUArgs(t *testing.T) {
	args := qemuArgs(BootConfig{
		Image:    "/tmp/vm1/fedora.qcow2",
		Seed:     "/tmp/vm1/seed.img",
		MemoryMB: 1024,
		VCPUs:    1,
		Bridge:   "virbr0",
		MAC:      "00:16:3e:11:22:33",
	})

	assert.Equal(t, []string{
		"-m", "1024",
		"-smp", "1",
		"-drive", "file=/tmp/vm1/fedora.qcow2,if=virtio",
		"-drive", "file=/tmp/vm1/seed.img,if=virtio",
		"-net", "bridge,br=virbr0",
		"-net", "nic,macaddr=00:16:3e:11:22:33,model=virtio",
		"-nographic",
	}, args)

	args = qemuArgs(BootConfig{Image: "a", Seed: "b", PIDFile: "/tmp/vm1/qemu.pid"})
	assert.Equal(t, []string{"-pidfile", "/tmp/vm1/qemu.pid"}, args[len(args)-2:])
}

// fakeQEMU writes a script that logs its arguments, honors -pidfile and then
// blocks.
func fakeQEMU(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qemu-kvm")
	script := `#!/bin/sh
echo "$@"
while [ $# -gt 0 ]; do
	if [ "$1" = "-pidfile" ]; then echo $$ > "$2"; fi
	shift
done
exec sleep 60
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestQEMU_BootAndTerminate(t *testing.T) {
	dir := t.TempDir()
	consoleLog := filepath.Join(dir, "console.log")
	q := NewQEMU(WithQEMUBinary(fakeQEMU(t)))

	p, err := q.Boot(context.Background(), BootConfig{
		Name:       "vm1",
		Image:      "fedora.qcow2",
		Seed:       "seed.img",
		ConsoleLog: consoleLog,
	})
	require.NoError(t, err)
	require.Greater(t, p.PID, 0)
	assert.Equal(t, "vm1", p.Name)
	assert.True(t, strings.HasPrefix(p.MAC, "00:16:3e:"))

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(consoleLog)
		return strings.Contains(string(b), "bridge,br=virbr0")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, syscall.Kill(p.PID, 0))

	require.NoError(t, q.Terminate(p))
	assert.True(t, errors.Is(syscall.Kill(p.PID, 0), syscall.ESRCH))

	// idempotent
	require.NoError(t, q.Terminate(p))
	require.NoError(t, q.Terminate(nil))
}

// fakePrefix writes a command prefix that logs the command it wraps, the way
// sudo would run it under another identity.
func fakePrefix(t *testing.T) (prefix, log string) {
	t.Helper()
	dir := t.TempDir()
	log = filepath.Join(dir, "prefix.log")
	prefix = filepath.Join(dir, "fake-sudo")
	script := "#!/bin/sh\necho \"$@\" >> " + log + "\nexec \"$@\"\n"
	require.NoError(t, os.WriteFile(prefix, []byte(script), 0o755))
	return prefix, log
}

func TestQEMU_TerminateThroughPrefix(t *testing.T) {
	prefix, log := fakePrefix(t)
	pidFile := filepath.Join(t.TempDir(), "qemu.pid")
	q := NewQEMU(
		WithQEMUBinary(fakeQEMU(t)),
		WithExecContext(execcontext.New(nil, []string{prefix})),
	)

	p, err := q.Boot(context.Background(), BootConfig{Image: "a", Seed: "b", PIDFile: pidFile})
	require.NoError(t, err)
	t.Cleanup(func() { _ = syscall.Kill(p.PID, syscall.SIGKILL) })

	var qemuPID string
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		qemuPID = strings.TrimSpace(string(b))
		return err == nil && qemuPID != ""
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, q.Terminate(p))
	assert.True(t, errors.Is(syscall.Kill(p.PID, 0), syscall.ESRCH))

	calls, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Contains(t, string(calls), "cat "+pidFile+"\n")
	assert.Contains(t, string(calls), "kill -KILL -- "+qemuPID+"\n")
}

func TestQEMU_BootOutlivesContext(t *testing.T) {
	q := NewQEMU(WithQEMUBinary(fakeQEMU(t)))
	ctx, cancel := context.WithCancel(context.Background())

	p, err := q.Boot(ctx, BootConfig{Image: "a", Seed: "b"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Terminate(p) })

	cancel()
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, syscall.Kill(p.PID, 0))
}

func TestQEMU_BootMissingBinary(t *testing.T) {
	q := NewQEMU(WithQEMUBinary(filepath.Join(t.TempDir(), "missing")))
	_, err := q.Boot(context.Background(), BootConfig{Image: "a", Seed: "b"})
	assert.True(t, errors.Is(err, ErrBoot))
}

func TestDomainXML(t *testing.T) {
	out, err := DomainXML(BootConfig{
		Name:       "tunir-vm1",
		Image:      "/tmp/vm1/fedora.qcow2",
		Seed:       "/tmp/vm1/seed.img",
		MemoryMB:   2048,
		VCPUs:      2,
		Bridge:     "default",
		MAC:        "00:16:3e:11:22:33",
		ConsoleLog: "/tmp/vm1/console.log",
	})
	require.NoError(t, err)

	var dom libvirtxml.Domain
	require.NoError(t, dom.Unmarshal(out))

	assert.Equal(t, "tunir-vm1", dom.Name)
	assert.Equal(t, uint(2048), dom.Memory.Value)
	assert.Equal(t, uint(2), dom.VCPU.Value)
	require.Len(t, dom.Devices.Disks, 2)
	assert.Equal(t, "/tmp/vm1/fedora.qcow2", dom.Devices.Disks[0].Source.File.File)
	assert.Equal(t, "raw", dom.Devices.Disks[1].Driver.Type)
	require.Len(t, dom.Devices.Interfaces, 1)
	assert.Equal(t, "00:16:3e:11:22:33", dom.Devices.Interfaces[0].MAC.Address)
	assert.Equal(t, "default", dom.Devices.Interfaces[0].Source.Network.Network)
	assert.Equal(t, "/tmp/vm1/console.log", dom.Devices.Serials[0].Source.File.Path)
}

func TestLibvirt_BootNilConn(t *testing.T) {
	_, err := NewLibvirt(nil).Boot(context.Background(), BootConfig{Image: "a", Seed: "b"})
	assert.True(t, errors.Is(err, ErrBoot))
}
