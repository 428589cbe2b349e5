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

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/alexandremahdhaoui/tunir/pkg/execcontext"
)

const defaultQEMUBinary = "/usr/bin/qemu-kvm"

// QEMU implements Hypervisor by running one qemu process per guest,
// attached to a host bridge through qemu-bridge-helper.
type QEMU struct {
	execCtx execcontext.Context
	binary  string
}

type QEMUOption func(*QEMU)

func WithQEMUBinary(path string) QEMUOption {
	return func(q *QEMU) {
		q.binary = path
	}
}

func WithExecContext(execCtx execcontext.Context) QEMUOption {
	return func(q *QEMU) {
		q.execCtx = execCtx
	}
}

func NewQEMU(opts ...QEMUOption) *QEMU {
	q := &QEMU{
		execCtx: execcontext.Empty(),
		binary:  defaultQEMUBinary,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Boot implements Hypervisor. The guest outlives ctx: only Terminate stops
// it.
func (q *QEMU) Boot(ctx context.Context, cfg BootConfig) (*Process, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.Bridge == "" {
		cfg.Bridge = DefaultBridge
	}

	cmd := execcontext.Command(context.WithoutCancel(ctx), q.execCtx, q.binary, qemuArgs(cfg)...)
	// Own process group so that terminal signals reach tunir only and
	// teardown decides when the guest dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if cfg.ConsoleLog != "" {
		f, err := os.OpenFile(cfg.ConsoleLog, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: opening console log: %v", ErrBoot, err)
		}
		defer func() { _ = f.Close() }()
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrBoot, q.binary, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	p := &Process{
		PID:  pid,
		MAC:  cfg.MAC,
		Name: cfg.Name,
		kill: func() error {
			select {
			case <-exited:
				return nil
			default:
			}
			var err error
			if len(q.execCtx.PrependCmd()) > 0 {
				err = q.killPrefixed(pid, cfg.PIDFile)
			} else {
				err = killGroup(cmd, pid)
			}
			if err != nil {
				return err
			}
			<-exited
			return nil
		},
	}

	slog.Info("booted guest", "name", cfg.Name, "pid", pid, "mac", cfg.MAC, "image", cfg.Image)
	return p, nil
}

func killGroup(cmd *exec.Cmd, pid int) error {
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return errors.Join(err, kerr)
		}
	}
	return nil
}

// killPrefixed kills a guest started behind a command prefix such as sudo.
// The guest then runs under another identity and the prefix process cannot
// relay SIGKILL, so the signal is sent through the same prefix, to the PID
// qemu recorded in pidFile. The process group of the prefix is the fallback
// when the PID file is missing.
func (q *QEMU) killPrefixed(pid int, pidFile string) error {
	ctx := context.Background()
	target := "-" + strconv.Itoa(pid)
	if pidFile != "" {
		out, err := execcontext.Command(ctx, q.execCtx, "cat", pidFile).Output()
		if qemuPID := strings.TrimSpace(string(out)); err == nil && qemuPID != "" {
			target = qemuPID
		} else {
			slog.Warn("cannot read qemu PID file, killing process group", "pidFile", pidFile, "pid", pid)
		}
	}

	out, err := execcontext.Command(ctx, q.execCtx, "kill", "-KILL", "--", target).CombinedOutput()
	if err != nil {
		return fmt.Errorf("kill %s: %v: %s", target, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Terminate implements Hypervisor.
func (q *QEMU) Terminate(p *Process) error {
	return terminate(p)
}

func qemuArgs(cfg BootConfig) []string {
	args := []string{
		"-m", strconv.Itoa(cfg.MemoryMB),
		"-smp", strconv.Itoa(cfg.VCPUs),
		"-drive", fmt.Sprintf("file=%s,if=virtio", cfg.Image),
		"-drive", fmt.Sprintf("file=%s,if=virtio", cfg.Seed),
		"-net", fmt.Sprintf("bridge,br=%s", cfg.Bridge),
		"-net", fmt.Sprintf("nic,macaddr=%s,model=virtio", cfg.MAC),
		"-nographic",
	}
	if cfg.PIDFile != "" {
		args = append(args, "-pidfile", cfg.PIDFile)
	}
	return args
}
