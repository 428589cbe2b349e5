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

// Package vmm boots disposable guests from a disk image and a cloud-init
// seed, and kills them again.
package vmm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBoot        = errors.New("failed to boot guest")
	ErrTerminate   = errors.New("failed to terminate guest")
	ErrInvalidBoot = errors.New("invalid boot configuration")
	ErrGenerateMAC = errors.New("failed to generate MAC address")
	ErrStageDisk   = errors.New("failed to stage guest disk")
)

const (
	DefaultMemoryMB = 1024
	DefaultVCPUs    = 1
	DefaultBridge   = "virbr0"

	// macPrefix is the OUI every generated MAC starts with.
	macPrefix = "00:16:3e"
)

// BootConfig describes one guest.
type BootConfig struct {
	Name     string // optional, used for logs and libvirt domain names
	Image    string // disk image, used in place
	Seed     string // cloud-init seed image
	MemoryMB int
	VCPUs    int
	Bridge   string // bridge for qemu, network name for libvirt
	MAC      string // optional, generated when empty

	// ConsoleLog receives the serial console when set.
	ConsoleLog string
	// PIDFile is where qemu records its own PID. Unused by libvirt.
	PIDFile string
}

func (c *BootConfig) applyDefaults() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidBoot)
	}
	if c.Seed == "" {
		return fmt.Errorf("%w: seed is required", ErrInvalidBoot)
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MAC == "" {
		mac, err := RandomMAC()
		if err != nil {
			return err
		}
		c.MAC = mac
	}
	return nil
}

// Process is the handle of a booted guest.
type Process struct {
	// PID is the OS process ID for qemu guests and the domain ID for
	// libvirt guests.
	PID  int
	MAC  string
	Name string

	once    sync.Once
	termErr error
	kill    func() error
}

// terminate runs kill at most once and returns its result on every call.
func (p *Process) terminate() error {
	p.once.Do(func() {
		if p.kill != nil {
			p.termErr = p.kill()
		}
	})
	return p.termErr
}

// Hypervisor boots and kills guests. Boot returns as soon as the guest is
// started; it does not wait for the guest OS.
type Hypervisor interface {
	Boot(ctx context.Context, cfg BootConfig) (*Process, error)
	// Terminate kills the guest without a graceful shutdown. Calling it
	// again on the same handle is a no-op.
	Terminate(p *Process) error
}

// RandomMAC returns a MAC address under the 00:16:3e prefix. The fourth
// octet is kept below 0x80.
func RandomMAC() (string, error) {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Join(err, ErrGenerateMAC)
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, buf[0]&0x7f, buf[1], buf[2]), nil
}

func terminate(p *Process) error {
	if p == nil {
		return nil
	}
	if err := p.terminate(); err != nil {
		return fmt.Errorf("%w: %s (pid %d): %v", ErrTerminate, p.Name, p.PID, err)
	}
	return nil
}
