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
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

const defaultLibvirtNetwork = "default"

// Libvirt implements Hypervisor with transient libvirt domains. A transient
// domain disappears from libvirt once destroyed, so nothing is left to
// undefine.
type Libvirt struct {
	conn *libvirt.Connect
}

func NewLibvirt(conn *libvirt.Connect) *Libvirt {
	return &Libvirt{conn: conn}
}

// Boot implements Hypervisor. BootConfig.Bridge names the libvirt network.
func (l *Libvirt) Boot(ctx context.Context, cfg BootConfig) (*Process, error) {
	if l.conn == nil {
		return nil, fmt.Errorf("%w: libvirt connection is nil", ErrBoot)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if cfg.Bridge == "" {
		cfg.Bridge = defaultLibvirtNetwork
	}
	if cfg.Name == "" {
		cfg.Name = "tunir-" + uuid.NewString()[:8]
	}

	domainXML, err := DomainXML(cfg)
	if err != nil {
		return nil, err
	}

	dom, err := l.conn.DomainCreateXML(domainXML, libvirt.DOMAIN_NONE)
	if err != nil {
		return nil, fmt.Errorf("%w: creating domain %s: %v", ErrBoot, cfg.Name, err)
	}

	id, err := dom.GetID()
	if err != nil {
		_ = dom.Destroy()
		_ = dom.Free()
		return nil, fmt.Errorf("%w: reading domain ID of %s: %v", ErrBoot, cfg.Name, err)
	}

	p := &Process{
		PID:  int(id),
		MAC:  cfg.MAC,
		Name: cfg.Name,
		kill: func() error {
			defer func() { _ = dom.Free() }()
			if err := dom.Destroy(); err != nil {
				if lerr, ok := err.(libvirt.Error); ok && lerr.Code == libvirt.ERR_NO_DOMAIN {
					return nil
				}
				return err
			}
			return nil
		},
	}

	slog.Info("booted guest", "name", cfg.Name, "domainID", id, "mac", cfg.MAC, "network", cfg.Bridge)
	return p, nil
}

// Terminate implements Hypervisor.
func (l *Libvirt) Terminate(p *Process) error {
	return terminate(p)
}

// DomainXML renders the libvirt domain for cfg: the image and the seed as
// virtio disks and one virtio NIC on the network cfg.Bridge.
func DomainXML(cfg BootConfig) (string, error) {
	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(cfg.MemoryMB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(cfg.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				virtioDisk(cfg.Image, "vda", "qcow2"),
				virtioDisk(cfg.Seed, "vdb", "raw"),
			},
			Interfaces: []libvirtxml.DomainInterface{
				{
					Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
					MAC:   &libvirtxml.DomainInterfaceMAC{Address: cfg.MAC},
					Source: &libvirtxml.DomainInterfaceSource{
						Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: cfg.Bridge},
					},
				},
			},
			Serials: []libvirtxml.DomainSerial{
				{
					Source: consoleSource(cfg.ConsoleLog),
					Target: &libvirtxml.DomainSerialTarget{Port: ptr(uint(0))},
				},
			},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: marshal domain XML: %v", ErrInvalidBoot, err)
	}
	return out, nil
}

func virtioDisk(path, dev, format string) libvirtxml.DomainDisk {
	return libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: format},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{File: path},
		},
		Target: &libvirtxml.DomainDiskTarget{Dev: dev, Bus: "virtio"},
	}
}

func consoleSource(logPath string) *libvirtxml.DomainChardevSource {
	if logPath == "" {
		return &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}}
	}
	return &libvirtxml.DomainChardevSource{File: &libvirtxml.DomainChardevSourceFile{Path: logPath}}
}

func ptr[T any](v T) *T {
	return &v
}
