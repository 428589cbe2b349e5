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

package multihost

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

var ErrInvalidConfig = errors.New("invalid multihost configuration")

const (
	generalSection = "general"
	slotPrefix     = "vm"

	HypervisorQEMU    = "qemu"
	HypervisorLibvirt = "libvirt"

	DiskCopy    = "copy"
	DiskOverlay = "overlay"

	DefaultSettleTimeout = 5 * time.Minute
	DefaultReadyTimeout  = 5 * time.Minute
)

// General holds the [general] section.
type General struct {
	MemoryMB   int
	VCPUs      int
	Hypervisor string
	// Bridge is the host bridge qemu guests attach to.
	Bridge string
	// Network is the libvirt network libvirt guests attach to.
	Network string
	// CIDR is swept when neither lease source is configured.
	CIDR string
	// Leases is a dnsmasq lease file used instead of a ping sweep.
	Leases string
	Disk   string

	SettleTimeout time.Duration
	ReadyTimeout  time.Duration
}

// Slot is one [vmN] section.
type Slot struct {
	Name  string
	Image string
	User  string
}

// Config is a parsed multihost configuration. Slots keep the order of
// their sections.
type Config struct {
	General General
	Slots   []Slot
}

// LoadConfig reads the INI file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates an INI document.
func ParseConfig(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if !file.HasSection(generalSection) {
		return nil, fmt.Errorf("%w: missing [%s] section", ErrInvalidConfig, generalSection)
	}
	general, err := parseGeneral(file.Section(generalSection))
	if err != nil {
		return nil, err
	}

	cfg := &Config{General: general}
	for _, sec := range file.Sections() {
		if !strings.HasPrefix(sec.Name(), slotPrefix) {
			continue
		}
		cfg.Slots = append(cfg.Slots, Slot{
			Name:  sec.Name(),
			Image: sec.Key("image").String(),
			User:  sec.Key("user").String(),
		})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseGeneral(sec *ini.Section) (General, error) {
	g := General{
		Hypervisor:    strings.ToLower(sec.Key("hypervisor").MustString(HypervisorQEMU)),
		Bridge:        sec.Key("bridge").String(),
		Network:       sec.Key("network").String(),
		CIDR:          sec.Key("cidr").String(),
		Leases:        sec.Key("leases").String(),
		Disk:          strings.ToLower(sec.Key("disk").MustString(DiskCopy)),
		SettleTimeout: DefaultSettleTimeout,
		ReadyTimeout:  DefaultReadyTimeout,
	}

	intKeys := []struct {
		name string
		dst  *int
	}{
		{"ram", &g.MemoryMB},
		{"vcpu", &g.VCPUs},
	}
	for _, k := range intKeys {
		if !sec.HasKey(k.name) {
			continue
		}
		v, err := sec.Key(k.name).Int()
		if err != nil || v <= 0 {
			return General{}, fmt.Errorf("%w: [%s] %s must be a positive integer, got %q",
				ErrInvalidConfig, generalSection, k.name, sec.Key(k.name).String())
		}
		*k.dst = v
	}

	durationKeys := []struct {
		name string
		dst  *time.Duration
	}{
		{"settle_timeout", &g.SettleTimeout},
		{"ready_timeout", &g.ReadyTimeout},
	}
	for _, k := range durationKeys {
		if !sec.HasKey(k.name) {
			continue
		}
		seconds, err := sec.Key(k.name).Int()
		if err != nil || seconds <= 0 {
			return General{}, fmt.Errorf("%w: [%s] %s must be a positive number of seconds, got %q",
				ErrInvalidConfig, generalSection, k.name, sec.Key(k.name).String())
		}
		*k.dst = time.Duration(seconds) * time.Second
	}

	return g, nil
}

// Validate checks the constraints ParseConfig relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.General.MemoryMB <= 0 {
		errs = append(errs, fmt.Errorf("[%s] ram is required", generalSection))
	}
	switch c.General.Hypervisor {
	case HypervisorQEMU, HypervisorLibvirt:
	default:
		errs = append(errs, fmt.Errorf("[%s] unsupported hypervisor %q", generalSection, c.General.Hypervisor))
	}
	switch c.General.Disk {
	case DiskCopy, DiskOverlay:
	default:
		errs = append(errs, fmt.Errorf("[%s] unsupported disk mode %q", generalSection, c.General.Disk))
	}
	if len(c.Slots) == 0 {
		errs = append(errs, fmt.Errorf("no [%sN] section found", slotPrefix))
	}
	for _, s := range c.Slots {
		if s.Image == "" {
			errs = append(errs, fmt.Errorf("[%s] image is required", s.Name))
		}
		if s.User == "" {
			errs = append(errs, fmt.Errorf("[%s] user is required", s.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// SlotNames returns the slot names in configuration order.
func (c *Config) SlotNames() []string {
	names := make([]string, 0, len(c.Slots))
	for _, s := range c.Slots {
		names = append(names, s.Name)
	}
	return names
}

// Users returns the distinct login users of all slots.
func (c *Config) Users() []string {
	seen := make(map[string]struct{})
	var users []string
	for _, s := range c.Slots {
		if _, ok := seen[s.User]; ok {
			continue
		}
		seen[s.User] = struct{}{}
		users = append(users, s.User)
	}
	return users
}
