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

package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	ErrConnNil         = errors.New("libvirt connection is nil")
	ErrNetworkNotFound = errors.New("libvirt network not found")
	ErrNoIPv4Network   = errors.New("libvirt network has no IPv4 address")
)

// DefaultLibvirtNetwork is the NAT network libvirt defines on install.
const DefaultLibvirtNetwork = "default"

// LibvirtLeaseScanner implements Scanner and MACResolver with the DHCP
// leases libvirt tracks for one of its networks.
type LibvirtLeaseScanner struct {
	conn    *libvirt.Connect
	network string
}

func NewLibvirtLeaseScanner(conn *libvirt.Connect, network string) *LibvirtLeaseScanner {
	if network == "" {
		network = DefaultLibvirtNetwork
	}
	return &LibvirtLeaseScanner{
		conn:    conn,
		network: network,
	}
}

// Scan implements Scanner.
func (s *LibvirtLeaseScanner) Scan(ctx context.Context) (AddressSet, error) {
	leases, err := s.leases(ctx)
	if err != nil {
		return nil, err
	}
	set := NewAddressSet()
	for _, l := range leases {
		set.Add(l.IP)
	}
	return set, nil
}

// ResolveMAC implements MACResolver.
func (s *LibvirtLeaseScanner) ResolveMAC(ctx context.Context, mac string) (string, error) {
	leases, err := s.leases(ctx)
	if err != nil {
		return "", err
	}
	return resolveMAC(leases, mac)
}

// CIDR returns the IPv4 subnet configured on the network.
func (s *LibvirtLeaseScanner) CIDR(ctx context.Context) (string, error) {
	network, err := s.lookup(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = network.Free() }()

	xmlDesc, err := network.GetXMLDesc(0)
	if err != nil {
		return "", fmt.Errorf("failed to get network XML: %v", err)
	}
	return NetworkCIDR(xmlDesc)
}

func (s *LibvirtLeaseScanner) leases(ctx context.Context) ([]Lease, error) {
	network, err := s.lookup(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = network.Free() }()

	dhcp, err := network.GetDHCPLeases()
	if err != nil {
		return nil, fmt.Errorf("%w: reading DHCP leases of %q: %v", ErrScan, s.network, err)
	}

	leases := make([]Lease, 0, len(dhcp))
	for _, l := range dhcp {
		if l.Type != libvirt.IP_ADDR_TYPE_IPV4 {
			continue
		}
		leases = append(leases, Lease{
			Expiry:   l.ExpiryTime,
			MAC:      strings.ToLower(l.Mac),
			IP:       l.IPaddr,
			Hostname: l.Hostname,
		})
	}
	return leases, nil
}

func (s *LibvirtLeaseScanner) lookup(ctx context.Context) (*libvirt.Network, error) {
	if s.conn == nil {
		return nil, ErrConnNil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	network, err := s.conn.LookupNetworkByName(s.network)
	if err != nil {
		libvirtErr, ok := err.(libvirt.Error)
		if ok && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, fmt.Errorf("%w: %s", ErrNetworkNotFound, s.network)
		}
		return nil, fmt.Errorf("%w: %v", ErrScan, err)
	}
	return network, nil
}

// NetworkCIDR extracts the first IPv4 subnet from a libvirt network XML
// description.
func NetworkCIDR(xmlDesc string) (string, error) {
	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return "", fmt.Errorf("failed to parse network XML: %v", err)
	}

	for _, ip := range networkXML.IPs {
		if ip.Family != "" && ip.Family != "ipv4" {
			continue
		}
		addr, err := netip.ParseAddr(ip.Address)
		if err != nil || !addr.Is4() {
			continue
		}

		bits := int(ip.Prefix)
		if bits == 0 && ip.Netmask != "" {
			mask := net.ParseIP(ip.Netmask).To4()
			if mask == nil {
				return "", fmt.Errorf("invalid netmask %q", ip.Netmask)
			}
			bits, _ = net.IPMask(mask).Size()
		}
		if bits == 0 {
			bits = 24
		}

		return netip.PrefixFrom(addr, bits).Masked().String(), nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoIPv4Network, networkXML.Name)
}
