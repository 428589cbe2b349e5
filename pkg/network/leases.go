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
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lease is one DHCP lease handed out to a guest.
type Lease struct {
	Expiry   time.Time // zero for infinite leases
	MAC      string
	IP       string
	Hostname string
}

// ParseLeases reads the dnsmasq lease file format:
//
//	<expiry epoch> <mac> <ip> <hostname|*> <client-id|*>
//
// IPv6 entries and the "duid" line are skipped.
func ParseLeases(r io.Reader) ([]Lease, error) {
	var leases []Lease

	scanner := bufio.NewScanner(r)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] == "duid" {
			continue
		}
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: malformed lease on line %d", ErrScan, lineNo)
		}

		ip := net.ParseIP(fields[2])
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid address %q on line %d", ErrScan, fields[2], lineNo)
		}
		if ip.To4() == nil {
			continue
		}

		epoch, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid expiry %q on line %d", ErrScan, fields[0], lineNo)
		}
		var expiry time.Time
		if epoch > 0 {
			expiry = time.Unix(epoch, 0)
		}

		hostname := fields[3]
		if hostname == "*" {
			hostname = ""
		}

		leases = append(leases, Lease{
			Expiry:   expiry,
			MAC:      strings.ToLower(fields[1]),
			IP:       fields[2],
			Hostname: hostname,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScan, err)
	}

	return leases, nil
}

// LeaseFileScanner implements Scanner and MACResolver on top of a dnsmasq
// lease file.
type LeaseFileScanner struct {
	path string
}

func NewLeaseFileScanner(path string) *LeaseFileScanner {
	return &LeaseFileScanner{path: path}
}

// Scan implements Scanner. A missing lease file yields an empty set.
func (s *LeaseFileScanner) Scan(ctx context.Context) (AddressSet, error) {
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
func (s *LeaseFileScanner) ResolveMAC(ctx context.Context, mac string) (string, error) {
	leases, err := s.leases(ctx)
	if err != nil {
		return "", err
	}
	return resolveMAC(leases, mac)
}

func (s *LeaseFileScanner) leases(ctx context.Context) ([]Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScan, err)
	}
	defer func() { _ = f.Close() }()
	return ParseLeases(f)
}

// resolveMAC returns the address of the latest lease matching mac.
func resolveMAC(leases []Lease, mac string) (string, error) {
	mac = strings.ToLower(mac)
	for i := len(leases) - 1; i >= 0; i-- {
		if leases[i].MAC == mac {
			return leases[i].IP, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrLeaseNotFound, mac)
}
