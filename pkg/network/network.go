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
	"slices"
	"strings"
)

var (
	ErrAmbiguousDiscovery = errors.New("ambiguous address discovery")
	ErrLeaseNotFound      = errors.New("no lease found for MAC address")
	ErrScan               = errors.New("failed to scan network")
)

// AddressSet is a set of IPv4 addresses in dotted notation.
type AddressSet map[string]struct{}

func NewAddressSet(addrs ...string) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s.Add(a)
	}
	return s
}

func (s AddressSet) Add(addr string) {
	s[addr] = struct{}{}
}

func (s AddressSet) Has(addr string) bool {
	_, ok := s[addr]
	return ok
}

// Sorted returns the members in ascending lexical order.
func (s AddressSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Difference returns the sorted members of s absent from other.
func (s AddressSet) Difference(other AddressSet) []string {
	out := make([]string, 0)
	for a := range s {
		if !other.Has(a) {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return out
}

// Scanner lists the addresses currently reachable on a network.
type Scanner interface {
	Scan(ctx context.Context) (AddressSet, error)
}

// MACResolver maps a MAC address to the IPv4 address leased to it.
// Implementations return ErrLeaseNotFound when no lease matches.
type MACResolver interface {
	ResolveMAC(ctx context.Context, mac string) (string, error)
}

// AmbiguityError is returned by DiscoverNew when the number of new
// addresses is not exactly one.
type AmbiguityError struct {
	Candidates []string
}

func (e *AmbiguityError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s: no new address appeared", ErrAmbiguousDiscovery)
	}
	return fmt.Sprintf("%s: %d new addresses appeared: %s",
		ErrAmbiguousDiscovery, len(e.Candidates), strings.Join(e.Candidates, ", "))
}

func (e *AmbiguityError) Unwrap() error {
	return ErrAmbiguousDiscovery
}

// DiscoverNew returns the only address present in after but not in before.
func DiscoverNew(before, after AddressSet) (string, error) {
	diff := after.Difference(before)
	if len(diff) != 1 {
		return "", &AmbiguityError{Candidates: diff}
	}
	return diff[0], nil
}
