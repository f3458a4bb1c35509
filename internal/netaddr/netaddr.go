// Copyright (c) 2024 The Proactor Authors. All rights reserved.
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

// Package netaddr provides the address parsing, DNS resolution, and
// sockaddr introspection helpers the connection and listener state
// machines need. It is the Go-idiomatic stand-in for getaddrinfo /
// getnameinfo / getsockname / getpeername.
package netaddr

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	perrors "github.com/go-proactor/proactor/pkg/errors"
)

// DefaultPort is used when an address omits a port.
const DefaultPort = "5672"

// ParseHostPort splits addr into host and port, defaulting the port to
// DefaultPort when omitted. It accepts bracketed IPv6 literals
// ("[::1]:5672") and bare hostnames ("broker:5672" or "broker").
func ParseHostPort(addr string) (host, port string, err error) {
	if addr == "" {
		return "", "", fmt.Errorf("%w: empty address", perrors.ErrInvalidAddress)
	}
	host, port, err = net.SplitHostPort(addr)
	if err != nil {
		// No port supplied at all — treat the whole string as host.
		if ae, ok := err.(*net.AddrError); ok && strings.Contains(ae.Err, "missing port") {
			return addr, DefaultPort, nil
		}
		return "", "", fmt.Errorf("%w: %q: %v", perrors.ErrInvalidAddress, addr, err)
	}
	if port == "" {
		port = DefaultPort
	}
	return host, port, nil
}

// Resolve is the Go-idiomatic equivalent of getaddrinfo(host, port,
// AF_UNSPEC, SOCK_STREAM, AI_V4MAPPED|AI_ADDRCONFIG[|AI_PASSIVE|AI_ALL]):
// it returns every usable resolved address as host:port strings, ready to
// be dialed or bound in order. There is no passive flag: an empty host
// always resolves to the IPv4 and IPv6 wildcard addresses, mirroring
// AI_PASSIVE (which is what Listen relies on for a host-less address).
func Resolve(ctx context.Context, host, port string) ([]string, error) {
	if host == "" {
		// AI_PASSIVE behavior: bind to all addresses.
		return []string{net.JoinHostPort("0.0.0.0", port), net.JoinHostPort("::", port)}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return []string{net.JoinHostPort(host, port)}, nil
	}

	resolver := net.DefaultResolver
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("netaddr: lookup %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("netaddr: no addresses found for %q", host)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, net.JoinHostPort(a.IP.String(), port))
	}
	return out, nil
}

// SockaddrString renders a raw unix.Sockaddr the way getnameinfo with
// NI_NUMERICHOST|NI_NUMERICSERV would: "host:port", numeric only, never
// performing a reverse DNS lookup.
func SockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return net.JoinHostPort(ip.String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		host := ip.String()
		if a.ZoneId != 0 {
			host = fmt.Sprintf("%s%%%d", host, a.ZoneId)
		}
		return net.JoinHostPort(host, strconv.Itoa(a.Port))
	default:
		return ""
	}
}

// LocalAddr is the Go equivalent of getsockname + pn_netaddr_str.
func LocalAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("netaddr: getsockname: %w", err)
	}
	return SockaddrString(sa), nil
}

// RemoteAddr is the Go equivalent of getpeername + pn_netaddr_str.
func RemoteAddr(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", fmt.Errorf("netaddr: getpeername: %w", err)
	}
	return SockaddrString(sa), nil
}

// ToSockaddr converts a resolved "host:port" string (as produced by
// Resolve) into a unix.Sockaddr suitable for connect/bind.
func ToSockaddr(hostport string) (unix.Sockaddr, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, 0, fmt.Errorf("netaddr: invalid address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("netaddr: invalid port %q: %w", portStr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, fmt.Errorf("netaddr: %q is not a literal IP", host)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}
