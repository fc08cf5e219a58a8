// Package netio provides the kernel-facing half of the runtime: the wakeup
// primitive, raw sockets, the non-blocking socket adapter and guarded page
// buffers. Higher layers (HTTP, WebSocket) are pure listeners on top.
package netio

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/teranos/loom/errors"
)

// SockFamily selects the socket address family.
type SockFamily int

const (
	FamilyUnspec SockFamily = iota
	FamilyUnix
	FamilyInet
	FamilyInet6
)

// SockType selects the socket semantics.
type SockType int

const (
	TypeStream SockType = iota
	TypeDgram
	TypeSeqPacket
)

func (f SockFamily) String() string {
	switch f {
	case FamilyUnix:
		return "unix"
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	}
	return "unspec"
}

// SockFamilyOf guesses the family from the address syntax: a leading '@' is
// an abstract unix socket, '[' starts an inet6 literal, a trailing ':NNNN'
// selects inet, anything else is a filesystem unix socket.
func SockFamilyOf(addr string) SockFamily {
	if addr == "" {
		return FamilyUnspec
	}
	if addr[0] == '@' {
		return FamilyUnix
	}
	if addr[0] == '[' {
		return FamilyInet6
	}
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		if _, err := strconv.Atoi(addr[i+1:]); err == nil {
			return FamilyInet
		}
	}
	return FamilyUnix
}

func rawFamily(f SockFamily) int {
	switch f {
	case FamilyUnix:
		return unix.AF_UNIX
	case FamilyInet:
		return unix.AF_INET
	case FamilyInet6:
		return unix.AF_INET6
	}
	return unix.AF_UNSPEC
}

func rawType(t SockType) int {
	switch t {
	case TypeDgram:
		return unix.SOCK_DGRAM
	case TypeSeqPacket:
		return unix.SOCK_SEQPACKET
	}
	return unix.SOCK_STREAM
}

// maxUnixPath is sizeof(sun_path); one byte is reserved for the trailing NUL
// of filesystem sockets.
const maxUnixPath = 108

// makeSockaddr resolves an address string into a bindable/connectable
// sockaddr. Inet hosts go through the OS resolver, so hostnames work as well
// as literals.
func makeSockaddr(family SockFamily, name string) (unix.Sockaddr, error) {
	switch family {
	case FamilyUnix:
		if len(name)+1 > maxUnixPath {
			return nil, errors.Wrapf(errors.ErrNameTooLong, "unix socket name %q", name)
		}
		// x/sys translates a leading '@' into the abstract-namespace NUL.
		return &unix.SockaddrUnix{Name: name}, nil

	case FamilyInet:
		host, port, err := splitHostPort(name)
		if err != nil {
			return nil, err
		}
		ip, err := resolveIP(host, false)
		if err != nil {
			return nil, err
		}
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip.To4())
		return sa, nil

	case FamilyInet6:
		if !strings.HasPrefix(name, "[") {
			return nil, errors.Wrapf(errors.ErrAddressUnusable, "inet6 address %q must be [host]:port", name)
		}
		end := strings.IndexByte(name, ']')
		if end < 0 || end+1 >= len(name) || name[end+1] != ':' {
			return nil, errors.Wrapf(errors.ErrAddressUnusable, "inet6 address %q must be [host]:port", name)
		}
		port, err := strconv.Atoi(name[end+2:])
		if err != nil || port < 0 || port > 65535 {
			return nil, errors.Wrapf(errors.ErrAddressUnusable, "bad port in %q", name)
		}
		ip, err := resolveIP(name[1:end], true)
		if err != nil {
			return nil, err
		}
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip.To16())
		return sa, nil
	}
	return nil, errors.Wrapf(errors.ErrAddressUnusable, "family %s", family)
}

func splitHostPort(name string) (string, int, error) {
	i := strings.LastIndexByte(name, ':')
	if i < 0 {
		return "", 0, errors.Wrapf(errors.ErrAddressUnusable, "address %q missing port", name)
	}
	port, err := strconv.Atoi(name[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return "", 0, errors.Wrapf(errors.ErrAddressUnusable, "bad port in %q", name)
	}
	return name[:i], port, nil
}

// resolveIP resolves a literal or hostname to a single address of the wanted
// family via the OS resolver.
func resolveIP(host string, v6 bool) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !v6 && ip.To4() == nil {
			return nil, errors.Wrapf(errors.ErrAddressUnusable, "%q is not an IPv4 address", host)
		}
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrAddressUnusable, "resolving %q", host)
	}
	for _, ip := range ips {
		if v6 && ip.To4() == nil {
			return ip, nil
		}
		if !v6 && ip.To4() != nil {
			return ip, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrAddressUnusable, "no %s address for %q",
		map[bool]string{true: "IPv6", false: "IPv4"}[v6], host)
}

// formatSockaddr renders a sockaddr the way the rest of the stack consumes
// addresses: '@name' for abstract unix, 'host:port', '[host]:port'.
func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrUnix:
		return a.Name
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	}
	return ""
}
