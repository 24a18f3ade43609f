package streamreactor

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	SchemeTCP = "tcp"
	SchemeIPC = "ipc"
)

const bindAllHost = "*"

// Endpoint is a parsed "<scheme>://<host>:<port>[:<protocol>]" or
// "ipc://<path>[:<protocol>]" string.
type Endpoint struct {
	Raw      string
	Scheme   string
	Host     string
	Port     int
	Path     string
	Protocol string
}

func ParseEndpoint(endpoint string) (Endpoint, error) {
	ep := Endpoint{Raw: endpoint}
	idx := strings.Index(endpoint, "://")
	if idx <= 0 {
		return ep, errors.Wrapf(ErrInvalidEndpoint, "missing scheme in %q", endpoint)
	}
	ep.Scheme = endpoint[:idx]
	rest := endpoint[idx+3:]
	switch ep.Scheme {
	case SchemeTCP:
		parts := strings.Split(rest, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return ep, errors.Wrapf(ErrInvalidEndpoint, "expected host:port[:protocol] in %q", endpoint)
		}
		if parts[0] == "" {
			return ep, errors.Wrapf(ErrInvalidEndpoint, "empty host in %q", endpoint)
		}
		port, err := strconv.Atoi(parts[1])
		if err != nil || port < 0 || port > 65535 {
			return ep, errors.Wrapf(ErrInvalidEndpoint, "bad port %q in %q", parts[1], endpoint)
		}
		ep.Host = parts[0]
		ep.Port = port
		if len(parts) == 3 {
			ep.Protocol = parts[2]
		}
	case SchemeIPC:
		path := rest
		if i := strings.LastIndex(rest, ":"); i >= 0 {
			path = rest[:i]
			ep.Protocol = rest[i+1:]
		}
		if path == "" {
			return ep, errors.Wrapf(ErrInvalidEndpoint, "empty path in %q", endpoint)
		}
		ep.Path = path
	default:
		return ep, errors.Wrapf(ErrInvalidEndpoint, "unsupported scheme %q", ep.Scheme)
	}
	if ep.Protocol == "" && strings.HasSuffix(rest, ":") {
		return ep, errors.Wrapf(ErrInvalidEndpoint, "empty protocol in %q", endpoint)
	}
	return ep, nil
}

func (ep Endpoint) addressFamily() int {
	if ep.Scheme == SchemeIPC {
		return unix.AF_UNIX
	}
	return unix.AF_INET
}

func (ep Endpoint) socketProtocol() int {
	if ep.Scheme == SchemeIPC {
		return 0
	}
	return unix.IPPROTO_TCP
}

// needsResolve reports whether the host is a name rather than an IPv4 literal.
func (ep Endpoint) needsResolve() bool {
	if ep.Scheme != SchemeTCP || ep.Host == bindAllHost {
		return false
	}
	return net.ParseIP(ep.Host).To4() == nil
}

func (ep Endpoint) sockaddr(ip net.IP) unix.Sockaddr {
	if ep.Scheme == SchemeIPC {
		return &unix.SockaddrUnix{Name: ep.Path}
	}
	sa := &unix.SockaddrInet4{Port: ep.Port}
	if ip4 := ip.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

// literalSockaddr builds the address for hosts that need no lookup. "*" maps to
// INADDR_ANY.
func (ep Endpoint) literalSockaddr() unix.Sockaddr {
	if ep.Scheme == SchemeIPC || ep.Host == bindAllHost {
		return ep.sockaddr(nil)
	}
	return ep.sockaddr(net.ParseIP(ep.Host))
}

func (ep Endpoint) String() string {
	return ep.Raw
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrUnix:
		return a.Name
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", sa)
}
