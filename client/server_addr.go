package main

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultServerPort = "26000"

// ServerURI is a parsed "vci://host[:port][/password]" connection string
//.").
type ServerURI struct {
	HostPort string // canonical "host:port", ready for net.Dial
	Password string // empty means no session password
}

// ParseServerURI accepts a bare host, host:port, or a full "vci://" URI and
// returns the canonical dial target plus any embedded session password.
func ParseServerURI(raw string) (ServerURI, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ServerURI{}, fmt.Errorf("server address is required")
	}

	password := ""
	hostPart := s

	if strings.HasPrefix(s, "vci://") {
		rest := strings.TrimPrefix(s, "vci://")
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			password = rest[i+1:]
			rest = rest[:i]
		}
		hostPart = rest
	} else if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ServerURI{}, fmt.Errorf("invalid server address: %w", err)
		}
		if u.Host == "" {
			return ServerURI{}, fmt.Errorf("invalid server address: missing host")
		}
		hostPart = u.Host
		password = strings.TrimPrefix(u.Path, "/")
	}

	hostPort, err := normalizeHostPort(hostPart)
	if err != nil {
		return ServerURI{}, err
	}
	return ServerURI{HostPort: hostPort, Password: password}, nil
}

// normalizeHostPort fills in the default port and validates the result.
func normalizeHostPort(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("invalid server address: missing host")
	}

	host := s
	port := defaultServerPort

	if h, p, err := net.SplitHostPort(s); err == nil {
		host = h
		port = p
	} else if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ":") {
		// Raw IPv6 without brackets: host-only, default port.
		host = s
	} else if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		host = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	} else if strings.Contains(s, ":") {
		return "", fmt.Errorf("invalid server address: %q", s)
	}

	if host == "" {
		return "", fmt.Errorf("invalid server address: missing host")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("invalid server port: %q", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(n)), nil
}
