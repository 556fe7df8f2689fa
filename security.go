package openmcp

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// SecurityPolicy guards an HTTP transport against DNS-rebinding attacks by
// validating the Host and Origin headers of every request. The zero value
// disables the guard; DefaultSecurityPolicy enables it with loopback-only
// allow-lists.
type SecurityPolicy struct {
	// DNSRebindingProtection turns the header checks on.
	DNSRebindingProtection bool

	// AllowedHosts lists host[:port] patterns admitted in the Host header.
	// A port of "*" (or a bare host) matches any port.
	AllowedHosts []string

	// AllowedOrigins lists full origin URIs admitted in the Origin header,
	// in addition to origins whose host passes AllowedHosts.
	AllowedOrigins []string
}

// DefaultSecurityPolicy admits loopback addresses only.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		DNSRebindingProtection: true,
		AllowedHosts:           []string{"127.0.0.1:*", "localhost:*", "[::1]:*"},
	}
}

// Check validates the request's Host and Origin headers against the policy.
func (p SecurityPolicy) Check(r *http.Request) error {
	if !p.DNSRebindingProtection {
		return nil
	}

	if !p.hostAllowed(r.Host) {
		return fmt.Errorf("host %q is not allowed", r.Host)
	}

	if origin := r.Header.Get("Origin"); origin != "" && !p.originAllowed(origin) {
		return fmt.Errorf("origin %q is not allowed", origin)
	}
	return nil
}

// Middleware rejects requests failing the policy with 403 before they reach
// the next handler.
func (p SecurityPolicy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := p.Check(r); err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p SecurityPolicy) hostAllowed(hostport string) bool {
	host, port := splitHostPort(hostport)

	for _, pattern := range p.AllowedHosts {
		allowedHost, allowedPort := splitHostPort(pattern)
		if !strings.EqualFold(host, allowedHost) {
			continue
		}
		if allowedPort == "*" || allowedPort == "" || allowedPort == port {
			return true
		}
	}
	return false
}

func (p SecurityPolicy) originAllowed(origin string) bool {
	for _, allowed := range p.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(origin, "/"), strings.TrimSuffix(allowed, "/")) {
			return true
		}
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return p.hostAllowed(u.Host)
}

// splitHostPort tolerates a missing port, unlike net.SplitHostPort.
func splitHostPort(hostport string) (host, port string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return strings.Trim(hostport, "[]"), ""
	}
	return strings.Trim(host, "[]"), port
}
