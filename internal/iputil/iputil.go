// Package iputil resolves the client address of HTTP requests that may arrive through proxies.
package iputil

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ParseCIDRs parses IP addresses and CIDR ranges. A bare address becomes a
// single-host network (/32 or /128).
func ParseCIDRs(cidrStrings []string) ([]*net.IPNet, error) {
	if len(cidrStrings) == 0 {
		return nil, nil
	}

	cidrs := make([]*net.IPNet, 0, len(cidrStrings))
	for _, cidrStr := range cidrStrings {
		if ip := net.ParseIP(cidrStr); ip != nil {
			bits := 128
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 32
			}
			cidrs = append(cidrs, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(cidrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR format: %s (%w)", cidrStr, err)
		}
		cidrs = append(cidrs, ipNet)
	}
	return cidrs, nil
}

// IsIPInAnyCIDR checks if the given IP address falls within any of the provided CIDR ranges.
func IsIPInAnyCIDR(ip net.IP, cidrs []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolver extracts client IPs, trusting forwarding headers only when the
// immediate peer is a trusted proxy.
type Resolver struct {
	trusted []*net.IPNet
	header  string
}

// NewResolver creates a Resolver. header names an optional single-value
// client IP header such as X-Real-IP or CF-Connecting-IP.
func NewResolver(trustedProxies []string, header string) (*Resolver, error) {
	trusted, err := ParseCIDRs(trustedProxies)
	if err != nil {
		return nil, err
	}
	return &Resolver{trusted: trusted, header: header}, nil
}

// ClientIP returns the client address for r. Order of precedence for requests
// from a trusted proxy: the configured header, then the right-most untrusted
// hop of X-Forwarded-For. Everything else falls back to RemoteAddr.
func (res *Resolver) ClientIP(r *http.Request) string {
	remote := remoteHost(r.RemoteAddr)
	if !res.isTrusted(remote) {
		return remote
	}

	if res.header != "" {
		if h := strings.TrimSpace(r.Header.Get(res.header)); net.ParseIP(h) != nil {
			return h
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		leftmost := ""
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				// Anything left of a malformed hop is client-controlled.
				break
			}
			leftmost = hop
			if !res.isTrusted(hop) {
				return hop
			}
		}
		if leftmost != "" {
			return leftmost
		}
	}
	return remote
}

func (res *Resolver) isTrusted(addr string) bool {
	return IsIPInAnyCIDR(net.ParseIP(addr), res.trusted)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
