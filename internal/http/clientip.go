package httpx

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/threat-thinker/ttserve/config"
)

// ClientIPResolver derives the client address, honouring X-Forwarded-For and
// X-Real-IP only when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trustHeaders bool
	proxies      []netip.Prefix
}

// NewClientIPResolver parses the trusted proxy list. With header trust on and
// an empty list, every peer is trusted.
func NewClientIPResolver(cfg config.ClientIPConfig) (*ClientIPResolver, error) {
	proxies, err := cfg.Prefixes()
	if err != nil {
		return nil, err
	}
	return &ClientIPResolver{trustHeaders: cfg.TrustProxyHeaders, proxies: proxies}, nil
}

// Resolve returns the client IP for r, or "" when it cannot be determined.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if c == nil || !c.trustPeer(peer) {
		return peer
	}
	if ip := firstValidIP(r.Header.Get("X-Forwarded-For")); ip != "" {
		return ip
	}
	if ip := firstValidIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func (c *ClientIPResolver) trustPeer(peer string) bool {
	if !c.trustHeaders || peer == "" {
		return false
	}
	if len(c.proxies) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func firstValidIP(value string) string {
	for _, part := range strings.Split(value, ",") {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if addr, err := netip.ParseAddr(candidate); err == nil {
			return addr.String()
		}
	}
	return ""
}
