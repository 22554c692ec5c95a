package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds the proxies whose forwarding headers are trusted.
type IPConfig struct {
	trusted []netip.Prefix
}

// NewIPConfig parses CIDR ranges of trusted proxies. Invalid entries are
// skipped and returned so the caller can log them.
func NewIPConfig(cidrs []string) (*IPConfig, []string) {
	cfg := &IPConfig{}
	var invalid []string
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			invalid = append(invalid, c)
			continue
		}
		cfg.trusted = append(cfg.trusted, p.Masked())
	}
	return cfg, invalid
}

// ExtractClientIP returns the address rate limits and lockouts are keyed on.
//
// Forwarding headers are only read when the direct peer is a trusted proxy.
// X-Forwarded-For is walked right to left and the first hop that is not
// itself a trusted proxy wins, so a client cannot choose its own address by
// prepending entries. X-Real-IP is used when X-Forwarded-For yields nothing.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := getRemoteAddr(r)

	if config == nil || !config.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			addr, err := netip.ParseAddr(hop)
			if err != nil {
				break
			}
			if !config.isTrusted(hop) {
				return addr.Unmap().String()
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}

	return remoteIP
}

func getRemoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

func (c *IPConfig) isTrusted(ip string) bool {
	if len(c.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
