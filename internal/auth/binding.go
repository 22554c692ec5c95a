package auth

import (
	"net/netip"

	"github.com/safetyworks/sitecore/internal/models"
)

// Prefix lengths treated as "the same network" at the standard level.
const (
	ipv4NetworkBits = 24
	ipv6NetworkBits = 64
)

// clientMatches reports whether a request from ip/fingerprint may use a
// session that was bound to sess, under the given level.
func clientMatches(level models.SecurityLevel, sess *models.Session, ip, fingerprint string) bool {
	switch level {
	case models.SecurityRelaxed:
		return true
	case models.SecurityStrict:
		return sess.DeviceFingerprint == fingerprint && sameAddress(sess.IPAddress, ip)
	default:
		return sess.DeviceFingerprint == fingerprint && SameNetwork(sess.IPAddress, ip)
	}
}

func sameAddress(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return pa.Unmap() == pb.Unmap()
}

// SameNetwork reports whether two addresses share a /24 (IPv4) or /64 (IPv6)
// prefix. Unparseable addresses only match themselves.
func SameNetwork(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a == b
	}
	pa, pb = pa.Unmap(), pb.Unmap()
	if pa.Is4() != pb.Is4() {
		return false
	}

	bits := ipv6NetworkBits
	if pa.Is4() {
		bits = ipv4NetworkBits
	}
	na, _ := pa.Prefix(bits)
	nb, _ := pb.Prefix(bits)
	return na == nb
}
