package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSameNetwork(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"192.0.2.10", "192.0.2.200", true},
		{"192.0.2.10", "192.0.3.10", false},
		{"::ffff:192.0.2.10", "192.0.2.11", true},
		{"2001:db8:1:2::1", "2001:db8:1:2:ffff::9", true},
		{"2001:db8:1:2::1", "2001:db8:1:3::1", false},
		{"192.0.2.10", "2001:db8::1", false},
		{"unknown", "unknown", true},
		{"unknown", "192.0.2.10", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SameNetwork(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestDeviceFingerprint_NormalisesWhitespaceAndCase(t *testing.T) {
	a := DeviceFingerprint("Mozilla/5.0  (X11; Linux)")
	b := DeviceFingerprint("mozilla/5.0 (x11; linux) ")
	c := DeviceFingerprint("curl/8.5.0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
