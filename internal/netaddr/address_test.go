package netaddr_test

import (
	"testing"

	"github.com/mjansson/network-lib-sub000/internal/netaddr"
)

func TestParseFormatRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"ipv4_bare", "192.0.2.1", "192.0.2.1"},
		{"ipv4_port", "192.0.2.1:8080", "192.0.2.1:8080"},
		{"ipv6_bare", "2001:db8::1", "2001:db8::1"},
		{"ipv6_bracket_port", "[2001:db8::1]:8080", "[2001:db8::1]:8080"},
		{"ipv4_loopback", "127.0.0.1", "127.0.0.1"},
		{"ipv6_loopback", "::1", "::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addrs, err := netaddr.Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.text, err)
			}
			if len(addrs) != 1 {
				t.Fatalf("Parse(%q) = %d addresses, want 1", tt.text, len(addrs))
			}

			got := netaddr.Format(addrs[0], true)
			if got != tt.want {
				t.Errorf("Format(Parse(%q)) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestParsePortOnly(t *testing.T) {
	t.Parallel()

	addrs, err := netaddr.Parse("8080")
	if err != nil {
		t.Fatalf("Parse(\"8080\"): %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("Parse(\"8080\") = %d addresses, want 2", len(addrs))
	}
	for _, a := range addrs {
		if a.Port() != 8080 {
			t.Errorf("Port() = %d, want 8080", a.Port())
		}
	}
}

func TestParseEmptyInput(t *testing.T) {
	t.Parallel()

	_, err := netaddr.Parse("")
	if err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestFormatNullAddress(t *testing.T) {
	t.Parallel()

	var zero netaddr.Address
	if got := netaddr.Format(zero, true); got != "<null>" {
		t.Errorf("Format(zero) = %q, want %q", got, "<null>")
	}
	if got := zero.String(); got != "<null>" {
		t.Errorf("String() = %q, want %q", got, "<null>")
	}
}

func TestCloneIndependence(t *testing.T) {
	t.Parallel()

	addrs, err := netaddr.Parse("192.0.2.1:53")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	original := addrs[0]
	clone := netaddr.Clone(original)
	clone = clone.SetPort(9999)

	if original.Port() != 53 {
		t.Errorf("original.Port() = %d, want 53 (mutated via clone)", original.Port())
	}
	if clone.Port() != 9999 {
		t.Errorf("clone.Port() = %d, want 9999", clone.Port())
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	a, err := netaddr.Parse("192.0.2.1:53")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := netaddr.Parse("192.0.2.1:53")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := netaddr.Parse("192.0.2.2:53")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !netaddr.Equal(a[0], b[0]) {
		t.Error("Equal(a, b) = false, want true")
	}
	if netaddr.Equal(a[0], c[0]) {
		t.Error("Equal(a, c) = true, want false")
	}

	var zeroA, zeroB netaddr.Address
	if !netaddr.Equal(zeroA, zeroB) {
		t.Error("Equal(zero, zero) = false, want true")
	}
}

func TestFamilyTagging(t *testing.T) {
	t.Parallel()

	v4, err := netaddr.Parse("192.0.2.1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v4[0].Family() != netaddr.FamilyIPv4 {
		t.Errorf("Family() = %v, want %v", v4[0].Family(), netaddr.FamilyIPv4)
	}

	v6, err := netaddr.Parse("2001:db8::1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v6[0].Family() != netaddr.FamilyIPv6 {
		t.Errorf("Family() = %v, want %v", v6[0].Family(), netaddr.FamilyIPv6)
	}
}

func TestLocalExcludesLinkLocalWithoutScope(t *testing.T) {
	t.Parallel()

	addrs, err := netaddr.Local()
	if err != nil {
		t.Fatalf("Local(): %v", err)
	}

	for _, a := range addrs {
		if a.Family() != netaddr.FamilyIPv6 {
			continue
		}
		ip := a.NetipAddr()
		if ip.IsLinkLocalUnicast() && ip.Zone() == "" && !ip.IsLoopback() {
			t.Errorf("Local() returned link-local address %v without a scope id", a)
		}
	}
}

func TestIPv4AnyIPv6Any(t *testing.T) {
	t.Parallel()

	v4 := netaddr.IPv4Any(53)
	if v4.Family() != netaddr.FamilyIPv4 || v4.Port() != 53 {
		t.Errorf("IPv4Any(53) = %+v, want family ipv4 port 53", v4)
	}

	v6 := netaddr.IPv6Any(53)
	if v6.Family() != netaddr.FamilyIPv6 || v6.Port() != 53 {
		t.Errorf("IPv6Any(53) = %+v, want family ipv6 port 53", v6)
	}
}
