package utils

import (
	"errors"
	"net"
	"testing"
)

func TestActiveMulticastInterfacesSkipsIneligible(t *testing.T) {
	orig := listInterfaces
	t.Cleanup(func() { listInterfaces = orig })

	listInterfaces = func() ([]net.Interface, error) {
		return []net.Interface{
			{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback | net.FlagMulticast},
			{Index: 2, Name: "eth-down", Flags: net.FlagMulticast},
			{Index: 3, Name: "tun0", Flags: net.FlagUp | net.FlagPointToPoint},
		}, nil
	}
	if got := ActiveMulticastInterfaces(); len(got) != 0 {
		t.Fatalf("ActiveMulticastInterfaces() = %v, want none", got)
	}

	listInterfaces = func() ([]net.Interface, error) { return nil, errors.New("no netlink") }
	if got := ActiveMulticastInterfaces(); got != nil {
		t.Fatalf("ActiveMulticastInterfaces() = %v, want nil", got)
	}
}

func TestHasIPv4(t *testing.T) {
	v4 := &net.IPNet{IP: net.ParseIP("192.168.1.10"), Mask: net.CIDRMask(24, 32)}
	v6 := &net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)}
	lo := &net.IPNet{IP: net.ParseIP("127.0.0.1"), Mask: net.CIDRMask(8, 32)}

	if !hasIPv4([]net.Addr{v6, v4}) {
		t.Fatalf("hasIPv4 missed a routable IPv4 address")
	}
	if hasIPv4([]net.Addr{v6, lo}) {
		t.Fatalf("hasIPv4 accepted loopback or IPv6 only")
	}
}
