package utils

import (
	"net"
)

// listInterfaces is swapped in tests.
var listInterfaces = net.Interfaces

// ActiveMulticastInterfaces returns all network interfaces that are up,
// multicast-capable, not loopback, and have an IPv4 address. mDNS queries
// are sent on each of them since the OS default interface may not be the
// one the Cast devices live on (VPN, Hyper-V, Docker, ...).
func ActiveMulticastInterfaces() []net.Interface {
	interfaces, err := listInterfaces()
	if err != nil {
		return nil
	}

	var active []net.Interface
	for _, iface := range interfaces {
		// Skip down, loopback, or non-multicast interfaces.
		if iface.Flags&net.FlagUp == 0 ||
			iface.Flags&net.FlagLoopback != 0 ||
			iface.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		if hasIPv4(addrs) {
			active = append(active, iface)
		}
	}

	return active
}

func hasIPv4(addrs []net.Addr) bool {
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			if ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				return true
			}
		}
	}
	return false
}
