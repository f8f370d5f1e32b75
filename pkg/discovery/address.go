package discovery

import (
	"net"
	"sort"
)

// SortIPsByPreference orders addresses for dialing an accessory stream:
//  1. IPv4 addresses (emulators and bridges sit on the local network)
//  2. Global IPv6 unicast
//  3. Unique Local Addresses (ULA, fc00::/7)
//  4. Everything else
//
// Link-local IPv6 is placed last because the resolver drops the zone that
// dialing it requires.
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}

	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)

	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})

	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	ip = ip.To16()
	if ip == nil {
		return 99
	}

	if ip4 := ip.To4(); ip4 != nil {
		if ip4.IsLoopback() {
			return 80
		}
		return 0
	}

	switch {
	case ip.IsLoopback():
		return 80
	case ip.IsMulticast():
		return 90
	case isUniqueLocal(ip):
		return 2
	case ip.IsLinkLocalUnicast():
		return 50
	case ip.IsGlobalUnicast():
		return 1
	}
	return 10
}

// isUniqueLocal returns true if the IP is an IPv6 Unique Local Address (ULA).
// ULA range: fc00::/7 (fc00:: to fdff::)
func isUniqueLocal(ip net.IP) bool {
	ip = ip.To16()
	if ip == nil {
		return false
	}
	return ip[0] == 0xfc || ip[0] == 0xfd
}
