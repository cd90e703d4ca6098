package discovery

import (
	"fmt"
	"net"
	"strings"

	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// LocalHubIP returns the first non-loopback IPv4 address of an up
// interface. The scan prefix is derived from it when no hub IP is
// configured.
func LocalHubIP() (string, error) {
	ifaces, err := gopsnet.Interfaces()
	if err != nil {
		return "", fmt.Errorf("discovery: listing interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if !hasFlag(ifc.Flags, "up") || hasFlag(ifc.Flags, "loopback") {
			continue
		}
		for _, addr := range ifc.Addrs {
			ip := addr.Addr
			if i := strings.IndexByte(ip, '/'); i >= 0 {
				ip = ip[:i]
			}
			parsed := net.ParseIP(ip)
			if parsed == nil || parsed.To4() == nil || parsed.IsLoopback() {
				continue
			}
			return ip, nil
		}
	}
	return "", fmt.Errorf("discovery: no usable IPv4 interface found")
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
