// Package netutil picks the address a server advertises to discovering clients
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// ErrNoUsableInterface is returned when no interface has a usable IPv4 address
var ErrNoUsableInterface = errors.New("no usable network interface")

// Interface is the subset of net.Interface used for address selection
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// AdvertiseAddr returns the first IPv4 address of the first interface that is up
// and not a loopback.
func AdvertiseAddr() (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	candidates := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		candidates = append(candidates, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return SelectIPv4(candidates)
}

// SelectIPv4 applies the advertise policy to a list of interfaces
func SelectIPv4(ifaces []Interface) (netip.Addr, error) {
	if len(ifaces) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: no network interfaces found", ErrNoUsableInterface)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		for _, a := range iface.Addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			addr, ok := netip.AddrFromSlice(ip.To4())
			if !ok || addr.IsLoopback() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
				continue
			}
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: no operational non-loopback IPv4 address", ErrNoUsableInterface)
}
