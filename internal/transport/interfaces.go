package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// ProbeInterfaces returns interfaces that are up, support multicast and carry an
// IPv4 address. Non-loopback interfaces come first.
func ProbeInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var usable []net.Interface
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if !hasIPv4(ifi) {
			continue
		}
		usable = append(usable, ifi)
	}

	sort.SliceStable(usable, func(i, j int) bool {
		return usable[i].Flags&net.FlagLoopback == 0 && usable[j].Flags&net.FlagLoopback != 0
	})

	return usable, nil
}

// SelectInterface picks the named interface, or the first probed one when name is empty
func SelectInterface(name string) (*net.Interface, error) {
	if name != "" {
		ifi, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("interface %q: %w", name, err)
		}
		if !hasIPv4(*ifi) || ifi.Flags&net.FlagMulticast == 0 {
			return nil, fmt.Errorf("interface %q has no IPv4 multicast support", name)
		}
		return ifi, nil
	}

	usable, err := ProbeInterfaces()
	if err != nil {
		return nil, err
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("no interface supports IPv4 multicast")
	}
	return &usable[0], nil
}

func hasIPv4(ifi net.Interface) bool {
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
			return true
		}
	}
	return false
}

// localAddrCacheTTL bounds how long interface addresses are cached
const localAddrCacheTTL = 10 * time.Second

var localAddrs struct {
	mu      sync.Mutex
	set     map[netip.Addr]struct{}
	fetched time.Time
}

// IsLocalAddr reports whether addr is loopback, unspecified, or assigned to one of
// this machine's interfaces
func IsLocalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsUnspecified() {
		return true
	}

	localAddrs.mu.Lock()
	defer localAddrs.mu.Unlock()

	if localAddrs.set == nil || time.Since(localAddrs.fetched) > localAddrCacheTTL {
		localAddrs.set = interfaceAddrs()
		localAddrs.fetched = time.Now()
	}
	_, ok := localAddrs.set[addr]
	return ok
}

func interfaceAddrs() map[netip.Addr]struct{} {
	set := make(map[netip.Addr]struct{})
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return set
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if addr, ok := netip.AddrFromSlice(ipNet.IP); ok {
			set[addr.Unmap()] = struct{}{}
		}
	}
	return set
}

// PrimaryIPv4 returns the first non-loopback IPv4 address of this machine, if any
func PrimaryIPv4() (netip.Addr, bool) {
	usable, err := ProbeInterfaces()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, ifi := range usable {
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				if addr, ok := netip.AddrFromSlice(ipNet.IP.To4()); ok {
					return addr, true
				}
			}
		}
	}
	return netip.Addr{}, false
}
