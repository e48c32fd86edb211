package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

const (
	MDNSService = "_lanaudio._udp"
	MDNSDomain  = "local."
)

// MDNS advertises the control port over mDNS and browses for other nodes
type MDNS struct {
	server *zeroconf.Server
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// StartMDNS registers instance on port. When found is non-nil it also browses and
// calls found with the control address of every resolved entry.
func StartMDNS(instance string, port int, found func(netip.AddrPort), logger *slog.Logger) (*MDNS, error) {
	if logger == nil {
		logger = slog.Default()
	}

	server, err := zeroconf.Register(instance, MDNSService, MDNSDomain, port, []string{"proto=" + protocol.Magic}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &MDNS{
		server: server,
		cancel: cancel,
		logger: logger,
	}

	logger.Info("mDNS service registered",
		slog.String("instance", instance),
		slog.String("service", MDNSService),
		slog.Int("port", port),
	)

	if found != nil {
		if err := m.browse(ctx, found); err != nil {
			m.Stop()
			return nil, err
		}
	}
	return m, nil
}

func (m *MDNS) browse(ctx context.Context, found func(netip.AddrPort)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				for _, addr := range entryAddrs(entry) {
					m.logger.Debug("mDNS entry resolved",
						slog.String("instance", entry.Instance),
						slog.String("address", addr.String()),
					)
					found(addr)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, MDNSService, MDNSDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for %s: %w", MDNSService, err)
	}
	return nil
}

func entryAddrs(entry *zeroconf.ServiceEntry) []netip.AddrPort {
	var addrs []netip.AddrPort
	for _, ip := range entry.AddrIPv4 {
		if addr, ok := ipToAddr(ip); ok {
			addrs = append(addrs, netip.AddrPortFrom(addr, uint16(entry.Port)))
		}
	}
	return addrs
}

func ipToAddr(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	return addr.Unmap(), ok
}

// Stop withdraws the registration and ends browsing
func (m *MDNS) Stop() {
	m.cancel()
	m.server.Shutdown()
	m.wg.Wait()
}
