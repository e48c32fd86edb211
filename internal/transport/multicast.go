package transport

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// MulticastOptions configures group membership
type MulticastOptions struct {
	Interface string // empty selects the first interface with IPv4 multicast
	TTL       int
	Loopback  bool // deliver our own broadcasts to listeners on this host
}

// Multicast is a member of an IPv4 multicast group. Received packets are fanned out
// to listeners; Broadcast sends to the whole group.
type Multicast struct {
	group  netip.AddrPort
	ifi    *net.Interface
	recv   *UDPServer
	send   *net.UDPConn
	logger *slog.Logger
}

// JoinMulticast joins group on a probed (or named) interface
func JoinMulticast(group netip.AddrPort, opts MulticastOptions, logger *slog.Logger, m *metrics.Metrics) (*Multicast, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !group.Addr().Is4() || !group.Addr().IsMulticast() {
		return nil, fmt.Errorf("%s is not an IPv4 multicast group", group)
	}

	ifi, err := SelectInterface(opts.Interface)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, net.UDPAddrFromAddrPort(group))
	if err != nil {
		return nil, fmt.Errorf("failed to join multicast group %s on %s: %w", group, ifi.Name, err)
	}

	send, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open multicast sender: %w", err)
	}

	pc := ipv4.NewPacketConn(send)
	if err := pc.SetMulticastInterface(ifi); err != nil {
		logger.Warn("Failed to set multicast interface",
			slog.String("interface", ifi.Name),
			slog.String("error", err.Error()),
		)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 1
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		logger.Warn("Failed to set multicast TTL", slog.Int("ttl", ttl), slog.String("error", err.Error()))
	}
	if err := pc.SetMulticastLoopback(opts.Loopback); err != nil {
		logger.Warn("Failed to set multicast loopback", slog.String("error", err.Error()))
	}

	logger.Info("Joined multicast group",
		slog.String("group", group.String()),
		slog.String("interface", ifi.Name),
		slog.Int("ttl", ttl),
	)

	return &Multicast{
		group:  group,
		ifi:    ifi,
		recv:   newUDPServer("multicast", conn, logger, m),
		send:   send,
		logger: logger,
	}, nil
}

// Start begins the receive loop
func (mc *Multicast) Start() error {
	return mc.recv.Start()
}

// Stop leaves the group and closes both sockets
func (mc *Multicast) Stop(timeout time.Duration) error {
	err := mc.recv.Stop(timeout)
	if closeErr := mc.send.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("failed to close multicast sender: %w", closeErr)
	}
	return err
}

// Broadcast sends p to the group
func (mc *Multicast) Broadcast(p protocol.Packet) error {
	data, err := protocol.EncodeDatagram(p)
	if err != nil {
		return err
	}
	if _, err := mc.send.WriteToUDPAddrPort(data, mc.group); err != nil {
		return fmt.Errorf("failed to broadcast to %s: %w", mc.group, err)
	}
	return nil
}

// OnPacket registers a listener for packets received from the group
func (mc *Multicast) OnPacket(fn func(PacketEvent)) func() {
	return mc.recv.OnPacket(fn)
}

// Group returns the multicast group address
func (mc *Multicast) Group() netip.AddrPort {
	return mc.group
}

// Interface returns the name of the joined interface
func (mc *Multicast) Interface() string {
	return mc.ifi.Name
}

// Worker exposes the receive loop for state reporting
func (mc *Multicast) Worker() *worker.Worker {
	return mc.recv.Worker()
}

// GetStatistics returns receive counters
func (mc *Multicast) GetStatistics() UDPStatistics {
	return mc.recv.GetStatistics()
}
