package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// UDPServer sends and receives control datagrams on one local address
type UDPServer struct {
	name    string
	conn    *net.UDPConn
	logger  *slog.Logger
	metrics *metrics.Metrics
	worker  *worker.Worker
	buffer  []byte
	closing atomic.Bool

	listeners Listeners[PacketEvent]

	// Basic counters
	received atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// UDPStatistics represents server counters for monitoring
type UDPStatistics struct {
	PacketsReceived uint64 `json:"packets_received"`
	PacketsRejected uint64 `json:"packets_rejected"`
	ParseErrors     uint64 `json:"parse_errors"`
}

// ListenUDP binds a UDP server to addr. A zero port picks an ephemeral one.
func ListenUDP(addr netip.AddrPort, logger *slog.Logger, m *metrics.Metrics) (*UDPServer, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP %s: %w", addr, err)
	}
	return newUDPServer("udp", conn, logger, m), nil
}

func newUDPServer(name string, conn *net.UDPConn, logger *slog.Logger, m *metrics.Metrics) *UDPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &UDPServer{
		name:    name,
		conn:    conn,
		logger:  logger.With(slog.String("transport", name)),
		metrics: m,
		// One extra byte so a datagram at the limit is observable as such
		buffer: make([]byte, protocol.MaxDatagramSize+1),
	}
	s.worker = worker.New(name+"-receive", s.receive, worker.Options{
		Logger:  logger,
		OnError: m.WorkerErrorHook(name + "-receive"),
	})
	return s
}

// Start begins the receive loop
func (s *UDPServer) Start() error {
	s.closing.Store(false)
	if err := s.worker.Start(); err != nil {
		return err
	}
	s.logger.Info("UDP server started", slog.String("address", s.LocalAddr().String()))
	return nil
}

// Stop closes the socket, which unblocks the receive loop, and waits for the loop to exit
func (s *UDPServer) Stop(timeout time.Duration) error {
	s.closing.Store(true)
	s.worker.StopNextLoop()

	if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
	}

	err := s.worker.Stop(timeout)

	stats := s.GetStatistics()
	s.logger.Info("UDP server stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_rejected", stats.PacketsRejected),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
	return err
}

// LocalAddr returns the bound address
func (s *UDPServer) LocalAddr() netip.AddrPort {
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// OnPacket registers a listener for decoded packets
func (s *UDPServer) OnPacket(fn func(PacketEvent)) func() {
	return s.listeners.Add(fn)
}

// Send encodes p and sends it to addr
func (s *UDPServer) Send(addr netip.AddrPort, p protocol.Packet) error {
	data, err := protocol.EncodeDatagram(p)
	if err != nil {
		return err
	}
	return s.SendRaw(addr, data)
}

// SendRaw sends an encoded datagram to addr
func (s *UDPServer) SendRaw(addr netip.AddrPort, data []byte) error {
	if err := protocol.CheckDatagram(len(data)); err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDPAddrPort(data, addr); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", addr, err)
	}
	return nil
}

// Worker exposes the receive loop for state reporting
func (s *UDPServer) Worker() *worker.Worker {
	return s.worker
}

// GetStatistics returns current server counters
func (s *UDPServer) GetStatistics() UDPStatistics {
	return UDPStatistics{
		PacketsReceived: s.received.Load(),
		PacketsRejected: s.rejected.Load(),
		ParseErrors:     s.failed.Load(),
	}
}

// receive reads and dispatches a single datagram
func (s *UDPServer) receive(ctx context.Context, w *worker.Worker) error {
	n, source, err := s.conn.ReadFromUDPAddrPort(s.buffer)
	if err != nil {
		if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			w.StopNextLoop()
			return nil
		}
		return fmt.Errorf("failed to read UDP packet: %w", err)
	}

	s.handleDatagram(s.buffer[:n], netip.AddrPortFrom(source.Addr().Unmap(), source.Port()))
	return nil
}

// handleDatagram decodes one datagram and fans it out. Malformed datagrams are
// dropped; they never stop the loop.
func (s *UDPServer) handleDatagram(data []byte, source netip.AddrPort) {
	s.received.Add(1)
	s.metrics.RecordDatagramReceived(s.name)

	if err := protocol.CheckDatagram(len(data)); err != nil {
		s.rejected.Add(1)
		s.metrics.RecordDatagramRejected(s.name)
		s.logger.Warn("Rejected oversized datagram",
			slog.String("remote_addr", source.String()),
			slog.Int("packet_size", len(data)),
		)
		return
	}

	packet, err := protocol.Decode(data)
	if err != nil {
		s.failed.Add(1)
		s.metrics.RecordParseError(s.name)
		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", source.String()),
			slog.Int("packet_size", len(data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("Packet received",
		slog.String("remote_addr", source.String()),
		slog.String("type", packet.Type().String()),
	)

	s.listeners.Emit(PacketEvent{
		Packet:    packet,
		Source:    source,
		Transport: s.name,
	})
}
