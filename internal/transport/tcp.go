package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	DefaultDialTimeout  = 3 * time.Second
	DefaultWriteTimeout = 5 * time.Second
)

// ErrServerClosed is returned for operations on a closed TCP server
var ErrServerClosed = errors.New("tcp server closed")

// Dialer opens an outbound stream connection
type Dialer func(ctx context.Context, addr netip.AddrPort) (net.Conn, error)

// TCPOptions configures a TCPServer
type TCPOptions struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Dial         Dialer // nil uses net.Dialer
}

// TCPServer accepts control connections and keeps a pool of open connections keyed
// by remote address. Every connection runs a framed receive loop whose packets are
// delivered to OnPacket listeners.
type TCPServer struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	opts    TCPOptions

	listener net.Listener
	acceptor *worker.Worker
	closing  atomic.Bool

	mu    sync.Mutex
	conns map[netip.AddrPort]*Connection

	listeners Listeners[PacketEvent]
}

// NewTCPServer creates a server with an empty connection pool. Call Listen to accept
// inbound connections; outbound connections work without it.
func NewTCPServer(opts TCPOptions, logger *slog.Logger, m *metrics.Metrics) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr.String())
		}
	}

	return &TCPServer{
		logger:  logger.With(slog.String("transport", "tcp")),
		metrics: m,
		opts:    opts,
		conns:   make(map[netip.AddrPort]*Connection),
	}
}

// Listen binds addr and starts the accept loop
func (s *TCPServer) Listen(addr netip.AddrPort) error {
	if s.closing.Load() {
		return ErrServerClosed
	}

	l, err := net.Listen("tcp4", addr.String())
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", addr, err)
	}
	s.listener = l

	s.acceptor = worker.New("tcp-accept", s.accept, worker.Options{
		Policy:  worker.RetryOnError,
		Logger:  s.logger,
		OnError: s.metrics.WorkerErrorHook("tcp-accept"),
	})
	if err := s.acceptor.Start(); err != nil {
		l.Close()
		return err
	}

	s.logger.Info("TCP server listening", slog.String("address", l.Addr().String()))
	return nil
}

// Addr returns the listening address, or the zero value before Listen
func (s *TCPServer) Addr() netip.AddrPort {
	if s.listener == nil {
		return netip.AddrPort{}
	}
	return s.listener.Addr().(*net.TCPAddr).AddrPort()
}

// OnPacket registers a listener for packets received on any connection
func (s *TCPServer) OnPacket(fn func(PacketEvent)) func() {
	return s.listeners.Add(fn)
}

// Acceptor exposes the accept loop for state reporting; nil before Listen
func (s *TCPServer) Acceptor() *worker.Worker {
	return s.acceptor
}

// GetOrOpenConnection returns the cached connection to addr, dialing one if needed.
// Concurrent callers for the same address end up sharing a single connection.
func (s *TCPServer) GetOrOpenConnection(ctx context.Context, addr netip.AddrPort) (*Connection, error) {
	if s.closing.Load() {
		return nil, ErrServerClosed
	}

	if c := s.lookup(addr); c != nil {
		return c, nil
	}

	conn, err := s.opts.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := newConnection(s, conn, addr, true)

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		conn.Close()
		return nil, ErrServerClosed
	}
	if existing, ok := s.conns[addr]; ok {
		// Lost the race to another dialer
		s.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	s.conns[addr] = c
	s.mu.Unlock()

	if err := c.start(); err != nil {
		c.Close()
		return nil, err
	}

	s.logger.Debug("Opened control connection", slog.String("remote_addr", addr.String()))
	return c, nil
}

// SendToAll sends p on every open connection. Failures are collected, not
// short-circuited; connections that failed with a disconnect are removed.
func (s *TCPServer) SendToAll(p protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	var errs []error
	for _, c := range s.Connections() {
		if err := c.SendRaw(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Remote(), err))
		}
	}
	return errors.Join(errs...)
}

// Connections returns a snapshot of open connections ordered by remote address
func (s *TCPServer) Connections() []*Connection {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].remote.Compare(conns[j].remote) < 0
	})
	return conns
}

// Close stops accepting, closes every connection and waits up to timeout for their
// receive loops to exit
func (s *TCPServer) Close(timeout time.Duration) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if s.acceptor != nil {
		s.acceptor.StopNextLoop()
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close listener: %w", err))
		}
		if err := s.acceptor.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	conns := s.Connections()
	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		if err := c.worker.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("TCP server stopped", slog.Int("connections_closed", len(conns)))
	return errors.Join(errs...)
}

func (s *TCPServer) lookup(addr netip.AddrPort) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[addr]
}

func (s *TCPServer) remove(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.remote] == c {
		delete(s.conns, c.remote)
	}
}

// accept waits for one inbound connection
func (s *TCPServer) accept(ctx context.Context, w *worker.Worker) error {
	conn, err := s.listener.Accept()
	if err != nil {
		if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			w.StopNextLoop()
			return nil
		}
		return fmt.Errorf("failed to accept connection: %w", err)
	}

	remote := conn.RemoteAddr().(*net.TCPAddr).AddrPort()
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	c := newConnection(s, conn, remote, false)

	s.mu.Lock()
	if previous, ok := s.conns[remote]; ok {
		s.mu.Unlock()
		previous.Close()
		s.mu.Lock()
	}
	s.conns[remote] = c
	s.mu.Unlock()

	if err := c.start(); err != nil {
		c.Close()
		return err
	}

	s.logger.Debug("Accepted control connection", slog.String("remote_addr", remote.String()))
	return nil
}

// Connection is one framed control stream
type Connection struct {
	server   *TCPServer
	conn     net.Conn
	remote   netip.AddrPort
	outbound bool
	reader   *bufio.Reader
	worker   *worker.Worker
	writeMu  sync.Mutex
	closed   atomic.Bool
}

func newConnection(s *TCPServer, conn net.Conn, remote netip.AddrPort, outbound bool) *Connection {
	c := &Connection{
		server:   s,
		conn:     conn,
		remote:   remote,
		outbound: outbound,
		reader:   bufio.NewReader(conn),
	}
	name := "tcp-recv:" + remote.String()
	c.worker = worker.New(name, c.receive, worker.Options{
		Logger:  s.logger,
		OnError: s.metrics.WorkerErrorHook("tcp-recv"),
	})
	return c
}

func (c *Connection) start() error {
	return c.worker.Start()
}

// Remote returns the peer address the connection is keyed by
func (c *Connection) Remote() netip.AddrPort {
	return c.remote
}

// Outbound reports whether this side dialed the connection
func (c *Connection) Outbound() bool {
	return c.outbound
}

// Worker exposes the receive loop for state reporting
func (c *Connection) Worker() *worker.Worker {
	return c.worker
}

// Closed reports whether the connection has been torn down
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Send encodes and writes one packet
func (c *Connection) Send(p protocol.Packet) error {
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes an encoded packet as one frame. A disconnect tears the connection down.
func (c *Connection) SendRaw(data []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout)); err != nil {
		c.Close()
		return err
	}
	if err := protocol.WriteFrame(c.conn, data); err != nil {
		if IsDisconnect(err) || IsTimeout(err) {
			c.Close()
		}
		return err
	}
	return nil
}

// Close closes the socket and removes the connection from the pool. It does not wait
// for the receive loop, so it is safe to call from a listener.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.worker.StopNextLoop()
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.server.logger.Debug("Error closing connection",
			slog.String("remote_addr", c.remote.String()),
			slog.String("error", err.Error()),
		)
	}
	c.server.remove(c)
}

// receive reads one frame and dispatches it. Framing errors and disconnects tear
// the connection down since the stream cannot be resynchronized; a frame that fails
// to decode is dropped on its own.
func (c *Connection) receive(ctx context.Context, w *worker.Worker) error {
	frame, err := protocol.ReadFrame(c.reader)
	if err != nil {
		closing := c.closed.Load() || ctx.Err() != nil
		c.Close()
		w.StopNextLoop()

		var protoErr *protocol.ProtocolError
		switch {
		case closing, IsDisconnect(err):
			c.server.logger.Debug("Control connection closed", slog.String("remote_addr", c.remote.String()))
			return nil
		case errors.As(err, &protoErr), errors.Is(err, protocol.ErrUnexpectedStreamEnd):
			c.server.metrics.RecordParseError("tcp")
			c.server.logger.Warn("Control stream desynchronized",
				slog.String("remote_addr", c.remote.String()),
				slog.String("error", err.Error()),
			)
			return nil
		default:
			return fmt.Errorf("failed to read from %s: %w", c.remote, err)
		}
	}

	packet, err := protocol.Decode(frame)
	if err != nil {
		c.server.metrics.RecordParseError("tcp")
		c.server.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", c.remote.String()),
			slog.Int("packet_size", len(frame)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.server.listeners.Emit(PacketEvent{
		Packet:    packet,
		Source:    c.remote,
		Transport: "tcp",
		Conn:      c,
	})
	return nil
}
