package stream

import (
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

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// DefaultBufferSize is the default capture chunk size in bytes
const DefaultBufferSize = 12 * 1024

// captureEndStopTimeout bounds the teardown after the capture source ends
const captureEndStopTimeout = 5 * time.Second

// ServerOptions configures an AudioServer
type ServerOptions struct {
	Address      netip.AddrPort // port 0 picks a free port
	Format       audio.Format
	BufferSize   int
	Compression  string
	WriteTimeout time.Duration
}

// AudioServer accepts audio clients and streams captured audio to each of them
type AudioServer struct {
	opts    ServerOptions
	capture audio.CaptureOpener
	enc     *encryption.Encryption
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	running  bool
	codec    *PayloadCodec
	listener net.Listener
	hub      *audio.CaptureHub
	acceptor *worker.Worker
	conns    map[string]*AudioConnection
	closing  atomic.Bool
	ended    chan struct{}

	accepted atomic.Uint64
}

// ServerStatistics describes a running audio server
type ServerStatistics struct {
	Running       bool                   `json:"running"`
	Address       string                 `json:"address,omitempty"`
	Format        string                 `json:"format"`
	Encrypted     bool                   `json:"encrypted"`
	Compression   string                 `json:"compression"`
	CapturedBytes uint64                 `json:"captured_bytes"`
	Accepted      uint64                 `json:"accepted"`
	Connections   []ConnectionStatistics `json:"connections"`
}

// NewAudioServer creates a stopped server. enc may be nil for plaintext audio.
func NewAudioServer(opts ServerOptions, capture audio.CaptureOpener, enc *encryption.Encryption, logger *slog.Logger, m *metrics.Metrics) *AudioServer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DefaultFormat()
	}
	opts.Format = opts.Format.WithDefaults()

	return &AudioServer{
		opts:    opts,
		capture: capture,
		enc:     enc,
		logger:  logger.With(slog.String("component", "audio-server")),
		metrics: m,
		conns:   make(map[string]*AudioConnection),
	}
}

// Start opens the listener and the capture source, then starts accepting clients
func (s *AudioServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("audio server already running")
	}
	if err := s.opts.Format.Validate(); err != nil {
		return fmt.Errorf("invalid audio format: %w", err)
	}

	codec, err := NewPayloadCodec(s.opts.Compression, s.enc)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp4", s.opts.Address.String())
	if err != nil {
		return fmt.Errorf("failed to listen for audio clients on %s: %w", s.opts.Address, err)
	}

	hub := audio.NewCaptureHub(s.capture, s.opts.Format, s.opts.BufferSize, s.logger, s.metrics.WorkerErrorHook("capture"))
	if err := hub.Start(); err != nil {
		listener.Close()
		return err
	}

	s.codec = codec
	s.listener = listener
	s.hub = hub
	s.closing.Store(false)
	s.acceptor = worker.New("audio-accept", s.accept, worker.Options{
		Policy:  worker.RetryOnError,
		Logger:  s.logger,
		OnError: s.metrics.WorkerErrorHook("audio-accept"),
	})
	if err := s.acceptor.Start(); err != nil {
		listener.Close()
		hub.Stop(time.Second)
		return err
	}
	s.running = true
	s.ended = make(chan struct{})
	go s.watchCapture(hub, s.ended)

	s.logger.Info("Audio server started",
		slog.String("address", listener.Addr().String()),
		slog.String("format", s.opts.Format.String()),
		slog.Int("chunk_size", hub.BufferSize()),
		slog.Bool("encrypted", codec.Encrypted()),
		slog.String("compression", codec.Compression()),
	)
	return nil
}

// Stop closes the listener, stops capture and stops every open connection
func (s *AudioServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.closing.Store(true)
	listener, hub, acceptor := s.listener, s.hub, s.acceptor
	s.mu.Unlock()

	var errs []error

	acceptor.StopNextLoop()
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		errs = append(errs, fmt.Errorf("failed to close audio listener: %w", err))
	}
	if err := acceptor.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	if err := hub.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	conns := s.Connections()
	for _, c := range conns {
		if err := c.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("Audio server stopped",
		slog.Int("connections_closed", len(conns)),
		slog.Uint64("clients_served", s.accepted.Load()),
	)
	return errors.Join(errs...)
}

// CaptureEnded returns a channel closed when the server stopped itself because its
// capture source ended or failed. It is nil before the first Start.
func (s *AudioServer) CaptureEnded() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// watchCapture stops the server once capture is over; clients would otherwise
// connect and wait for audio that never comes
func (s *AudioServer) watchCapture(hub *audio.CaptureHub, ended chan struct{}) {
	<-hub.Worker().Done()

	s.mu.Lock()
	current := s.running && s.hub == hub
	s.mu.Unlock()
	if !current {
		return
	}

	state := hub.Worker().State()
	s.logger.Warn("Audio capture ended, stopping audio server",
		slog.String("capture_state", state.String()),
	)
	if err := s.Stop(captureEndStopTimeout); err != nil {
		s.logger.Error("Error stopping audio server", slog.String("error", err.Error()))
	}
	close(ended)
}

// Running reports whether the server is accepting clients
func (s *AudioServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the listening address, or the zero value when stopped
func (s *AudioServer) Addr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || !s.running {
		return netip.AddrPort{}
	}
	return s.listener.Addr().(*net.TCPAddr).AddrPort()
}

// Details returns the audio details advertised through discovery, nil when stopped
func (s *AudioServer) Details() *protocol.AudioServerDetails {
	addr := s.Addr()
	if !addr.IsValid() {
		return nil
	}
	return &protocol.AudioServerDetails{
		Address:     netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		Format:      s.opts.Format,
		Compression: s.compression(),
	}
}

func (s *AudioServer) compression() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codec == nil {
		return protocol.CompressionNone
	}
	return s.codec.Compression()
}

// Connections returns a snapshot of open connections, oldest first
func (s *AudioServer) Connections() []*AudioConnection {
	s.mu.Lock()
	conns := make([]*AudioConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].connected.Before(conns[j].connected)
	})
	return conns
}

// Workers returns the workers backing the server for state reporting
func (s *AudioServer) Workers() []*worker.Worker {
	s.mu.Lock()
	var workers []*worker.Worker
	if s.acceptor != nil {
		workers = append(workers, s.acceptor)
	}
	if s.hub != nil {
		workers = append(workers, s.hub.Worker())
	}
	s.mu.Unlock()

	for _, c := range s.Connections() {
		workers = append(workers, c.Worker())
	}
	return workers
}

// GetStatistics returns server and per-connection counters
func (s *AudioServer) GetStatistics() ServerStatistics {
	s.mu.Lock()
	stats := ServerStatistics{
		Running:     s.running,
		Format:      s.opts.Format.String(),
		Encrypted:   s.enc != nil,
		Compression: protocol.CompressionNone,
		Accepted:    s.accepted.Load(),
	}
	if s.codec != nil {
		stats.Compression = s.codec.Compression()
	}
	if s.running {
		stats.Address = s.listener.Addr().String()
	}
	if s.hub != nil {
		stats.CapturedBytes = s.hub.Captured()
	}
	s.mu.Unlock()

	for _, c := range s.Connections() {
		stats.Connections = append(stats.Connections, c.GetStatistics())
	}
	return stats
}

// accept waits for one client and starts streaming to it
func (s *AudioServer) accept(ctx context.Context, w *worker.Worker) error {
	s.mu.Lock()
	listener, hub, codec := s.listener, s.hub, s.codec
	s.mu.Unlock()

	conn, err := listener.Accept()
	if err != nil {
		if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			w.StopNextLoop()
			return nil
		}
		return fmt.Errorf("failed to accept audio client: %w", err)
	}

	c := NewAudioConnection(conn, codec, hub.BufferSize(), s.opts.WriteTimeout, s.logger, s.metrics)
	unregister := hub.Register(c.Buffer())
	c.OnClose(func(c *AudioConnection) {
		unregister()
		s.remove(c)
	})

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		c.Stop(time.Second)
		return nil
	}
	s.conns[c.ID()] = c
	count := len(s.conns)
	s.mu.Unlock()

	s.accepted.Add(1)
	s.metrics.SetActiveConnections(count)

	if err := c.Start(); err != nil {
		c.Stop(time.Second)
		return err
	}

	s.logger.Info("Audio client connected",
		slog.String("connection_id", c.ID()),
		slog.String("remote_addr", c.Remote()),
		slog.Int("clients", count),
	)
	return nil
}

func (s *AudioServer) remove(c *AudioConnection) {
	s.mu.Lock()
	delete(s.conns, c.ID())
	count := len(s.conns)
	s.mu.Unlock()

	s.metrics.SetActiveConnections(count)
}
