package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/discovery"
	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/transport"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

const (
	DefaultRetryDelay     = time.Second
	DefaultReportInterval = 500 * time.Millisecond
	DefaultDialTimeout    = 3 * time.Second
)

// Status messages reported while the client is not streaming
const (
	StatusNoSettings           = "No playback configured"
	StatusNoServer             = "No server selected"
	StatusNoDetails            = "Waiting for server details"
	StatusNoAudio              = "Server is not broadcasting audio"
	StatusMismatchedEncryption = "Mismatched encryption"
)

// ClientSettings configures playback
type ClientSettings struct {
	Playback       audio.PlaybackOpener
	BufferSize     int
	ReportInterval time.Duration
	Encryption     *encryption.Encryption // nil when no secret is configured
}

func (s ClientSettings) withDefaults() ClientSettings {
	if s.BufferSize <= 0 {
		s.BufferSize = DefaultBufferSize
	}
	if s.ReportInterval <= 0 {
		s.ReportInterval = DefaultReportInterval
	}
	return s
}

// ClientOptions configures an AudioClient
type ClientOptions struct {
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Dial        transport.Dialer // nil uses net.Dialer
}

// AudioClient plays the stream of one chosen server
type AudioClient struct {
	opts    ClientOptions
	logger  *slog.Logger
	metrics *metrics.Metrics
	worker  *worker.Worker

	mu       sync.Mutex
	server   *discovery.RemoteServer
	settings *ClientSettings
	gen      uint64
	conn     net.Conn
	status   string

	received atomic.Uint64
	sessions atomic.Uint64
}

// ClientStatistics describes the client
type ClientStatistics struct {
	Server        string `json:"server,omitempty"`
	Status        string `json:"status"`
	Connected     bool   `json:"connected"`
	BytesReceived uint64 `json:"bytes_received"`
	Sessions      uint64 `json:"sessions"`
}

// NewAudioClient creates a stopped client
func NewAudioClient(opts ClientOptions, logger *slog.Logger, m *metrics.Metrics) *AudioClient {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dial == nil {
		dialer := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = func(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp4", addr.String())
		}
	}

	c := &AudioClient{
		opts:    opts,
		logger:  logger.With(slog.String("component", "audio-client")),
		metrics: m,
		status:  StatusNoServer,
	}
	c.worker = worker.New("audio-client", c.run, worker.Options{
		Delay:             opts.RetryDelay,
		InterruptStrategy: worker.SkipWait,
		Policy:            worker.RetryOnError,
		Logger:            logger,
		OnError:           m.WorkerErrorHook("audio-client"),
	})
	return c
}

// Start starts the client loop
func (c *AudioClient) Start() error {
	return c.worker.Start()
}

// Stop stops the client loop, closing an open stream
func (c *AudioClient) Stop(timeout time.Duration) error {
	c.worker.StopNextLoop()
	c.dropConnection()
	return c.worker.Stop(timeout)
}

// Worker exposes the client loop for state reporting
func (c *AudioClient) Worker() *worker.Worker {
	return c.worker
}

// Server returns the selected server, if any
func (c *AudioClient) Server() (discovery.RemoteServer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return discovery.RemoteServer{}, false
	}
	return *c.server, true
}

// SetServer selects the server to play, nil to stop playing. A change of server or
// of its details interrupts the client so it re-evaluates immediately.
func (c *AudioClient) SetServer(server *discovery.RemoteServer) {
	c.mu.Lock()
	if sameServerDetails(c.server, server) {
		if server != nil {
			c.server = copyServer(server)
		}
		c.mu.Unlock()
		return
	}
	c.server = copyServer(server)
	c.gen++
	conn := c.conn
	c.mu.Unlock()

	c.interrupt(conn)
}

// SetSettings replaces the playback settings, nil to stop playing, and interrupts
// the client
func (c *AudioClient) SetSettings(settings *ClientSettings) {
	c.mu.Lock()
	if settings != nil {
		s := settings.withDefaults()
		c.settings = &s
	} else {
		c.settings = nil
	}
	c.gen++
	conn := c.conn
	c.mu.Unlock()

	c.interrupt(conn)
}

// Status returns the last reported status message
func (c *AudioClient) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// GetStatistics returns client counters
func (c *AudioClient) GetStatistics() ClientStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := ClientStatistics{
		Status:        c.status,
		Connected:     c.conn != nil,
		BytesReceived: c.received.Load(),
		Sessions:      c.sessions.Load(),
	}
	if c.server != nil {
		stats.Server = c.server.Address.String()
	}
	return stats
}

func (c *AudioClient) interrupt(conn net.Conn) {
	if conn != nil {
		conn.Close()
	}
	c.worker.Interrupt()
}

func (c *AudioClient) dropConnection() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// report sets the worker state and the status message
func (c *AudioClient) report(w *worker.Worker, t worker.StateType, status string) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	c.mu.Unlock()

	w.SetState(t, status)
	if changed {
		c.logger.Debug("Client status", slog.String("status", status))
	}
}

// idle reports a non-error stopped state; the loop then waits out the retry delay
func (c *AudioClient) idle(w *worker.Worker, status string) error {
	w.ClearError()
	c.report(w, worker.Stopped, status)
	return nil
}

func (c *AudioClient) snapshot() (*discovery.RemoteServer, *ClientSettings, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyServer(c.server), c.settings, c.gen
}

func (c *AudioClient) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

// run is one connection attempt: gate on settings and details, open playback,
// connect and stream until failure or interruption
func (c *AudioClient) run(ctx context.Context, w *worker.Worker) error {
	server, settings, gen := c.snapshot()

	switch {
	case settings == nil || settings.Playback == nil:
		return c.idle(w, StatusNoSettings)
	case server == nil:
		return c.idle(w, StatusNoServer)
	case !server.HasDetails():
		return c.idle(w, StatusNoDetails)
	case !server.HasAudio():
		return c.idle(w, StatusNoAudio)
	}

	details := server.Details
	if !details.Encryption.MatchesEncryption(settings.Encryption) {
		return c.idle(w, StatusMismatchedEncryption)
	}

	var enc *encryption.Encryption
	if details.Encryption.Required {
		enc = settings.Encryption
	}
	codec, err := NewPayloadCodec(details.Audio.Compression, enc)
	if err != nil {
		return c.idle(w, "Unsupported stream: "+err.Error())
	}

	format := details.Audio.Format
	address := details.Audio.Address
	bufferSize := format.AlignToFrames(settings.BufferSize)

	sink, err := settings.Playback(format, bufferSize)
	if err != nil {
		c.report(w, worker.Stopped, "Unable to open playback")
		return fmt.Errorf("failed to open playback for %s: %w", format, err)
	}
	defer sink.Close()

	c.report(w, worker.Starting, "Connecting to "+address.String())
	c.metrics.RecordConnectAttempt()

	conn, err := c.opts.Dial(ctx, address)
	if err != nil {
		if ctx.Err() != nil || c.superseded(gen) {
			return nil
		}
		if transport.IsConnectRefused(err) {
			return c.idle(w, "Unable to connect to "+address.String())
		}
		c.report(w, worker.Stopped, "Connection failed")
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	if !c.attach(conn, gen) {
		conn.Close()
		return nil
	}
	defer c.detach(conn)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.sessions.Add(1)
	c.logger.Info("Streaming started",
		slog.String("server", server.Address.String()),
		slog.String("audio_addr", address.String()),
		slog.String("format", format.String()),
		slog.Bool("encrypted", enc != nil),
	)
	w.ClearError()
	c.report(w, worker.Running, "Connected to "+address.String())

	err = c.stream(w, conn, codec, sink, format, bufferSize, settings.ReportInterval)
	if ctx.Err() != nil || c.superseded(gen) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrUnexpectedStreamEnd) || transport.IsDisconnect(err) {
		c.logger.Info("Server closed the stream", slog.String("audio_addr", address.String()))
		return c.idle(w, "Disconnected from "+address.String())
	}
	c.report(w, worker.Stopped, "Streaming failed")
	return err
}

// stream reads, decodes and plays frames until an error
func (c *AudioClient) stream(w *worker.Worker, conn net.Conn, codec *PayloadCodec, sink audio.PlaybackSink, format audio.Format, bufferSize int, reportInterval time.Duration) error {
	reader := bufio.NewReaderSize(conn, bufferSize+protocol.FrameHeaderSize)
	meter := audio.NewLevelMeter(format, 0)

	var windowBytes int
	windowStart := time.Now()

	for {
		frame, err := protocol.ReadFrame(reader)
		if err != nil {
			return err
		}

		n := protocol.FrameHeaderSize + len(frame)
		c.received.Add(uint64(n))
		c.metrics.RecordBytesReceived(n)
		windowBytes += n

		pcm, err := codec.Decode(frame)
		if err != nil {
			return fmt.Errorf("failed to decode audio frame: %w", err)
		}
		if _, err := sink.Write(pcm); err != nil {
			return fmt.Errorf("playback write failed: %w", err)
		}
		meter.Add(pcm)

		if elapsed := time.Since(windowStart); elapsed >= reportInterval {
			stats := meter.Stats()
			c.report(w, worker.Running, streamingStatus(windowBytes, elapsed, stats.SilencePercent))
			meter.Reset()
			windowBytes = 0
			windowStart = time.Now()
		}
	}
}

// streamingStatus formats the rate and silence share of the last report window
func streamingStatus(n int, elapsed time.Duration, silence float64) string {
	rate := uint64(0)
	if elapsed > 0 {
		rate = uint64(float64(n) / elapsed.Seconds())
	}
	return fmt.Sprintf("Streaming %s/s (%.0f%% silence)", humanize.Bytes(rate), silence)
}

func (c *AudioClient) attach(conn net.Conn, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *AudioClient) detach(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func copyServer(r *discovery.RemoteServer) *discovery.RemoteServer {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Details != nil {
		d := *r.Details
		if d.Audio != nil {
			a := *d.Audio
			d.Audio = &a
		}
		cp.Details = &d
	}
	return &cp
}

// sameServerDetails reports whether switching from a to b changes anything the
// client connects with
func sameServerDetails(a, b *discovery.RemoteServer) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !discovery.SameServer(a.Address, b.Address) {
		return false
	}
	if a.Details == nil || b.Details == nil {
		return a.Details == b.Details
	}

	da, db := a.Details, b.Details
	if da.Encryption.Required != db.Encryption.Required ||
		!bytes.Equal(da.Encryption.Salt, db.Encryption.Salt) ||
		!bytes.Equal(da.Encryption.Digest, db.Encryption.Digest) {
		return false
	}
	if da.Audio == nil || db.Audio == nil {
		return da.Audio == db.Audio
	}
	return *da.Audio == *db.Audio
}
