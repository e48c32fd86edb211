package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/metrics"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
	"github.com/skypro1111/lan-audio-service/internal/transport"
	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// DefaultWriteTimeout bounds a single frame write to a client
const DefaultWriteTimeout = 5 * time.Second

// sendResult is the outcome of one send iteration that did not fail
type sendResult int

const (
	sendOK sendResult = iota
	sendDisconnected
)

// AudioConnection streams buffered audio to one client
type AudioConnection struct {
	id           string
	conn         net.Conn
	remote       string
	buffer       *audio.ElasticBuffer
	codec        *PayloadCodec
	chunkSize    int
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics
	worker       *worker.Worker
	connected    time.Time

	mu      sync.Mutex
	onClose []func(*AudioConnection)

	closeOnce sync.Once
	sent      atomic.Uint64
	frames    atomic.Uint64
}

// ConnectionStatistics describes one client connection
type ConnectionStatistics struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	BytesSent   uint64    `json:"bytes_sent"`
	FramesSent  uint64    `json:"frames_sent"`
	Buffered    int       `json:"buffered"`
	BufferCap   int       `json:"buffer_capacity"`
}

// NewAudioConnection wraps conn. chunkSize must be a whole number of frames.
func NewAudioConnection(conn net.Conn, codec *PayloadCodec, chunkSize int, writeTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *AudioConnection {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	c := &AudioConnection{
		id:           id,
		conn:         conn,
		remote:       remote,
		buffer:       audio.NewElasticBuffer(chunkSize * 2),
		codec:        codec,
		chunkSize:    chunkSize,
		writeTimeout: writeTimeout,
		logger:       logger.With(slog.String("connection_id", id), slog.String("remote_addr", remote)),
		metrics:      m,
		connected:    time.Now(),
	}
	c.worker = worker.New("audio-send:"+remote, c.send, worker.Options{
		Logger:  logger,
		OnError: m.WorkerErrorHook("audio-send"),
	})
	return c
}

// ID returns the connection's unique id
func (c *AudioConnection) ID() string {
	return c.id
}

// Remote returns the client address
func (c *AudioConnection) Remote() string {
	return c.remote
}

// Buffer returns the buffer the capture hub pushes into
func (c *AudioConnection) Buffer() *audio.ElasticBuffer {
	return c.buffer
}

// Worker exposes the send loop for state reporting
func (c *AudioConnection) Worker() *worker.Worker {
	return c.worker
}

// OnClose registers fn to run once when the connection shuts down
func (c *AudioConnection) OnClose(fn func(*AudioConnection)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// Start begins the send loop
func (c *AudioConnection) Start() error {
	return c.worker.Start()
}

// Stop closes the socket and buffer and waits for the send loop to exit
func (c *AudioConnection) Stop(timeout time.Duration) error {
	c.close()
	return c.worker.Stop(timeout)
}

// GetStatistics returns connection counters
func (c *AudioConnection) GetStatistics() ConnectionStatistics {
	stats := c.buffer.GetStats()
	return ConnectionStatistics{
		ID:          c.id,
		Remote:      c.remote,
		ConnectedAt: c.connected,
		BytesSent:   c.sent.Load(),
		FramesSent:  c.frames.Load(),
		Buffered:    stats.Buffered,
		BufferCap:   stats.Capacity,
	}
}

// send runs one iteration of the send loop. A client that went away stops the
// loop quietly; any other failure is returned and stops this connection only.
func (c *AudioConnection) send(ctx context.Context, w *worker.Worker) error {
	result, err := c.sendOnce()
	if err != nil {
		c.metrics.RecordConnectionFailure()
		c.close()
		return err
	}

	if result == sendDisconnected {
		w.StopNextLoop()
		if ctx.Err() == nil && !c.buffer.Closed() {
			c.logger.Info("Client disconnected", slog.Uint64("bytes_sent", c.sent.Load()))
			c.metrics.RecordClientDisconnect()
		}
		c.close()
	}
	return nil
}

func (c *AudioConnection) sendOnce() (sendResult, error) {
	chunk, err := c.buffer.Pop(c.chunkSize)
	if err != nil {
		if errors.Is(err, audio.ErrBufferClosed) {
			return sendDisconnected, nil
		}
		return sendOK, err
	}

	payload, err := c.codec.Encode(chunk)
	if err != nil {
		return sendOK, fmt.Errorf("failed to encode audio chunk: %w", err)
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		if transport.IsDisconnect(err) {
			return sendDisconnected, nil
		}
		return sendOK, fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		if transport.IsDisconnect(err) {
			return sendDisconnected, nil
		}
		return sendOK, fmt.Errorf("failed to send audio to %s: %w", c.remote, err)
	}

	n := protocol.FrameHeaderSize + len(payload)
	c.sent.Add(uint64(n))
	c.frames.Add(1)
	c.metrics.RecordBytesSent(n, c.buffer.Len())
	return sendOK, nil
}

// close releases the socket and buffer exactly once and runs the close hooks
func (c *AudioConnection) close() {
	c.closeOnce.Do(func() {
		c.worker.StopNextLoop()
		c.buffer.Close()
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("Error closing audio connection", slog.String("error", err.Error()))
		}

		c.mu.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		for _, fn := range hooks {
			fn(c)
		}
	})
}
