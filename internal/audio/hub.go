package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/lan-audio-service/internal/worker"
)

// CaptureHub reads a single capture source and fans every chunk out to the
// registered buffers, one per connected client. A slow client only grows its own buffer.
type CaptureHub struct {
	opener     CaptureOpener
	format     Format
	bufferSize int
	logger     *slog.Logger
	worker     *worker.Worker

	mu      sync.Mutex
	source  CaptureSource
	buffers map[*ElasticBuffer]struct{}
	chunk   []byte
	closing atomic.Bool

	captured atomic.Uint64
}

// NewCaptureHub creates a hub that opens its source on Start.
// bufferSize is rounded down to whole frames.
func NewCaptureHub(opener CaptureOpener, format Format, bufferSize int, logger *slog.Logger, onError func(error)) *CaptureHub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &CaptureHub{
		opener:     opener,
		format:     format,
		bufferSize: format.AlignToFrames(bufferSize),
		logger:     logger,
		buffers:    make(map[*ElasticBuffer]struct{}),
	}
	h.worker = worker.New("capture", h.capture, worker.Options{
		Logger:  logger,
		OnError: onError,
	})
	return h
}

// Start opens the capture source and starts the capture loop
func (h *CaptureHub) Start() error {
	source, err := h.opener(h.format, h.bufferSize)
	if err != nil {
		return fmt.Errorf("failed to open capture source: %w", err)
	}

	h.mu.Lock()
	h.source = source
	h.chunk = make([]byte, h.bufferSize)
	h.mu.Unlock()
	h.closing.Store(false)

	if err := h.worker.Start(); err != nil {
		source.Close()
		return fmt.Errorf("failed to start capture loop: %w", err)
	}

	h.logger.Info("Audio capture started",
		slog.String("format", h.format.String()),
		slog.Int("buffer_size", h.bufferSize),
	)
	return nil
}

// Stop closes the source, which unblocks a pending read, and stops the capture loop
func (h *CaptureHub) Stop(timeout time.Duration) error {
	h.closing.Store(true)
	h.worker.StopNextLoop()

	h.mu.Lock()
	source := h.source
	h.source = nil
	h.mu.Unlock()

	var closeErr error
	if source != nil {
		closeErr = source.Close()
	}

	if err := h.worker.Stop(timeout); err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close capture source: %w", closeErr)
	}
	return nil
}

// Register adds a buffer to the fan-out set and returns a func removing it
func (h *CaptureHub) Register(buffer *ElasticBuffer) func() {
	h.mu.Lock()
	h.buffers[buffer] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.buffers, buffer)
		h.mu.Unlock()
	}
}

// Consumers returns the number of registered buffers
func (h *CaptureHub) Consumers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffers)
}

// Worker exposes the capture loop for state reporting
func (h *CaptureHub) Worker() *worker.Worker {
	return h.worker
}

// Captured returns the total number of bytes read from the source
func (h *CaptureHub) Captured() uint64 {
	return h.captured.Load()
}

// Format returns the capture format
func (h *CaptureHub) Format() Format {
	return h.format
}

// BufferSize returns the frame-aligned chunk size
func (h *CaptureHub) BufferSize() int {
	return h.bufferSize
}

func (h *CaptureHub) capture(ctx context.Context, w *worker.Worker) error {
	h.mu.Lock()
	source, chunk := h.source, h.chunk
	h.mu.Unlock()

	if source == nil {
		w.StopNextLoop()
		return nil
	}

	n, err := source.Read(chunk)
	if n > 0 {
		h.captured.Add(uint64(n))
		h.fanOut(chunk[:n])
	}

	switch {
	case err == nil:
		return nil
	case h.closing.Load() || ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF):
		h.logger.Info("Audio capture source ended")
		w.StopNextLoop()
		return nil
	default:
		return fmt.Errorf("capture read failed: %w", err)
	}
}

func (h *CaptureHub) fanOut(data []byte) {
	h.mu.Lock()
	targets := make([]*ElasticBuffer, 0, len(h.buffers))
	for b := range h.buffers {
		targets = append(targets, b)
	}
	h.mu.Unlock()

	for _, b := range targets {
		b.Push(data)
	}
}
