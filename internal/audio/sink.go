package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// PlaybackSink is an opaque audio output accepting PCM bytes in a fixed format
type PlaybackSink interface {
	Write(p []byte) (int, error)
	Close() error
}

// PlaybackOpener opens a playback sink for the given format and line buffer size
type PlaybackOpener func(format Format, bufferSize int) (PlaybackSink, error)

// DiscardSink accepts and counts audio without playing it
type DiscardSink struct {
	written atomic.Int64
}

func (s *DiscardSink) Write(p []byte) (int, error) {
	s.written.Add(int64(len(p)))
	return len(p), nil
}

func (s *DiscardSink) Close() error { return nil }

// Written returns the number of bytes accepted so far
func (s *DiscardSink) Written() int64 {
	return s.written.Load()
}

// DiscardOpener opens a new DiscardSink on every call
func DiscardOpener() PlaybackOpener {
	return func(format Format, bufferSize int) (PlaybackSink, error) {
		return &DiscardSink{}, nil
	}
}

// WAVSink records audio to a seekable writer, patching the header sizes on Close
type WAVSink struct {
	mu      sync.Mutex
	w       io.WriteSeeker
	format  Format
	written uint32
	closed  bool
}

// NewWAVSink writes a provisional header to w and returns the sink
func NewWAVSink(w io.WriteSeeker, format Format) (*WAVSink, error) {
	header, err := NewWAVHeader(format, 0)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to encode WAV header: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &WAVSink{w: w, format: format}, nil
}

func (s *WAVSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}

	n, err := s.w.Write(p)
	s.written += uint32(n)
	return n, err
}

// Close patches the RIFF and data sizes and closes the writer if it is an io.Closer
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	patchErr := s.patchHeader()

	if c, ok := s.w.(io.Closer); ok {
		if err := c.Close(); err != nil && patchErr == nil {
			return fmt.Errorf("failed to close WAV output: %w", err)
		}
	}

	return patchErr
}

func (s *WAVSink) patchHeader() error {
	var field [4]byte

	binary.LittleEndian.PutUint32(field[:], 36+s.written)
	if _, err := s.w.Seek(wavRIFFSizeField, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}
	if _, err := s.w.Write(field[:]); err != nil {
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}

	binary.LittleEndian.PutUint32(field[:], s.written)
	if _, err := s.w.Seek(wavDataSizeField, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek WAV header: %w", err)
	}
	if _, err := s.w.Write(field[:]); err != nil {
		return fmt.Errorf("failed to patch WAV header: %w", err)
	}

	_, err := s.w.Seek(0, io.SeekEnd)
	return err
}

// WAVFileSinkOpener creates (or truncates) path and records playback into it
func WAVFileSinkOpener(path string) PlaybackOpener {
	return func(format Format, bufferSize int) (PlaybackSink, error) {
		file, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create WAV file: %w", err)
		}
		sink, err := NewWAVSink(file, format)
		if err != nil {
			file.Close()
			return nil, err
		}
		return sink, nil
	}
}
