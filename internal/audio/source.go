package audio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// ErrSourceClosed is returned by reads from a closed capture source
var ErrSourceClosed = errors.New("capture source closed")

// CaptureSource is an opaque audio input delivering PCM bytes in a fixed format
type CaptureSource interface {
	Read(p []byte) (int, error)
	Close() error
}

// CaptureOpener opens a capture source for the given format and line buffer size
type CaptureOpener func(format Format, bufferSize int) (CaptureSource, error)

// pacer throttles a synthetic source to the real-time byte rate of its format
type pacer struct {
	bytesPerSecond float64
	start          time.Time
	produced       int64
	now            func() time.Time
	sleep          func(time.Duration)
}

func newPacer(f Format) *pacer {
	return &pacer{
		bytesPerSecond: f.BytesPerSecond(),
		now:            time.Now,
		sleep:          time.Sleep,
	}
}

// wait blocks until n more bytes are due
func (p *pacer) wait(n int) {
	if p.bytesPerSecond <= 0 {
		return
	}
	if p.start.IsZero() {
		p.start = p.now()
	}
	p.produced += int64(n)
	due := p.start.Add(time.Duration(float64(p.produced) / p.bytesPerSecond * float64(time.Second)))
	if d := due.Sub(p.now()); d > 0 {
		p.sleep(d)
	}
}

// loopSource replays a PCM buffer forever at real-time speed
type loopSource struct {
	mu     sync.Mutex
	data   []byte
	pos    int
	format Format
	pacer  *pacer
	closed bool
}

// NewLoopSource returns a paced source that repeats data indefinitely
func NewLoopSource(format Format, data []byte) (CaptureSource, error) {
	aligned := len(data) - len(data)%max(format.FrameSize, 1)
	if aligned == 0 {
		return nil, fmt.Errorf("loop source needs at least one frame of audio")
	}
	return &loopSource{
		data:   data[:aligned],
		format: format,
		pacer:  newPacer(format),
	}, nil
}

func (s *loopSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSourceClosed
	}

	n := s.format.AlignToFrames(len(p))
	if n > len(p) {
		n = len(p)
	}
	for written := 0; written < n; {
		c := copy(p[written:n], s.data[s.pos:])
		written += c
		s.pos = (s.pos + c) % len(s.data)
	}
	s.mu.Unlock()

	s.pacer.wait(n)
	return n, nil
}

func (s *loopSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WAVFileOpener returns an opener that loops the audio of a WAV file.
// The file must match the requested format.
func WAVFileOpener(path string) CaptureOpener {
	return func(format Format, bufferSize int) (CaptureSource, error) {
		fileFormat, pcm, err := ReadWAVFile(path)
		if err != nil {
			return nil, err
		}
		if fileFormat != format {
			return nil, fmt.Errorf("WAV file %s is %s, expected %s", path, fileFormat, format)
		}
		return NewLoopSource(format, pcm)
	}
}

// ReadWAVFile loads and decodes a WAV file
func ReadWAVFile(path string) (Format, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to read WAV file: %w", err)
	}
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		return Format{}, nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return format, pcm, nil
}

// readerSource captures raw PCM from any reader, such as a pipe on stdin
type readerSource struct {
	r io.Reader
}

// NewReaderSource wraps r as a capture source. Close closes r if it is an io.Closer.
func NewReaderSource(r io.Reader) CaptureSource {
	return &readerSource{r: r}
}

func (s *readerSource) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *readerSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ReaderOpener returns an opener that captures raw PCM from r
func ReaderOpener(r io.Reader) CaptureOpener {
	return func(format Format, bufferSize int) (CaptureSource, error) {
		return NewReaderSource(r), nil
	}
}

// toneSource synthesizes a sine wave on every channel
type toneSource struct {
	mu        sync.Mutex
	format    Format
	frequency float64
	amplitude float64
	frame     int64
	pacer     *pacer
	closed    bool
}

// NewToneSource returns a paced sine generator. Amplitude is normalized to [0, 1].
func NewToneSource(format Format, frequency, amplitude float64) (CaptureSource, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("tone frequency must be positive, got %v", frequency)
	}
	return &toneSource{
		format:    format,
		frequency: frequency,
		amplitude: math.Max(0, math.Min(1, amplitude)),
		pacer:     newPacer(format),
	}, nil
}

func (s *toneSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSourceClosed
	}

	frameSize := s.format.FrameSize
	width := s.format.BytesPerSample()
	frames := len(p) / frameSize
	rate := float64(s.format.SampleRate)

	for i := 0; i < frames; i++ {
		v := s.amplitude * math.Sin(2*math.Pi*s.frequency*float64(s.frame)/rate)
		for ch := 0; ch < s.format.Channels; ch++ {
			off := i*frameSize + ch*width
			encodeSample(p[off:off+width], s.format, v)
		}
		s.frame++
	}
	s.mu.Unlock()

	n := frames * frameSize
	s.pacer.wait(n)
	return n, nil
}

func (s *toneSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ToneOpener returns an opener for a sine tone
func ToneOpener(frequency, amplitude float64) CaptureOpener {
	return func(format Format, bufferSize int) (CaptureSource, error) {
		return NewToneSource(format, frequency, amplitude)
	}
}
