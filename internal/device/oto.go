package device

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hajimehoshi/oto/v2"

	"github.com/skypro1111/lan-audio-service/internal/audio"
)

// Output plays audio on the default output device. The underlying oto context
// can only be created once per process, so every sink shares its sample rate
// and channel count.
type Output struct {
	logger *slog.Logger

	mu       sync.Mutex
	ctx      *oto.Context
	rate     int
	channels int
}

// NewOutput returns an output that creates its device context on first use
func NewOutput(logger *slog.Logger) *Output {
	if logger == nil {
		logger = slog.Default()
	}
	return &Output{logger: logger.With(slog.String("component", "output"))}
}

// Opener returns a PlaybackOpener for this output
func (o *Output) Opener() audio.PlaybackOpener {
	return o.open
}

// deviceFormat is what the device is fed: signed 16-bit little-endian
func deviceFormat(f audio.Format) audio.Format {
	return audio.NewFormat(audio.PCMSigned, f.SampleRate, 16, f.Channels, false)
}

func (o *Output) open(format audio.Format, bufferSize int) (audio.PlaybackSink, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	ctx, err := o.context(int(format.SampleRate), format.Channels)
	if err != nil {
		return nil, err
	}

	target := deviceFormat(format)
	pr, pw := io.Pipe()
	player := ctx.NewPlayer(pr)
	if setter, ok := player.(interface{ SetBufferSize(int) }); ok && bufferSize > 0 {
		frames := bufferSize / format.FrameSize
		setter.SetBufferSize(frames * target.FrameSize)
	}
	player.Play()

	o.logger.Info("Playback opened",
		slog.String("format", format.String()),
		slog.Int("buffer_size", bufferSize),
	)
	return &sink{player: player, pipe: pw, src: format, dst: target}, nil
}

// context creates the oto context once and checks later callers against it
func (o *Output) context(rate, channels int) (*oto.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.ctx != nil {
		if rate != o.rate || channels != o.channels {
			return nil, fmt.Errorf("output device already runs at %d Hz with %d channels, cannot play %d Hz with %d channels",
				o.rate, o.channels, rate, channels)
		}
		return o.ctx, nil
	}

	ctx, ready, err := oto.NewContext(rate, channels, 2)
	if err != nil {
		return nil, fmt.Errorf("oto.NewContext: %w", err)
	}
	<-ready

	o.ctx = ctx
	o.rate = rate
	o.channels = channels
	return ctx, nil
}

// sink feeds converted PCM to an oto player through a pipe; Write blocks while
// the player's buffer is full
type sink struct {
	player oto.Player
	pipe   *io.PipeWriter
	src    audio.Format
	dst    audio.Format

	closeOnce sync.Once
}

func (s *sink) Write(p []byte) (int, error) {
	if err := s.player.Err(); err != nil {
		return 0, fmt.Errorf("playback failed: %w", err)
	}
	data, err := audio.Convert(p, s.src, s.dst)
	if err != nil {
		return 0, err
	}
	if _, err := s.pipe.Write(data); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.pipe.Close(), s.player.Close())
	})
	return err
}
