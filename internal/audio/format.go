package audio

import (
	"fmt"
	"time"
)

// Encoding names the sample representation of a PCM stream
type Encoding string

const (
	PCMSigned   Encoding = "PCM_SIGNED"
	PCMUnsigned Encoding = "PCM_UNSIGNED"
	PCMFloat    Encoding = "PCM_FLOAT"
)

// Format describes an interleaved PCM stream
type Format struct {
	Encoding       Encoding `json:"encoding" yaml:"encoding"`
	SampleRate     float32  `json:"sample_rate" yaml:"sample_rate"`
	SampleSizeBits int      `json:"sample_size_bits" yaml:"sample_size_bits"`
	Channels       int      `json:"channels" yaml:"channels"`
	FrameSize      int      `json:"frame_size" yaml:"frame_size"` // bytes per frame
	FrameRate      float32  `json:"frame_rate" yaml:"frame_rate"`
	BigEndian      bool     `json:"big_endian" yaml:"big_endian"`
}

// NewFormat builds a format with frame size and frame rate derived from the sample layout
func NewFormat(encoding Encoding, sampleRate float32, bits, channels int, bigEndian bool) Format {
	return Format{
		Encoding:       encoding,
		SampleRate:     sampleRate,
		SampleSizeBits: bits,
		Channels:       channels,
		FrameSize:      channels * ((bits + 7) / 8),
		FrameRate:      sampleRate,
		BigEndian:      bigEndian,
	}
}

// DefaultFormat is CD quality: 44.1 kHz, 16-bit signed, stereo, little-endian
func DefaultFormat() Format {
	return NewFormat(PCMSigned, 44100, 16, 2, false)
}

// WithDefaults fills a zero frame size and frame rate from the sample layout
func (f Format) WithDefaults() Format {
	if f.Encoding == "" {
		f.Encoding = PCMSigned
	}
	if f.FrameSize <= 0 {
		f.FrameSize = f.Channels * f.BytesPerSample()
	}
	if f.FrameRate <= 0 {
		f.FrameRate = f.SampleRate
	}
	return f
}

// Validate checks that the format describes a usable PCM stream
func (f Format) Validate() error {
	switch f.Encoding {
	case PCMSigned, PCMUnsigned:
		if f.SampleSizeBits < 8 || f.SampleSizeBits > 32 {
			return fmt.Errorf("unsupported sample size %d bits for %s", f.SampleSizeBits, f.Encoding)
		}
	case PCMFloat:
		if f.SampleSizeBits != 32 && f.SampleSizeBits != 64 {
			return fmt.Errorf("unsupported sample size %d bits for %s", f.SampleSizeBits, f.Encoding)
		}
	default:
		return fmt.Errorf("unknown encoding %q", f.Encoding)
	}

	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", f.SampleRate)
	}

	if f.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", f.Channels)
	}

	if f.FrameSize < f.Channels*f.BytesPerSample() {
		return fmt.Errorf("frame size %d too small for %d channels of %d bits", f.FrameSize, f.Channels, f.SampleSizeBits)
	}

	if f.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %v", f.FrameRate)
	}

	return nil
}

// BytesPerSample returns the storage size of one sample
func (f Format) BytesPerSample() int {
	return (f.SampleSizeBits + 7) / 8
}

// BytesPerSecond returns the stream's byte rate
func (f Format) BytesPerSecond() float64 {
	return float64(f.FrameRate) * float64(f.FrameSize)
}

// AlignToFrames rounds n down to a whole number of frames, never below one frame
func (f Format) AlignToFrames(n int) int {
	if f.FrameSize <= 0 {
		return n
	}
	aligned := n - n%f.FrameSize
	if aligned < f.FrameSize {
		return f.FrameSize
	}
	return aligned
}

// Duration returns how long n bytes take to play
func (f Format) Duration(n int) time.Duration {
	rate := f.BytesPerSecond()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(n) / rate * float64(time.Second))
}

// String returns a compact description such as "PCM_SIGNED 44100Hz 16bit 2ch LE"
func (f Format) String() string {
	endian := "LE"
	if f.BigEndian {
		endian = "BE"
	}
	return fmt.Sprintf("%s %gHz %dbit %dch %s", f.Encoding, f.SampleRate, f.SampleSizeBits, f.Channels, endian)
}
