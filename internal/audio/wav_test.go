package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

// sineWave generates interleaved 16-bit little-endian samples
func sineWave(f Format, frequency float64, duration time.Duration) []byte {
	frames := int(float64(f.SampleRate) * duration.Seconds())
	data := make([]byte, frames*f.FrameSize)
	width := f.BytesPerSample()

	for i := 0; i < frames; i++ {
		v := 0.5 * math.Sin(2*math.Pi*frequency*float64(i)/float64(f.SampleRate))
		for ch := 0; ch < f.Channels; ch++ {
			off := i*f.FrameSize + ch*width
			encodeSample(data[off:off+width], f, v)
		}
	}
	return data
}

func TestEncodeWAV(t *testing.T) {
	format := NewFormat(PCMSigned, 8000, 16, 1, false)
	pcm := sineWave(format, 440, 100*time.Millisecond)

	wavData, err := EncodeWAV(format, pcm)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	// WAV header should be 44 bytes
	expectedSize := wavHeaderSize + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.Format != format {
		t.Errorf("Expected format %s, got %s", format, info.Format)
	}

	if info.Duration != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", info.Duration)
	}

	if info.Frames != 800 {
		t.Errorf("Expected 800 frames, got %d", info.Frames)
	}
}

func TestDecodeWAV(t *testing.T) {
	formats := []Format{
		NewFormat(PCMSigned, 44100, 16, 2, false),
		NewFormat(PCMUnsigned, 8000, 8, 1, false),
		NewFormat(PCMSigned, 48000, 24, 2, false),
		NewFormat(PCMFloat, 48000, 32, 1, false),
	}

	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			pcm := sineWave(format, 440, 10*time.Millisecond)

			wavData, err := EncodeWAV(format, pcm)
			if err != nil {
				t.Fatalf("EncodeWAV failed: %v", err)
			}

			decodedFormat, decoded, err := DecodeWAV(wavData)
			if err != nil {
				t.Fatalf("DecodeWAV failed: %v", err)
			}

			if decodedFormat != format {
				t.Errorf("Expected format %s, got %s", format, decodedFormat)
			}

			if !bytes.Equal(decoded, pcm) {
				t.Error("Decoded audio differs from original")
			}
		})
	}
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	format := NewFormat(PCMSigned, 8000, 16, 1, false)
	pcm := []byte{1, 0, 2, 0, 3, 0}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")

	// An odd-sized LIST chunk exercises padding
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{'a', 'b', 'c', 0})

	header, err := NewWAVHeader(format, uint32(len(pcm)))
	if err != nil {
		t.Fatalf("NewWAVHeader failed: %v", err)
	}
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, []uint16{header.AudioFormat, header.NumChannels})
	binary.Write(&buf, binary.LittleEndian, []uint32{header.SampleRate, header.ByteRate})
	binary.Write(&buf, binary.LittleEndian, []uint16{header.BlockAlign, header.BitsPerSample})

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	decodedFormat, decoded, err := DecodeWAV(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}
	if decodedFormat != format {
		t.Errorf("Expected format %s, got %s", format, decodedFormat)
	}
	if !bytes.Equal(decoded, pcm) {
		t.Errorf("Expected %v, got %v", pcm, decoded)
	}
}

func TestEncodeWAVErrors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   []byte
	}{
		{"empty data", DefaultFormat(), nil},
		{"big endian", NewFormat(PCMSigned, 44100, 16, 2, true), []byte{0, 0, 0, 0}},
		{"unsigned 16 bit", NewFormat(PCMUnsigned, 44100, 16, 1, false), []byte{0, 0}},
		{"signed 8 bit", NewFormat(PCMSigned, 8000, 8, 1, false), []byte{0}},
		{"zero sample rate", NewFormat(PCMSigned, 0, 16, 1, false), []byte{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeWAV(tt.format, tt.data); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestValidateWAV(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", make([]byte, 10)},
		{"invalid header", append([]byte("RIFX\x00\x00\x00\x00WAVE"), make([]byte, 32)...)},
		{"missing data chunk", append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 8)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateWAV(tt.data); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
