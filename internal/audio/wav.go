package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	wavHeaderSize    = 44
	wavFormatPCM     = 1
	wavFormatFloat   = 3
	wavDataSizeField = 40
	wavRIFFSizeField = 4
)

// WAVHeader represents the canonical 44-byte header of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for integer PCM, 3 for IEEE float
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * BlockAlign
	BlockAlign    uint16  // Bytes per frame
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a header for dataSize bytes of audio in format f.
// WAV is little-endian; 8-bit samples are unsigned and wider integer samples signed.
func NewWAVHeader(f Format, dataSize uint32) (WAVHeader, error) {
	if err := checkWAVFormat(f); err != nil {
		return WAVHeader{}, err
	}

	audioFormat := uint16(wavFormatPCM)
	if f.Encoding == PCMFloat {
		audioFormat = wavFormatFloat
	}

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   audioFormat,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.BytesPerSecond()),
		BlockAlign:    uint16(f.FrameSize),
		BitsPerSample: uint16(f.SampleSizeBits),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}, nil
}

// EncodeWAV wraps PCM data in a WAV container
func EncodeWAV(f Format, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	header, err := NewWAVHeader(f, uint32(len(data)))
	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(data)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	buf.Write(data)

	return buf.Bytes(), nil
}

// DecodeWAV parses a WAV file into its format and PCM data.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 {
		return Format{}, nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return Format{}, nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var format Format
	var pcm []byte
	haveFmt, haveData := false, false
	offset := 12

	for offset+8 <= len(data) && !(haveFmt && haveData) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if size < 0 || body+size > len(data) {
			if id == "data" {
				// Truncated recordings keep whatever audio is present
				size = len(data) - body
			} else {
				return Format{}, nil, fmt.Errorf("invalid WAV file: chunk %q overruns file", id)
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			parsed, err := parseWAVFormat(data[body : body+size])
			if err != nil {
				return Format{}, nil, err
			}
			format = parsed
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
			haveData = true
		}

		// Chunks are padded to an even size
		offset = body + size + size%2
	}

	if !haveFmt {
		return Format{}, nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if !haveData {
		return Format{}, nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	if len(pcm) == 0 {
		return Format{}, nil, fmt.Errorf("no audio data found")
	}

	// Drop a trailing partial frame
	pcm = pcm[:len(pcm)-len(pcm)%format.FrameSize]

	return format, pcm, nil
}

func parseWAVFormat(chunk []byte) (Format, error) {
	audioFormat := binary.LittleEndian.Uint16(chunk[0:2])
	channels := int(binary.LittleEndian.Uint16(chunk[2:4]))
	sampleRate := binary.LittleEndian.Uint32(chunk[4:8])
	blockAlign := int(binary.LittleEndian.Uint16(chunk[12:14]))
	bits := int(binary.LittleEndian.Uint16(chunk[14:16]))

	var encoding Encoding
	switch audioFormat {
	case wavFormatPCM:
		encoding = PCMSigned
		if bits == 8 {
			encoding = PCMUnsigned
		}
	case wavFormatFloat:
		encoding = PCMFloat
	default:
		return Format{}, fmt.Errorf("unsupported audio format: %d (only PCM and IEEE float are supported)", audioFormat)
	}

	f := NewFormat(encoding, float32(sampleRate), bits, channels, false)
	if blockAlign > 0 {
		f.FrameSize = blockAlign
	}

	if err := f.Validate(); err != nil {
		return Format{}, fmt.Errorf("invalid WAV format: %w", err)
	}

	return f, nil
}

func checkWAVFormat(f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.BigEndian && f.SampleSizeBits > 8 {
		return fmt.Errorf("WAV requires little-endian samples, got %s", f)
	}
	switch {
	case f.Encoding == PCMUnsigned && f.SampleSizeBits != 8:
		return fmt.Errorf("WAV stores only 8-bit samples as unsigned, got %s", f)
	case f.Encoding == PCMSigned && f.SampleSizeBits == 8:
		return fmt.Errorf("WAV stores 8-bit samples as unsigned, got %s", f)
	}
	return nil
}

// ValidateWAV validates a WAV file without copying its audio data
func ValidateWAV(data []byte) error {
	_, _, err := DecodeWAV(data)
	return err
}

// WAVInfo is basic information about a WAV file
type WAVInfo struct {
	Format   Format        `json:"format"`
	Duration time.Duration `json:"duration"`
	DataSize int           `json:"data_size_bytes"`
	Frames   int           `json:"frames"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	format, pcm, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}

	return &WAVInfo{
		Format:   format,
		Duration: format.Duration(len(pcm)),
		DataSize: len(pcm),
		Frames:   len(pcm) / format.FrameSize,
	}, nil
}
