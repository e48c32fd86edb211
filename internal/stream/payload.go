package stream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

// Compressed payloads start with a tag byte. These values are wire constants.
const (
	tagRaw byte = 0
	tagLZ4 byte = 1

	lz4HeaderSize = 1 + 4 // tag + uncompressed size
)

var errIncompressible = errors.New("data is incompressible")

// PayloadCodec turns PCM chunks into audio frame payloads and back: optional lz4
// compression, then optional encryption. Without compression the payload is the
// raw (possibly encrypted) PCM chunk.
type PayloadCodec struct {
	compression string
	enc         *encryption.Encryption
}

// NewPayloadCodec validates the compression name. enc may be nil.
func NewPayloadCodec(compression string, enc *encryption.Encryption) (*PayloadCodec, error) {
	switch compression {
	case "", protocol.CompressionNone:
		compression = protocol.CompressionNone
	case protocol.CompressionLZ4:
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
	return &PayloadCodec{compression: compression, enc: enc}, nil
}

// Compression returns the compression name advertised to clients
func (c *PayloadCodec) Compression() string {
	return c.compression
}

// Encrypted reports whether payloads are encrypted
func (c *PayloadCodec) Encrypted() bool {
	return c.enc != nil
}

// Encode prepares one PCM chunk for the wire
func (c *PayloadCodec) Encode(chunk []byte) ([]byte, error) {
	payload := chunk
	if c.compression == protocol.CompressionLZ4 {
		payload = compressChunk(chunk)
	}
	if c.enc == nil {
		return payload, nil
	}
	return c.enc.Encrypt(payload)
}

// Decode recovers the PCM chunk from a frame payload
func (c *PayloadCodec) Decode(payload []byte) ([]byte, error) {
	data := payload
	if c.enc != nil {
		plain, err := c.enc.Decrypt(payload)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if c.compression == protocol.CompressionLZ4 {
		return decompressChunk(data)
	}
	return data, nil
}

// compressChunk lz4-compresses data, sending it raw behind tagRaw when compression
// does not make it smaller
func compressChunk(data []byte) []byte {
	compressed, err := compressLZ4(data)
	if err != nil {
		out := make([]byte, 1+len(data))
		out[0] = tagRaw
		copy(out[1:], data)
		return out
	}

	out := make([]byte, lz4HeaderSize+len(compressed))
	out[0] = tagLZ4
	binary.BigEndian.PutUint32(out[1:lz4HeaderSize], uint32(len(data)))
	copy(out[lz4HeaderSize:], compressed)
	return out
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))

	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressChunk(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty compressed payload")
	}

	switch data[0] {
	case tagRaw:
		return data[1:], nil
	case tagLZ4:
		if len(data) < lz4HeaderSize {
			return nil, fmt.Errorf("truncated lz4 payload of %d bytes", len(data))
		}
		size := binary.BigEndian.Uint32(data[1:lz4HeaderSize])
		if size > protocol.MaxFrameSize {
			return nil, fmt.Errorf("lz4 payload claims %d bytes, limit is %d", size, protocol.MaxFrameSize)
		}
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(data[lz4HeaderSize:], destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != int(size) {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	default:
		return nil, fmt.Errorf("unknown compression tag %d", data[0])
	}
}
