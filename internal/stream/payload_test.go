package stream

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/skypro1111/lan-audio-service/internal/encryption"
	"github.com/skypro1111/lan-audio-service/internal/protocol"
)

func mustEncryption(t *testing.T, secret string) *encryption.Encryption {
	t.Helper()
	enc, err := encryption.New(secret)
	if err != nil {
		t.Fatalf("encryption.New failed: %v", err)
	}
	return enc
}

func noise(n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(1)).Read(data)
	return data
}

func TestPayloadCodecRoundTrip(t *testing.T) {
	enc := mustEncryption(t, "shared secret")
	silence := make([]byte, 4096)

	tests := []struct {
		name        string
		compression string
		enc         *encryption.Encryption
		data        []byte
	}{
		{"plain", protocol.CompressionNone, nil, noise(4096)},
		{"encrypted", protocol.CompressionNone, enc, noise(4096)},
		{"lz4 silence", protocol.CompressionLZ4, nil, silence},
		{"lz4 noise", protocol.CompressionLZ4, nil, noise(4096)},
		{"lz4 encrypted", protocol.CompressionLZ4, enc, silence},
		{"default compression", "", nil, noise(64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := NewPayloadCodec(tt.compression, tt.enc)
			if err != nil {
				t.Fatalf("NewPayloadCodec failed: %v", err)
			}

			payload, err := codec.Encode(tt.data)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := codec.Decode(payload)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("Expected round trip to return the original %d bytes", len(tt.data))
			}
		})
	}
}

func TestPayloadCodecPlainIsRawPCM(t *testing.T) {
	codec, err := NewPayloadCodec(protocol.CompressionNone, nil)
	if err != nil {
		t.Fatalf("NewPayloadCodec failed: %v", err)
	}
	data := noise(128)
	payload, _ := codec.Encode(data)
	if !bytes.Equal(payload, data) {
		t.Errorf("Expected uncompressed plaintext payload to be the PCM chunk itself")
	}
}

func TestPayloadCodecCompressionTags(t *testing.T) {
	codec, err := NewPayloadCodec(protocol.CompressionLZ4, nil)
	if err != nil {
		t.Fatalf("NewPayloadCodec failed: %v", err)
	}

	silent, _ := codec.Encode(make([]byte, 4096))
	if silent[0] != tagLZ4 {
		t.Errorf("Expected silence to be lz4 compressed, got tag %d", silent[0])
	}
	if len(silent) >= 4096 {
		t.Errorf("Expected compressed silence to be smaller, got %d bytes", len(silent))
	}

	random, _ := codec.Encode(noise(4096))
	if random[0] != tagRaw {
		t.Errorf("Expected noise to be sent raw, got tag %d", random[0])
	}
}

func TestPayloadCodecErrors(t *testing.T) {
	if _, err := NewPayloadCodec("zstd", nil); err == nil {
		t.Errorf("Expected error for unsupported compression")
	}

	sender, _ := NewPayloadCodec(protocol.CompressionNone, mustEncryption(t, "right"))
	receiver, _ := NewPayloadCodec(protocol.CompressionNone, mustEncryption(t, "wrong"))
	payload, err := sender.Encode(noise(256))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := receiver.Decode(payload); err == nil {
		t.Errorf("Expected decode with the wrong secret to fail")
	}

	lz4Codec, _ := NewPayloadCodec(protocol.CompressionLZ4, nil)
	bad := [][]byte{
		{},
		{tagLZ4, 0, 0},
		{tagLZ4, 0xff, 0xff, 0xff, 0xff, 1},
		{tagLZ4, 0, 0, 0, 16, 0xff, 0xff},
		{7, 1, 2, 3},
	}
	for i, payload := range bad {
		if _, err := lz4Codec.Decode(payload); err == nil {
			t.Errorf("Case %d: expected error decoding %v", i, payload)
		}
	}
}
