package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix
	FrameHeaderSize = 4

	// MaxFrameSize bounds a single stream frame; larger lengths indicate a desynchronized stream
	MaxFrameSize = 16 << 20

	// MaxDatagramSize bounds connectionless control packets. A datagram of exactly this
	// size may have been truncated by the receive buffer and is rejected.
	MaxDatagramSize = 10 * 1024
)

// WriteFrame writes [uint32 length][payload] with a single Write call
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return protocolErrorf("frame of %d bytes exceeds %d", len(payload), MaxFrameSize)
	}

	frame := make([]byte, FrameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)

	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. A stream that ends cleanly between
// frames returns io.EOF; one that ends inside a frame returns ErrUnexpectedStreamEnd.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading frame header: %w", ErrUnexpectedStreamEnd)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, protocolErrorf("frame length %d exceeds %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading %d byte frame: %w", length, ErrUnexpectedStreamEnd)
		}
		return nil, err
	}

	return payload, nil
}

// CheckDatagram rejects a datagram that filled the receive buffer
func CheckDatagram(n int) error {
	if n >= MaxDatagramSize {
		return protocolErrorf("datagram of %d bytes reaches the %d byte limit and may be truncated", n, MaxDatagramSize)
	}
	return nil
}

// EncodeDatagram encodes a control packet and checks that it fits in a datagram
func EncodeDatagram(p Packet) ([]byte, error) {
	data, err := Encode(p)
	if err != nil {
		return nil, err
	}
	if err := CheckDatagram(len(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// DecodeDatagram checks the size bound and decodes a control packet
func DecodeDatagram(data []byte) (Packet, error) {
	if err := CheckDatagram(len(data)); err != nil {
		return nil, err
	}
	return Decode(data)
}
