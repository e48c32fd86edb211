package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"unicode/utf8"

	"github.com/skypro1111/lan-audio-service/internal/audio"
)

// maxStringSize is the largest string a uint16 length prefix can describe
const maxStringSize = math.MaxUint16

// Encoder appends big-endian fixed-width fields to a buffer
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded message
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// WriteString writes a uint16 byte length followed by UTF-8 bytes
func (e *Encoder) WriteString(s string) error {
	if len(s) > maxStringSize {
		return protocolErrorf("string of %d bytes exceeds %d", len(s), maxStringSize)
	}
	if !utf8.ValidString(s) {
		return protocolErrorf("string is not valid UTF-8")
	}
	e.buf = binary.BigEndian.AppendUint16(e.buf, uint16(len(s)))
	e.buf = append(e.buf, s...)
	return nil
}

// WriteInt32 writes a 32-bit signed integer
func (e *Encoder) WriteInt32(v int32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(v))
}

// WriteFloat32 writes an IEEE 754 single precision float
func (e *Encoder) WriteFloat32(v float32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(v))
}

// WriteBool writes a single byte, 1 for true
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// WriteBytes writes an int32 count followed by the raw bytes
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteInt32(int32(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteAddress writes an address as its IP string and an int32 port
func (e *Encoder) WriteAddress(addr netip.AddrPort) error {
	ip := ""
	if addr.Addr().IsValid() {
		ip = addr.Addr().String()
	}
	if err := e.WriteString(ip); err != nil {
		return err
	}
	e.WriteInt32(int32(addr.Port()))
	return nil
}

// WriteFormat writes the audio format fields
func (e *Encoder) WriteFormat(f audio.Format) error {
	if err := e.WriteString(string(f.Encoding)); err != nil {
		return err
	}
	e.WriteFloat32(f.SampleRate)
	e.WriteInt32(int32(f.SampleSizeBits))
	e.WriteInt32(int32(f.Channels))
	e.WriteInt32(int32(f.FrameSize))
	e.WriteFloat32(f.FrameRate)
	e.WriteBool(f.BigEndian)
	return nil
}

// Decoder reads fields written by an Encoder
type Decoder struct {
	data []byte
	off  int
}

// NewDecoder creates a decoder over data
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining returns the number of unread bytes
func (d *Decoder) Remaining() int {
	return len(d.data) - d.off
}

func (d *Decoder) take(what string, n int) ([]byte, error) {
	if n > d.Remaining() {
		return nil, unexpectedEnd(what, n, d.Remaining())
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

// ReadString reads a uint16-length-prefixed UTF-8 string
func (d *Decoder) ReadString() (string, error) {
	head, err := d.take("string length", 2)
	if err != nil {
		return "", err
	}
	body, err := d.take("string", int(binary.BigEndian.Uint16(head)))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(body) {
		return "", protocolErrorf("string is not valid UTF-8")
	}
	return string(body), nil
}

// ReadInt32 reads a 32-bit signed integer
func (d *Decoder) ReadInt32() (int32, error) {
	b, err := d.take("int32", 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// ReadFloat32 reads an IEEE 754 single precision float
func (d *Decoder) ReadFloat32() (float32, error) {
	b, err := d.take("float32", 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// ReadBool reads a boolean byte; values other than 0 and 1 are rejected
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.take("bool", 1)
	if err != nil {
		return false, err
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, protocolErrorf("invalid boolean byte 0x%02x", b[0])
	}
}

// ReadBytes reads an int32-count-prefixed byte block. The result is a copy, or nil
// for an empty block so that nil and empty slices decode alike.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, protocolErrorf("negative byte block length %d", n)
	}
	b, err := d.take("byte block", int(n))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// ReadAddress reads an IP string and an int32 port. An empty IP yields an address without an IP.
func (d *Decoder) ReadAddress() (netip.AddrPort, error) {
	ip, err := d.ReadString()
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := d.ReadInt32()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if port < 0 || port > math.MaxUint16 {
		return netip.AddrPort{}, protocolErrorf("port %d out of range", port)
	}

	if ip == "" {
		return netip.AddrPortFrom(netip.Addr{}, uint16(port)), nil
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.AddrPort{}, protocolErrorf("invalid address %q", ip)
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// ReadFormat reads the audio format fields
func (d *Decoder) ReadFormat() (audio.Format, error) {
	var f audio.Format

	encoding, err := d.ReadString()
	if err != nil {
		return f, err
	}
	f.Encoding = audio.Encoding(encoding)

	if f.SampleRate, err = d.ReadFloat32(); err != nil {
		return f, err
	}

	ints := []*int{&f.SampleSizeBits, &f.Channels, &f.FrameSize}
	for _, dst := range ints {
		v, err := d.ReadInt32()
		if err != nil {
			return f, err
		}
		*dst = int(v)
	}

	if f.FrameRate, err = d.ReadFloat32(); err != nil {
		return f, err
	}

	if f.BigEndian, err = d.ReadBool(); err != nil {
		return f, err
	}

	if err := f.Validate(); err != nil {
		return f, protocolErrorf("invalid audio format: %v", err)
	}

	return f, nil
}

// String returns a human-readable representation of the decoder position
func (d *Decoder) String() string {
	return fmt.Sprintf("Decoder{Offset:%d, Remaining:%d}", d.off, d.Remaining())
}
