package protocol

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/skypro1111/lan-audio-service/internal/audio"
	"github.com/skypro1111/lan-audio-service/internal/encryption"
)

// Magic prefixes every control packet
const Magic = "LANAUDIO/1"

// PacketType is the type tag following the magic string
type PacketType int32

const (
	TypeDiscoveryRequest  PacketType = 1
	TypeDiscoveryResponse PacketType = 2
)

// String returns the wire name of the packet type
func (t PacketType) String() string {
	switch t {
	case TypeDiscoveryRequest:
		return "DISCOVERY_REQUEST"
	case TypeDiscoveryResponse:
		return "DISCOVERY_RESPONSE"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(t))
	}
}

// Compression names the payload compression advertised by an audio server
const (
	CompressionNone = "none"
	CompressionLZ4  = "lz4"
)

// Packet is a control packet. The set of implementations is closed to this package.
type Packet interface {
	Type() PacketType
	encodeFields(e *Encoder) error
}

// DiscoveryRequest asks every listener to send its details to ReplyPort
type DiscoveryRequest struct {
	ReplyPort int32
}

func (*DiscoveryRequest) Type() PacketType { return TypeDiscoveryRequest }

func (p *DiscoveryRequest) encodeFields(e *Encoder) error {
	e.WriteInt32(p.ReplyPort)
	return nil
}

// DiscoveryResponse carries the full details of the responding node
type DiscoveryResponse struct {
	Details ServerDetails
}

func (*DiscoveryResponse) Type() PacketType { return TypeDiscoveryResponse }

func (p *DiscoveryResponse) encodeFields(e *Encoder) error {
	return p.Details.encode(e)
}

// ServerDetails describes a node as seen by its peers
type ServerDetails struct {
	ControlAddress netip.AddrPort          `json:"control_address"`
	Audio          *AudioServerDetails     `json:"audio,omitempty"` // nil when not broadcasting audio
	Encryption     encryption.Verification `json:"encryption"`
}

// AudioServerDetails describes a live audio server
type AudioServerDetails struct {
	Address     netip.AddrPort `json:"address"`
	Format      audio.Format   `json:"format"`
	Compression string         `json:"compression"`
}

// HasAudio reports whether the node is currently broadcasting audio
func (d ServerDetails) HasAudio() bool {
	return d.Audio != nil
}

// WithSource replaces unspecified addresses with the IP a packet arrived from,
// so a node advertising 0.0.0.0 is reachable at its real LAN address
func (d ServerDetails) WithSource(source netip.Addr) ServerDetails {
	if !source.IsValid() {
		return d
	}
	d.ControlAddress = substituteIP(d.ControlAddress, source)
	if d.Audio != nil {
		audioDetails := *d.Audio
		audioDetails.Address = substituteIP(audioDetails.Address, source)
		d.Audio = &audioDetails
	}
	return d
}

func substituteIP(addr netip.AddrPort, source netip.Addr) netip.AddrPort {
	if !addr.Addr().IsValid() || addr.Addr().IsUnspecified() {
		return netip.AddrPortFrom(source.Unmap(), addr.Port())
	}
	return addr
}

func (d *ServerDetails) encode(e *Encoder) error {
	if err := e.WriteAddress(d.ControlAddress); err != nil {
		return fmt.Errorf("control address: %w", err)
	}

	e.WriteBool(d.Audio != nil)
	if d.Audio != nil {
		if err := e.WriteAddress(d.Audio.Address); err != nil {
			return fmt.Errorf("audio address: %w", err)
		}
		if err := e.WriteFormat(d.Audio.Format); err != nil {
			return fmt.Errorf("audio format: %w", err)
		}
		compression := d.Audio.Compression
		if compression == "" {
			compression = CompressionNone
		}
		if err := e.WriteString(compression); err != nil {
			return fmt.Errorf("audio compression: %w", err)
		}
	}

	e.WriteBool(d.Encryption.Required)
	e.WriteBytes(d.Encryption.Salt)
	e.WriteBytes(d.Encryption.Digest)
	return nil
}

func decodeServerDetails(d *Decoder) (ServerDetails, error) {
	var details ServerDetails
	var err error

	if details.ControlAddress, err = d.ReadAddress(); err != nil {
		return details, err
	}

	hasAudio, err := d.ReadBool()
	if err != nil {
		return details, err
	}

	if hasAudio {
		audioDetails := &AudioServerDetails{}
		if audioDetails.Address, err = d.ReadAddress(); err != nil {
			return details, err
		}
		if audioDetails.Format, err = d.ReadFormat(); err != nil {
			return details, err
		}
		if audioDetails.Compression, err = d.ReadString(); err != nil {
			return details, err
		}
		switch audioDetails.Compression {
		case CompressionNone, CompressionLZ4:
		default:
			return details, protocolErrorf("unknown compression %q", audioDetails.Compression)
		}
		details.Audio = audioDetails
	}

	if details.Encryption.Required, err = d.ReadBool(); err != nil {
		return details, err
	}
	if details.Encryption.Salt, err = d.ReadBytes(); err != nil {
		return details, err
	}
	if details.Encryption.Digest, err = d.ReadBytes(); err != nil {
		return details, err
	}

	return details, nil
}

// Encode serializes a control packet: magic, type tag, then the type's fields
func Encode(p Packet) ([]byte, error) {
	e := &Encoder{buf: make([]byte, 0, 128)}
	if err := e.WriteString(Magic); err != nil {
		return nil, err
	}
	e.WriteInt32(int32(p.Type()))
	if err := p.encodeFields(e); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.Type(), err)
	}
	return e.Bytes(), nil
}

// Decode parses a control packet. A wrong magic string or an unknown type tag
// is a *ProtocolError; a message cut short fails with ErrUnexpectedStreamEnd.
func Decode(data []byte) (Packet, error) {
	d := NewDecoder(data)

	magic, err := d.ReadString()
	if err != nil {
		var protoErr *ProtocolError
		if errors.As(err, &protoErr) {
			return nil, protocolErrorf("invalid magic: %s", protoErr.Reason)
		}
		// A length prefix that cannot belong to the magic is corruption, not truncation
		if len(data) >= 2 && !magicPrefix(data) {
			return nil, protocolErrorf("invalid magic")
		}
		return nil, err
	}
	if magic != Magic {
		return nil, protocolErrorf("invalid magic %q", magic)
	}

	tag, err := d.ReadInt32()
	if err != nil {
		return nil, err
	}

	switch PacketType(tag) {
	case TypeDiscoveryRequest:
		port, err := d.ReadInt32()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", TypeDiscoveryRequest, err)
		}
		return &DiscoveryRequest{ReplyPort: port}, nil

	case TypeDiscoveryResponse:
		details, err := decodeServerDetails(d)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", TypeDiscoveryResponse, err)
		}
		return &DiscoveryResponse{Details: details}, nil

	default:
		return nil, protocolErrorf("unknown packet type %d", tag)
	}
}

// magicPrefix reports whether data starts with the encoded magic length
func magicPrefix(data []byte) bool {
	return int(data[0])<<8|int(data[1]) == len(Magic)
}
